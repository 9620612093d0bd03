package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memNetwork is an in-memory stand-in for internal/transport.UDPTransport,
// routing RPCs directly to a peer Node's Handle* methods so Node-level
// behavior (Join, Put, Get, replication) can be exercised without sockets.
type memNetwork struct {
	byID   map[Identifier]*Node
	byAddr map[string]*Node
}

func newMemNetwork() *memNetwork {
	return &memNetwork{byID: make(map[Identifier]*Node), byAddr: make(map[string]*Node)}
}

func (m *memNetwork) register(n *Node) {
	m.byID[n.me.NetworkID] = n
	m.byAddr[n.me.Address()] = n
}

type memTransport struct {
	net  *memNetwork
	from Contact
}

func (t *memTransport) Ping(ctx context.Context, peer Contact) (Contact, error) {
	n, ok := t.net.byAddr[peer.Address()]
	if !ok {
		return Contact{}, ErrNotFound
	}
	n.HandlePing(t.from)
	return n.me, nil
}

func (t *memTransport) FindNode(ctx context.Context, peer Contact, target Identifier) (Response, error) {
	n, ok := t.net.byID[peer.NetworkID]
	if !ok {
		return Response{}, ErrNotFound
	}
	return Response{Kind: KindNodes, Nodes: n.HandleFindNode(t.from, target)}, nil
}

func (t *memTransport) FindValue(ctx context.Context, peer Contact, key Identifier) (Response, error) {
	n, ok := t.net.byID[peer.NetworkID]
	if !ok {
		return Response{}, ErrNotFound
	}
	value, nodes, found := n.HandleFindValue(t.from, key)
	if found {
		return Response{Kind: KindValue, Key: key, Value: value}, nil
	}
	return Response{Kind: KindNodes, Nodes: nodes}, nil
}

func (t *memTransport) Store(ctx context.Context, peer Contact, key Identifier, value Value) error {
	n, ok := t.net.byID[peer.NetworkID]
	if !ok {
		return ErrNotFound
	}
	return n.HandleStore(t.from, key, value)
}

func newTestNode(t *testing.T, addr string) *Node {
	t.Helper()
	priv, pub := testKeypair(t)
	me := NewContact(pub, addr, 0, ProtocolVersion)
	n := NewNode(me, priv)
	t.Cleanup(n.Close)
	return n
}

func TestNodePutStoresLocallyEvenWithoutTransport(t *testing.T) {
	n := newTestNode(t, "solo")
	key, err := n.Put(context.Background(), Value{"hello": "world"}, 0)
	require.NoError(t, err)

	got, err := n.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "world", got["hello"])
}

func TestNodeHandleStoreRejectsUnverifiableItem(t *testing.T) {
	n := newTestNode(t, "solo")
	var key Identifier
	key[0] = 1
	err := n.HandleStore(Contact{}, key, Value{"hello": "world"})
	assert.ErrorIs(t, err, ErrVerifyFail)
}

func TestNodeHandleStoreRejectsKeyMismatch(t *testing.T) {
	n := newTestNode(t, "solo")
	priv, pub := testKeypair(t)
	signed, err := Sign(Value{"hello": "world"}, pub, priv, 0, n.clock)
	require.NoError(t, err)

	wrongKey := RandomIdentifier()
	err = n.HandleStore(Contact{}, wrongKey, signed)
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestNodeJoinPutGetAcrossThreeNodes(t *testing.T) {
	net := newMemNetwork()

	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	c := newTestNode(t, "node-c")
	net.register(a)
	net.register(b)
	net.register(c)

	a.SetTransport(&memTransport{net: net, from: a.me})
	b.SetTransport(&memTransport{net: net, from: b.me})
	c.SetTransport(&memTransport{net: net, from: c.me})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A and C both join through B, so B learns both of them.
	require.NoError(t, a.Join(ctx, Contact{IPAddress: "node-b", Port: 0}))
	require.NoError(t, c.Join(ctx, Contact{IPAddress: "node-b", Port: 0}))

	key, err := a.Put(ctx, Value{"msg": "hello network"}, 0)
	require.NoError(t, err)

	// B must have received a replica via A's replicate step.
	_, err = b.Datastore().Get(key)
	assert.NoError(t, err)

	// Get resolves the value whether C already holds a replicated copy or
	// has to reach it through the network via FIND_VALUE.
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello network", got["msg"])
}
