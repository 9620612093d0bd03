package dht

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport answers FindNode/FindValue/Store/Ping with canned
// responses keyed by the peer's NetworkID, standing in for
// internal/transport.UDPTransport in tests that need deterministic,
// non-networked RPC behavior.
type scriptedTransport struct {
	mu        sync.Mutex
	findNode  map[Identifier]Response
	findValue map[Identifier]Response
	errs      map[Identifier]error
	stores    []Identifier
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		findNode:  make(map[Identifier]Response),
		findValue: make(map[Identifier]Response),
		errs:      make(map[Identifier]error),
	}
}

func (s *scriptedTransport) FindNode(ctx context.Context, peer Contact, target Identifier) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[peer.NetworkID]; ok {
		return Response{}, err
	}
	if r, ok := s.findNode[peer.NetworkID]; ok {
		return r, nil
	}
	return Response{}, fmt.Errorf("scriptedTransport: no FindNode script for %s", peer.NetworkID)
}

func (s *scriptedTransport) FindValue(ctx context.Context, peer Contact, key Identifier) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[peer.NetworkID]; ok {
		return Response{}, err
	}
	if r, ok := s.findValue[peer.NetworkID]; ok {
		return r, nil
	}
	return Response{}, fmt.Errorf("scriptedTransport: no FindValue script for %s", peer.NetworkID)
}

func (s *scriptedTransport) Store(ctx context.Context, peer Contact, key Identifier, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores = append(s.stores, key)
	return nil
}

func (s *scriptedTransport) Ping(ctx context.Context, peer Contact) (Contact, error) {
	return peer, nil
}

// lookupContact builds a contact whose id is zero except for its last byte,
// so ordinary byte comparisons double as XOR-distance-from-zero comparisons.
func lookupContact(b byte) Contact {
	var id Identifier
	id[IDLength-1] = b
	return Contact{NetworkID: id}
}

func awaitResult(t *testing.T, resultCh chan LookupResult, errCh chan error) (LookupResult, error) {
	t.Helper()
	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return LookupResult{}, err
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not complete in time")
		return LookupResult{}, nil
	}
}

func TestLookupEmptyRoutingTableErrorsSynchronously(t *testing.T) {
	local := lookupContact(0xFF)
	rt := NewRoutingTable(local.NetworkID, nil)
	tr := newScriptedTransport()

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(Identifier{}, FindNode, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
	)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRoutingTableEmpty)
	case <-resultCh:
		t.Fatal("expected an error, got a result")
	}
}

func TestLookupFindNodeConverges(t *testing.T) {
	local := lookupContact(0xFF)
	target := Identifier{} // zero: XOR-distance from target equals the id itself

	seed := lookupContact(0x10)
	mid := lookupContact(0x05)
	far := lookupContact(0x20)
	near := lookupContact(0x01)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	tr := newScriptedTransport()
	tr.findNode[seed.NetworkID] = Response{Kind: KindNodes, Nodes: []Contact{mid, far}}
	tr.findNode[mid.NetworkID] = Response{Kind: KindNodes, Nodes: []Contact{near}}
	tr.findNode[far.NetworkID] = Response{Kind: KindNodes, Nodes: nil}
	tr.findNode[near.NetworkID] = Response{Kind: KindNodes, Nodes: nil}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(target, FindNode, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
	)

	result, err := awaitResult(t, resultCh, errCh)
	require.NoError(t, err)
	require.Len(t, result.Nodes, 4)
	assert.Equal(t, near.NetworkID, result.Nodes[0].NetworkID, "nearest must sort first")
	assert.Equal(t, far.NetworkID, result.Nodes[3].NetworkID, "farthest must sort last")
}

func TestLookupFindValueSucceeds(t *testing.T) {
	local := lookupContact(0xFF)
	target := RandomIdentifier()
	seed := lookupContact(0x10)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	priv, pub := testKeypair(t)
	clk := NewFakeClock(1000)
	signed, err := Sign(Value{"payload": "hi"}, pub, priv, 0, clk)
	require.NoError(t, err)

	tr := newScriptedTransport()
	tr.findValue[seed.NetworkID] = Response{Kind: KindValue, Key: target, Value: signed}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(target, FindValue, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
		WithClock(clk),
	)

	result, lookupErr := awaitResult(t, resultCh, errCh)
	require.NoError(t, lookupErr)
	assert.Equal(t, signed, result.Value)
}

func TestLookupValueExpiredIsSkippedNotBlacklisted(t *testing.T) {
	local := lookupContact(0xFF)
	target := RandomIdentifier()
	seed := lookupContact(0x10)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	clk := NewFakeClock(1000)
	expired := Value{
		"payload": "hi",
		EnvelopeKey: Envelope{
			Timestamp: 900, Expires: 950, Version: ProtocolVersion, PublicKey: "irrelevant",
		}.asValue(),
	}

	tr := newScriptedTransport()
	tr.findValue[seed.NetworkID] = Response{Kind: KindValue, Key: target, Value: expired}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(target, FindValue, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
		WithClock(clk),
	)

	_, lookupErr := awaitResult(t, resultCh, errCh)
	assert.ErrorIs(t, lookupErr, ErrValueNotFound)
	assert.False(t, rt.IsBlacklisted(seed.NetworkID))
}

func TestLookupValueWrongKeyBlacklistsResponder(t *testing.T) {
	local := lookupContact(0xFF)
	target := RandomIdentifier()
	wrongKey := RandomIdentifier()
	seed := lookupContact(0x10)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	tr := newScriptedTransport()
	tr.findValue[seed.NetworkID] = Response{Kind: KindValue, Key: wrongKey, Value: Value{"x": 1}}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(target, FindValue, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
	)

	_, lookupErr := awaitResult(t, resultCh, errCh)
	assert.ErrorIs(t, lookupErr, ErrValueNotFound)
	assert.True(t, rt.IsBlacklisted(seed.NetworkID))
}

func TestLookupBlacklistsWrongKindResponder(t *testing.T) {
	local := lookupContact(0xFF)
	target := RandomIdentifier()
	seed := lookupContact(0x10)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	tr := newScriptedTransport()
	tr.findNode[seed.NetworkID] = Response{Kind: KindValue, Key: target, Value: Value{"x": 1}}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(target, FindNode, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
	)

	result, lookupErr := awaitResult(t, resultCh, errCh)
	require.NoError(t, lookupErr)
	assert.Empty(t, result.Nodes)
	assert.True(t, rt.IsBlacklisted(seed.NetworkID))
}

func TestLookupTransientErrorDropsContactWithoutBlacklisting(t *testing.T) {
	local := lookupContact(0xFF)
	target := RandomIdentifier()
	seed := lookupContact(0x10)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	tr := newScriptedTransport()
	tr.errs[seed.NetworkID] = ErrTransient

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	NewLookup(target, FindNode, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
	)

	result, lookupErr := awaitResult(t, resultCh, errCh)
	require.NoError(t, lookupErr)
	assert.Empty(t, result.Nodes)
	assert.False(t, rt.IsBlacklisted(seed.NetworkID), "transient failures must not blacklist")
}

// blockingTransport never resolves FindNode/FindValue until its context is
// cancelled, for testing explicit Lookup.Cancel() behavior deterministically.
type blockingTransport struct{ scriptedTransport }

func (b *blockingTransport) FindNode(ctx context.Context, peer Contact, target Identifier) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func (b *blockingTransport) FindValue(ctx context.Context, peer Contact, key Identifier) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestLookupCancelCompletesWithErrCancelled(t *testing.T) {
	local := lookupContact(0xFF)
	target := RandomIdentifier()
	seed := lookupContact(0x10)

	rt := NewRoutingTable(local.NetworkID, nil)
	rt.AddContact(seed)

	tr := &blockingTransport{}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)
	lookup := NewLookup(target, FindNode, rt, local, tr,
		func(r LookupResult) { resultCh <- r },
		func(err error) { errCh <- err },
		WithDeadline(time.Minute),
	)
	lookup.Cancel()

	_, lookupErr := awaitResult(t, resultCh, errCh)
	assert.ErrorIs(t, lookupErr, ErrCancelled)
}
