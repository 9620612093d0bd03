// Package transport provides the UDP/JSON wire collaborator behind the dht
// package's Transport interface: a datagram read loop, per-request-id
// inflight channel dispatch, and per-message envelope signing across the
// PING/FIND_NODE/FIND_VALUE/STORE verb set.
package transport

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ntoll/p4p2p-core/dht"
	"github.com/ntoll/p4p2p-core/internal/metrics"
)

// Handler is what a UDPTransport dispatches incoming requests to. dht.Node
// satisfies it structurally; this package never imports dht.Node directly,
// keeping the dependency one-directional (transport depends on dht's
// types, never the reverse).
type Handler interface {
	HandlePing(peer dht.Contact)
	HandleFindNode(peer dht.Contact, target dht.Identifier) []dht.Contact
	HandleFindValue(peer dht.Contact, key dht.Identifier) (value dht.Value, nodes []dht.Contact, found bool)
	HandleStore(peer dht.Contact, key dht.Identifier, value dht.Value) error
}

// UDPTransport implements dht.Transport over UDP datagrams carrying
// signed, JSON-encoded dht.Message envelopes.
type UDPTransport struct {
	conn       *net.UDPConn
	me         dht.Contact
	privateKey *rsa.PrivateKey
	handler    Handler
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]chan dht.Message

	closeOnce sync.Once
	stopped   chan struct{}
}

// Option configures optional UDPTransport fields.
type Option func(*UDPTransport)

func WithLogger(log zerolog.Logger) Option {
	return func(t *UDPTransport) { t.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *UDPTransport) { t.metrics = m }
}

// Listen binds addr, starts the read loop, and returns a transport that
// dispatches requests it doesn't already have a waiter for to handler.
func Listen(addr string, me dht.Contact, privateKey *rsa.PrivateKey, handler Handler, opts ...Option) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	t := &UDPTransport{
		conn:       conn,
		me:         me,
		privateKey: privateKey,
		handler:    handler,
		log:        zerolog.Nop(),
		inflight:   make(map[string]chan dht.Message),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t, nil
}

// Close stops the read loop and releases the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		<-t.stopped
	})
	return err
}

func (t *UDPTransport) readLoop() {
	defer close(t.stopped)
	buf := make([]byte, 64*1024)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		// UseNumber keeps integers in Value payloads as json.Number instead
		// of collapsing them to float64, so a stored item's digest computed
		// here matches the one its publisher signed.
		dec := json.NewDecoder(bytes.NewReader(buf[:n]))
		dec.UseNumber()
		var msg dht.Message
		if err := dec.Decode(&msg); err != nil {
			t.log.Debug().Err(err).Msg("transport: dropping malformed datagram")
			continue
		}
		if !dht.VerifyMessage(msg) {
			t.log.Debug().Str("from", msg.From.NetworkID).Msg("transport: dropping unverifiable message")
			continue
		}

		switch msg.Type {
		case dht.MsgPong, dht.MsgFindNodeOK, dht.MsgFindValueOK, dht.MsgStoreOK, dht.MsgError:
			t.mu.Lock()
			ch := t.inflight[msg.RequestID]
			t.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
			}
		default:
			t.dispatch(msg, src)
		}
	}
}

func (t *UDPTransport) dispatch(msg dht.Message, src *net.UDPAddr) {
	peer, err := msg.From.ToContact()
	if err != nil {
		return
	}

	switch msg.Type {
	case dht.MsgPing:
		t.handler.HandlePing(peer)
		t.reply(src, dht.Message{Type: dht.MsgPong, RequestID: msg.RequestID})

	case dht.MsgFindNode:
		target, err := dht.ParseIdentifier(msg.TargetID)
		if err != nil {
			return
		}
		nodes := t.handler.HandleFindNode(peer, target)
		t.reply(src, dht.Message{
			Type:      dht.MsgFindNodeOK,
			RequestID: msg.RequestID,
			Contacts:  toWireContacts(nodes),
		})

	case dht.MsgFindValue:
		key, err := dht.ParseIdentifier(msg.Key)
		if err != nil {
			return
		}
		value, nodes, found := t.handler.HandleFindValue(peer, key)
		reply := dht.Message{Type: dht.MsgFindValueOK, RequestID: msg.RequestID, Key: msg.Key}
		if found {
			reply.Value = value
		} else {
			reply.Contacts = toWireContacts(nodes)
		}
		t.reply(src, reply)

	case dht.MsgStore:
		key, err := dht.ParseIdentifier(msg.Key)
		if err != nil {
			return
		}
		if err := t.handler.HandleStore(peer, key, msg.Value); err != nil {
			t.reply(src, dht.Message{Type: dht.MsgError, RequestID: msg.RequestID, Code: dht.ErrUnverifiableProvenance})
			return
		}
		t.reply(src, dht.Message{Type: dht.MsgStoreOK, RequestID: msg.RequestID})
	}
}

func (t *UDPTransport) reply(dst *net.UDPAddr, msg dht.Message) {
	msg.From = toWireContact(t.me)
	signed, err := dht.SignMessage(msg, t.me.PublicKey, t.privateKey, dht.SystemClock)
	if err != nil {
		t.log.Warn().Err(err).Msg("transport: signing reply")
		return
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return
	}
	_, _ = t.conn.WriteToUDP(raw, dst)
}

// roundTrip sends msg to peer and waits for a correlated reply, or ctx/
// RPCTimeout expiry.
func (t *UDPTransport) roundTrip(ctx context.Context, peer dht.Contact, msg dht.Message) (dht.Message, error) {
	msg.RequestID = uuid.NewString()
	msg.From = toWireContact(t.me)
	signed, err := dht.SignMessage(msg, t.me.PublicKey, t.privateKey, dht.SystemClock)
	if err != nil {
		return dht.Message{}, fmt.Errorf("transport: signing request: %w", err)
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return dht.Message{}, fmt.Errorf("transport: encoding request: %w", err)
	}
	dst, err := net.ResolveUDPAddr("udp", peer.Address())
	if err != nil {
		return dht.Message{}, fmt.Errorf("transport: resolve peer address: %w", err)
	}

	ch := make(chan dht.Message, 1)
	t.mu.Lock()
	t.inflight[msg.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, msg.RequestID)
		t.mu.Unlock()
	}()

	if _, err := t.conn.WriteToUDP(raw, dst); err != nil {
		t.metrics.RPCError(string(msg.Type))
		return dht.Message{}, fmt.Errorf("transport: send: %w", err)
	}
	t.metrics.RPCSent(string(msg.Type))

	select {
	case resp := <-ch:
		if resp.Type == dht.MsgError {
			return dht.Message{}, fmt.Errorf("%w: peer reported %s", dht.ErrProtocolError, resp.Code)
		}
		return resp, nil
	case <-ctx.Done():
		t.metrics.RPCTimeout(string(msg.Type))
		return dht.Message{}, fmt.Errorf("%w: %v", dht.ErrTransient, ctx.Err())
	case <-time.After(dht.RPCTimeout):
		t.metrics.RPCTimeout(string(msg.Type))
		return dht.Message{}, fmt.Errorf("%w: rpc timeout", dht.ErrTransient)
	}
}

// Ping implements dht.Transport.
func (t *UDPTransport) Ping(ctx context.Context, peer dht.Contact) (dht.Contact, error) {
	resp, err := t.roundTrip(ctx, peer, dht.Message{Type: dht.MsgPing})
	if err != nil {
		return dht.Contact{}, err
	}
	learned, err := resp.From.ToContact()
	if err != nil {
		return dht.Contact{}, fmt.Errorf("%w: %v", dht.ErrProtocolError, err)
	}
	learned.IPAddress = peer.IPAddress
	learned.Port = peer.Port
	return learned, nil
}

// FindNode implements dht.Transport.
func (t *UDPTransport) FindNode(ctx context.Context, peer dht.Contact, target dht.Identifier) (dht.Response, error) {
	resp, err := t.roundTrip(ctx, peer, dht.Message{Type: dht.MsgFindNode, TargetID: target.String()})
	if err != nil {
		return dht.Response{}, err
	}
	nodes, err := fromWireContacts(resp.Contacts)
	if err != nil {
		return dht.Response{}, fmt.Errorf("%w: %v", dht.ErrProtocolError, err)
	}
	return dht.Response{Kind: dht.KindNodes, Nodes: nodes}, nil
}

// FindValue implements dht.Transport.
func (t *UDPTransport) FindValue(ctx context.Context, peer dht.Contact, key dht.Identifier) (dht.Response, error) {
	resp, err := t.roundTrip(ctx, peer, dht.Message{Type: dht.MsgFindValue, Key: key.String()})
	if err != nil {
		return dht.Response{}, err
	}
	if resp.Value != nil {
		// The reply's own key field is what the lookup engine checks against
		// its target; echoing the requested key here would make a misbehaving
		// peer's wrong-key value undetectable.
		respKey, err := dht.ParseIdentifier(resp.Key)
		if err != nil {
			return dht.Response{}, fmt.Errorf("%w: %v", dht.ErrProtocolError, err)
		}
		return dht.Response{Kind: dht.KindValue, Key: respKey, Value: resp.Value}, nil
	}
	nodes, err := fromWireContacts(resp.Contacts)
	if err != nil {
		return dht.Response{}, fmt.Errorf("%w: %v", dht.ErrProtocolError, err)
	}
	return dht.Response{Kind: dht.KindNodes, Nodes: nodes}, nil
}

// Store implements dht.Transport.
func (t *UDPTransport) Store(ctx context.Context, peer dht.Contact, key dht.Identifier, value dht.Value) error {
	_, err := t.roundTrip(ctx, peer, dht.Message{Type: dht.MsgStore, Key: key.String(), Value: value})
	return err
}

func toWireContact(c dht.Contact) dht.WireContact {
	return dht.WireContact{
		NetworkID: c.NetworkID.String(),
		PublicKey: c.PublicKey,
		IPAddress: c.IPAddress,
		Port:      c.Port,
		Version:   c.Version,
	}
}

func toWireContacts(cs []dht.Contact) []dht.WireContact {
	out := make([]dht.WireContact, 0, len(cs))
	for _, c := range cs {
		out = append(out, toWireContact(c))
	}
	return out
}

func fromWireContacts(ws []dht.WireContact) ([]dht.Contact, error) {
	out := make([]dht.Contact, 0, len(ws))
	for _, w := range ws {
		c, err := w.ToContact()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
