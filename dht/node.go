package dht

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Node wires a routing table, a lookup engine, a local datastore and a
// transport together into the public operations Join, Put and Get, plus
// the background refresh and republish loops.
type Node struct {
	me         Contact
	privateKey *rsa.PrivateKey
	rt         *RoutingTable
	store      *Datastore
	clock      Clock
	log        zerolog.Logger
	metrics    MetricsSink

	transportMu sync.RWMutex
	transport   Transport

	refreshStop   chan struct{}
	republishStop chan struct{}
	wg            sync.WaitGroup

	closeOnce sync.Once
}

// NodeOption configures optional Node fields.
type NodeOption func(*Node)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(log zerolog.Logger) NodeOption {
	return func(n *Node) { n.log = log }
}

// WithNodeClock overrides SystemClock, for deterministic tests.
func WithNodeClock(clk Clock) NodeOption {
	return func(n *Node) { n.clock = clk }
}

// WithMetrics attaches the sink the node, its routing table and its lookups
// report into. The default is a no-op sink.
func WithMetrics(m MetricsSink) NodeOption {
	return func(n *Node) { n.metrics = m }
}

// NewNode constructs a Node and starts its background refresh and
// republish loops. The transport collaborator is supplied separately via
// SetTransport, since a transport typically needs the Node itself (as its
// request Handler) to be constructed first. Callers must call Close when
// done.
func NewNode(me Contact, privateKey *rsa.PrivateKey, opts ...NodeOption) *Node {
	n := &Node{
		me:            me,
		privateKey:    privateKey,
		clock:         SystemClock,
		log:           zerolog.Nop(),
		metrics:       noopMetrics{},
		refreshStop:   make(chan struct{}),
		republishStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.rt = NewRoutingTable(me.NetworkID, n.clock)
	n.rt.SetMetrics(n.metrics)
	n.store = NewDatastore(n.clock)

	n.wg.Add(2)
	go n.refreshLoop()
	go n.republishLoop()
	return n
}

// SetTransport attaches the transport collaborator Join/Put/Get/the
// background loops send RPCs through. Safe to call concurrently with those
// operations; until called, Join and every network lookup fail with
// ErrTransient, while Put still stores the item locally and skips
// replication.
func (n *Node) SetTransport(t Transport) {
	n.transportMu.Lock()
	defer n.transportMu.Unlock()
	n.transport = t
}

func (n *Node) getTransport() (Transport, error) {
	n.transportMu.RLock()
	defer n.transportMu.RUnlock()
	if n.transport == nil {
		return nil, fmt.Errorf("%w: no transport attached", ErrTransient)
	}
	return n.transport, nil
}

// RoutingTable exposes the node's routing table, for tests and metrics.
func (n *Node) RoutingTable() *RoutingTable { return n.rt }

// Datastore exposes the node's local store, for tests and metrics.
func (n *Node) Datastore() *Datastore { return n.store }

// Close stops the background refresh and republish loops.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.refreshStop)
		close(n.republishStop)
	})
	n.wg.Wait()
}

// Join bootstraps the node's routing table through a known peer: ping the
// bootstrap, add it, then perform a self-lookup so the routing table fills
// in with the nodes actually near us.
func (n *Node) Join(ctx context.Context, bootstrap Contact) error {
	t, err := n.getTransport()
	if err != nil {
		return err
	}
	learned, err := t.Ping(ctx, bootstrap)
	if err != nil {
		return fmt.Errorf("dht: join ping bootstrap: %w", err)
	}
	n.rt.AddContact(learned)

	_, err = n.lookupNodes(ctx, n.me.NetworkID)
	if err != nil && err != ErrRoutingTableEmpty {
		return fmt.Errorf("dht: join self-lookup: %w", err)
	}
	return nil
}

// Put signs value, stores it locally as an originating item, and replicates
// it to the K nodes closest to its content-derived key. ttl <= 0 means the
// item never expires. Returns the key it was stored under.
func (n *Node) Put(ctx context.Context, value Value, ttl time.Duration) (Identifier, error) {
	signed, err := Sign(value, n.me.PublicKey, n.privateKey, ttl.Seconds(), n.clock)
	if err != nil {
		return Identifier{}, fmt.Errorf("dht: signing item: %w", err)
	}
	sum, err := Digest(signed)
	if err != nil {
		return Identifier{}, fmt.Errorf("dht: digesting item: %w", err)
	}
	var key Identifier
	copy(key[:], sum)

	n.store.Put(key, signed, true)
	n.replicate(ctx, key, signed)
	return key, nil
}

// Get returns the value stored under key, checking the local store first
// and falling back to an iterative FIND_VALUE lookup across the network.
func (n *Node) Get(ctx context.Context, key Identifier) (Value, error) {
	if v, err := n.store.Get(key); err == nil {
		if env, ok := ExtractEnvelope(v); !ok || !env.Expired(n.clock) {
			return v, nil
		}
		n.store.Delete(key)
	}
	return n.lookupValue(ctx, key)
}

// replicate pushes a signed item to the K nodes closest to key, for Put
// and the republish loop that keeps reusing it.
func (n *Node) replicate(ctx context.Context, key Identifier, signed Value) {
	t, err := n.getTransport()
	if err != nil {
		n.log.Warn().Err(err).Msg("replicate: no transport attached")
		return
	}
	nodes, err := n.lookupNodes(ctx, key)
	if err != nil {
		n.log.Warn().Err(err).Str("key", key.String()).Msg("replicate: lookup failed")
		return
	}
	var wg sync.WaitGroup
	for _, c := range nodes {
		if c.EqualID(n.me.NetworkID) {
			continue
		}
		wg.Add(1)
		go func(peer Contact) {
			defer wg.Done()
			storeCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			defer cancel()
			if err := t.Store(storeCtx, peer, key, signed); err != nil {
				n.log.Debug().Err(err).Str("peer", peer.NetworkID.String()).Msg("replicate: store rpc failed")
			}
		}(c)
	}
	wg.Wait()
}

func (n *Node) lookupNodes(ctx context.Context, target Identifier) ([]Contact, error) {
	res, err := n.runLookup(ctx, target, FindNode)
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

func (n *Node) lookupValue(ctx context.Context, key Identifier) (Value, error) {
	res, err := n.runLookup(ctx, key, FindValue)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// runLookup adapts the callback-driven Lookup engine to a synchronous
// context-aware call, the shape every Node operation actually wants.
func (n *Node) runLookup(ctx context.Context, target Identifier, mode LookupMode) (LookupResult, error) {
	t, err := n.getTransport()
	if err != nil {
		return LookupResult{}, err
	}

	resultCh := make(chan LookupResult, 1)
	errCh := make(chan error, 1)

	deadline := LookupTimeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}

	lookup := NewLookup(
		target, mode, n.rt, n.me, t,
		func(r LookupResult) {
			n.metrics.LookupCompleted(mode.String(), "ok")
			resultCh <- r
		},
		func(err error) {
			n.metrics.LookupCompleted(mode.String(), "error")
			errCh <- err
		},
		WithDeadline(deadline),
		WithClock(n.clock),
	)

	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return LookupResult{}, err
	case <-ctx.Done():
		lookup.Cancel()
		return LookupResult{}, ErrCancelled
	}
}

// refreshLoop periodically looks up a random id in the range of every
// bucket that hasn't been touched recently, keeping distant regions of the
// table populated.
func (n *Node) refreshLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range n.rt.GetRefreshList(0, false) {
				ctx, cancel := context.WithTimeout(context.Background(), LookupTimeout)
				_, _ = n.lookupNodes(ctx, id)
				cancel()
			}
			n.metrics.SetRoutingTableContacts(n.rt.TotalContacts())
			n.metrics.SetDatastoreItems(n.store.Len())
		case <-n.refreshStop:
			return
		}
	}
}

// republishLoop re-announces every originating key to the current K
// closest nodes on a timer, and prunes expired entries afterwards.
func (n *Node) republishLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(ReplicateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.republishOwnedKeys()
		case <-n.republishStop:
			return
		}
	}
}

// The Handle* methods below satisfy internal/transport's Handler interface
// by structural typing, so this package never needs to import transport.
// They're the server-side counterpart of the Transport interface's
// client-side RPCs: what a Node does when it is the one being asked.

// HandlePing records the caller in the routing table.
func (n *Node) HandlePing(peer Contact) {
	n.rt.AddContact(peer)
}

// HandleFindNode returns up to K contacts close to target, learning the
// caller along the way.
func (n *Node) HandleFindNode(peer Contact, target Identifier) []Contact {
	n.rt.AddContact(peer)
	return n.rt.FindCloseNodes(target, nil)
}

// HandleFindValue returns the stored item at key if present and unexpired,
// otherwise the K contacts closest to key.
func (n *Node) HandleFindValue(peer Contact, key Identifier) (value Value, nodes []Contact, found bool) {
	n.rt.AddContact(peer)
	if v, err := n.store.Get(key); err == nil {
		if env, ok := ExtractEnvelope(v); !ok || !env.Expired(n.clock) {
			return v, nil, true
		}
		n.store.Delete(key)
	}
	return nil, n.rt.FindCloseNodes(key, nil), false
}

// HandleStore verifies value's signature and that its content digest
// matches key before accepting it as a (non-originating) cached replica.
func (n *Node) HandleStore(peer Contact, key Identifier, value Value) error {
	n.rt.AddContact(peer)
	if !Verify(value) {
		return fmt.Errorf("dht: store rejected: %w", ErrVerifyFail)
	}
	// The publisher computed key over float timestamp/expires; a JSON
	// round-trip can turn those into integers (expires 0.0 -> 0), so
	// re-normalize them the same way Verify does before digesting.
	digestable := value
	if env, ok := ExtractEnvelope(value); ok {
		digestable = cloneValue(value)
		envCopy := digestable[EnvelopeKey].(Value)
		envCopy["timestamp"] = env.Timestamp
		envCopy["expires"] = env.Expires
	}
	sum, err := Digest(digestable)
	if err != nil {
		return fmt.Errorf("dht: store rejected: %w", err)
	}
	var want Identifier
	copy(want[:], sum)
	if !want.Equal(key) {
		return fmt.Errorf("dht: store rejected: %w", ErrProtocolError)
	}
	n.store.Put(key, value, false)
	return nil
}

func (n *Node) republishOwnedKeys() {
	for _, key := range n.store.OriginatingKeys() {
		value, err := n.store.Get(key)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), LookupTimeout)
		n.replicate(ctx, key, value)
		cancel()
	}
	for _, key := range n.store.ExpiredKeys() {
		n.store.Delete(key)
	}
}
