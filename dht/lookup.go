package dht

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// LookupMode selects whether a Lookup hunts for the K nodes nearest a
// target, or a stored value at a target key.
type LookupMode int

const (
	FindNode LookupMode = iota
	FindValue
)

func (m LookupMode) String() string {
	if m == FindValue {
		return "FindValue"
	}
	return "FindNode"
}

// Transport is the collaborator the lookup engine drives RPCs through:
// send a request, await a reply. internal/transport provides the concrete
// UDP/JSON implementation; tests substitute scripted ones.
type Transport interface {
	FindNode(ctx context.Context, peer Contact, target Identifier) (Response, error)
	FindValue(ctx context.Context, peer Contact, key Identifier) (Response, error)
	Store(ctx context.Context, peer Contact, key Identifier, value Value) error
	// Ping checks liveness and returns the peer's self-reported identity,
	// learned from the signed reply's own envelope, the only way to learn
	// a bootstrap peer's real NetworkID before any FIND_NODE round-trip.
	Ping(ctx context.Context, peer Contact) (Contact, error)
}

// LookupResult is what a Lookup's completion callback receives.
type LookupResult struct {
	Mode  LookupMode
	Key   Identifier
	Nodes []Contact // populated on FindNode success
	Value Value     // populated on FindValue success
}

type pendingRPC struct {
	contact Contact
	cancel  context.CancelFunc
}

type rpcOutcome struct {
	requestID string
	contact   Contact
	resp      Response
	err       error
}

// Lookup is the iterative α-parallel FIND_NODE/FIND_VALUE state machine.
// All of its state (shortlist, contacted, pending) is owned exclusively by
// the goroutine running its event loop; there is no mutex, mutation is
// serialized by construction. Events (RPC completion, cancellation,
// deadline) arrive over channels and are folded into state by a single
// advance() step that enforces the α bound as a hard invariant.
type Lookup struct {
	target    Identifier
	mode      LookupMode
	rt        *RoutingTable
	local     Contact
	transport Transport
	clock     Clock

	onComplete func(LookupResult)
	onError    func(error)
	onProgress func([]Contact)

	ctx    context.Context
	cancel context.CancelFunc

	resultsCh chan rpcOutcome
	sem       *semaphore.Weighted

	shortlist []Contact
	contacted map[Identifier]struct{}
	pending   map[string]pendingRPC
	nearest   Contact
	done      bool
}

// LookupOption configures optional fields of NewLookup.
type LookupOption func(*Lookup)

// WithProgress registers a callback invoked after every shortlist update.
func WithProgress(f func([]Contact)) LookupOption {
	return func(l *Lookup) { l.onProgress = f }
}

// WithDeadline overrides the default LookupTimeout.
func WithDeadline(d time.Duration) LookupOption {
	return func(l *Lookup) {
		l.ctx, l.cancel = context.WithTimeout(context.Background(), d)
	}
}

// WithClock overrides SystemClock, for deterministic tests.
func WithClock(clk Clock) LookupOption {
	return func(l *Lookup) { l.clock = clk }
}

// NewLookup seeds the shortlist from rt and starts the lookup's event loop
// in a background goroutine. If the routing table has no seed contacts,
// onError is invoked synchronously with ErrRoutingTableEmpty and no
// goroutine is started.
func NewLookup(
	target Identifier,
	mode LookupMode,
	rt *RoutingTable,
	local Contact,
	transport Transport,
	onComplete func(LookupResult),
	onError func(error),
	opts ...LookupOption,
) *Lookup {
	l := &Lookup{
		target:     target,
		mode:       mode,
		rt:         rt,
		local:      local,
		transport:  transport,
		clock:      SystemClock,
		onComplete: onComplete,
		onError:    onError,
		contacted:  make(map[Identifier]struct{}),
		pending:    make(map[string]pendingRPC),
		resultsCh:  make(chan rpcOutcome, Alpha),
		sem:        semaphore.NewWeighted(Alpha),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ctx == nil {
		l.ctx, l.cancel = context.WithTimeout(context.Background(), LookupTimeout)
	}

	l.shortlist = rt.FindCloseNodes(target, &local.NetworkID)
	if !target.Equal(local.NetworkID) {
		rt.TouchBucket(target)
	}
	if len(l.shortlist) == 0 {
		l.cancel()
		l.onError(ErrRoutingTableEmpty)
		return l
	}
	l.nearest = l.shortlist[0]

	go l.run()
	return l
}

// Cancel stops the lookup. Idempotent; cancels every outstanding RPC and
// completes with ErrCancelled if it hasn't already completed.
func (l *Lookup) Cancel() {
	l.cancel()
}

func (l *Lookup) run() {
	defer l.cancel()
	l.advance()
	for {
		if l.done {
			return
		}
		select {
		case <-l.ctx.Done():
			l.cancelAllPending()
			l.finishError(ErrCancelled)
			return
		case out := <-l.resultsCh:
			l.handleOutcome(out)
		}
	}
}

// advance is the pump: while the α semaphore has room and uncontacted
// shortlist entries remain, issue RPCs for the closest of them (the
// shortlist is kept sorted by distance, so the first uncontacted entry is
// the closest). TryAcquire enforces α as a hard, non-blocking invariant
// rather than a len(pending) check that callers could bypass. advance also
// doubles as the termination check: a pump that can't fill any slots
// because nothing is left to contact means the lookup is done.
func (l *Lookup) advance() {
	for {
		next, ok := l.nextUncontacted()
		if !ok {
			break
		}
		if !l.sem.TryAcquire(1) {
			break
		}
		l.issue(next)
	}
	if len(l.pending) == 0 && l.allContacted() {
		l.terminate()
	}
}

func (l *Lookup) nextUncontacted() (Contact, bool) {
	for _, c := range l.shortlist {
		if _, ok := l.contacted[c.NetworkID]; !ok {
			return c, true
		}
	}
	return Contact{}, false
}

func (l *Lookup) issue(contact Contact) {
	reqID := uuid.NewString()
	ctx, cancel := context.WithTimeout(l.ctx, RPCTimeout)
	l.contacted[contact.NetworkID] = struct{}{}
	l.pending[reqID] = pendingRPC{contact: contact, cancel: cancel}

	go func() {
		var resp Response
		var err error
		if l.mode == FindValue {
			resp, err = l.transport.FindValue(ctx, contact, l.target)
		} else {
			resp, err = l.transport.FindNode(ctx, contact, l.target)
		}
		select {
		case l.resultsCh <- rpcOutcome{requestID: reqID, contact: contact, resp: resp, err: err}:
		case <-l.ctx.Done():
		}
	}()
}

func (l *Lookup) handleOutcome(out rpcOutcome) {
	p, ok := l.pending[out.requestID]
	if !ok {
		return // a stray result for an RPC we already cancelled/forgot
	}
	p.cancel()
	delete(l.pending, out.requestID)
	l.sem.Release(1)

	if out.err != nil {
		l.handleError(out.contact)
		return
	}
	l.handleResponse(out.contact, out.resp)
}

// handleError handles an RPC failure or timeout: the responder is dropped
// from the shortlist (already out of pending) and its failed-RPC counter
// is bumped without blacklisting it. A transient failure, not misbehavior.
func (l *Lookup) handleError(contact Contact) {
	l.removeFromShortlist(contact.NetworkID)
	l.rt.RemoveContact(contact.NetworkID, false)
	l.advance()
}

func (l *Lookup) handleResponse(contact Contact, resp Response) {
	if l.mode == FindNode && resp.Kind != KindNodes {
		l.blacklistResponder(contact)
		l.advance()
		return
	}

	if resp.Kind == KindValue {
		if !resp.Key.Equal(l.target) {
			l.blacklistResponder(contact)
			l.advance()
			return
		}
		if env, ok := ExtractEnvelope(resp.Value); ok && env.Expired(l.clock) {
			l.removeFromShortlist(contact.NetworkID)
			l.advance()
			return
		}
		l.cancelAllPending()
		l.removeFromShortlist(contact.NetworkID)
		l.finishValue(resp.Value)
		return
	}

	l.mergeNodes(resp.Nodes)
	if l.onProgress != nil {
		l.onProgress(append([]Contact(nil), l.shortlist...))
	}

	if len(l.shortlist) == 0 {
		l.terminate()
		return
	}

	newNearest := l.shortlist[0]
	if CompareDistance(newNearest.NetworkID, l.nearest.NetworkID, l.target) {
		l.nearest = newNearest
		l.advance()
		return
	}
	if len(l.pending) > 0 {
		return // nearest unchanged, requests still outstanding: wait
	}
	if l.allContacted() {
		l.terminate()
		return
	}
	l.advance()
}

func (l *Lookup) mergeNodes(nodes []Contact) {
	present := make(map[Identifier]struct{}, len(l.shortlist))
	for _, c := range l.shortlist {
		present[c.NetworkID] = struct{}{}
	}
	for _, c := range nodes {
		if c.NetworkID.Equal(l.local.NetworkID) {
			continue
		}
		if _, ok := present[c.NetworkID]; ok {
			continue
		}
		if l.rt.IsBlacklisted(c.NetworkID) {
			continue
		}
		l.rt.AddContact(c)
		l.shortlist = append(l.shortlist, c)
		present[c.NetworkID] = struct{}{}
	}
	sort.SliceStable(l.shortlist, func(i, j int) bool {
		return CompareDistance(l.shortlist[i].NetworkID, l.shortlist[j].NetworkID, l.target)
	})
	if len(l.shortlist) > K {
		l.shortlist = l.shortlist[:K]
	}
}

func (l *Lookup) removeFromShortlist(id Identifier) {
	for i, c := range l.shortlist {
		if c.NetworkID.Equal(id) {
			l.shortlist = append(l.shortlist[:i:i], l.shortlist[i+1:]...)
			return
		}
	}
}

func (l *Lookup) blacklistResponder(contact Contact) {
	l.rt.Blacklist(contact)
	l.removeFromShortlist(contact.NetworkID)
}

func (l *Lookup) allContacted() bool {
	for _, c := range l.shortlist {
		if _, ok := l.contacted[c.NetworkID]; !ok {
			return false
		}
	}
	return true
}

func (l *Lookup) terminate() {
	if l.mode == FindNode {
		l.finishNodes(append([]Contact(nil), l.shortlist...))
		return
	}
	l.finishError(ErrValueNotFound)
}

func (l *Lookup) cancelAllPending() {
	for _, p := range l.pending {
		p.cancel()
	}
	l.pending = make(map[string]pendingRPC)
}

func (l *Lookup) finishNodes(nodes []Contact) {
	if l.done {
		return
	}
	l.done = true
	l.cancel()
	l.onComplete(LookupResult{Mode: FindNode, Key: l.target, Nodes: nodes})
}

func (l *Lookup) finishValue(v Value) {
	if l.done {
		return
	}
	l.done = true
	l.cancel()
	l.onComplete(LookupResult{Mode: FindValue, Key: l.target, Value: v})
}

func (l *Lookup) finishError(err error) {
	if l.done {
		return
	}
	l.done = true
	l.cancel()
	l.onError(err)
}
