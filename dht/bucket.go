package dht

import (
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Bucket is a bounded, ordered list of contacts for one id-range. Ordering
// (least-recently-seen head, most-recently-seen tail) is delegated to
// hashicorp/golang-lru's simplelru.LRU, whose Keys() returns entries
// oldest-to-newest, exactly the discipline a k-bucket needs.
// Unlike a cache, a full bucket must signal ErrBucketFull rather than
// silently evict, so AddContact gates capacity itself before calling into
// the LRU: on a full bucket it only calls Add for an already-present
// contact being refreshed, which the LRU treats as a move-to-newest, so the
// LRU's own eviction-on-Add never fires.
type Bucket struct {
	RangeMin, RangeMax *big.Int
	contacts           *lru.LRU[Identifier, Contact]
	// failedRPCs tracks each contact's failure count outside the LRU's
	// recency-ordered value, so bumping it (RoutingTable.RemoveContact's
	// non-evicting accounting path) never perturbs head/tail order the way
	// re-Add-ing the Contact value through the LRU would.
	failedRPCs   map[Identifier]int
	lastAccessed float64
}

// NewBucket returns a bucket spanning [rangeMin, rangeMax).
func NewBucket(rangeMin, rangeMax *big.Int) *Bucket {
	contacts, err := lru.NewLRU[Identifier, Contact](K, nil)
	if err != nil {
		// Only returns an error for a non-positive size; K is a compile-time
		// positive constant.
		panic(err)
	}
	return &Bucket{RangeMin: rangeMin, RangeMax: rangeMax, contacts: contacts, failedRPCs: make(map[Identifier]int)}
}

// KeyInRange reports whether id falls within [RangeMin, RangeMax).
func (b *Bucket) KeyInRange(id Identifier) bool {
	v := id.Big()
	return v.Cmp(b.RangeMin) >= 0 && v.Cmp(b.RangeMax) < 0
}

// Len returns the number of contacts currently held.
func (b *Bucket) Len() int {
	return b.contacts.Len()
}

// AddContact inserts c at the tail, or moves it to the tail if already
// present. Returns ErrBucketFull if the bucket has no room for a genuinely
// new contact. Either way, c is being "seen" (freshly added or refreshed by
// a live RPC), so the move-to-tail is correct here, unlike
// IncrementFailedRPCs below, which must not reorder.
func (b *Bucket) AddContact(c Contact) error {
	if b.contacts.Contains(c.NetworkID) {
		b.contacts.Add(c.NetworkID, c)
		b.failedRPCs[c.NetworkID] = c.FailedRPCs
		return nil
	}
	if b.contacts.Len() >= K {
		return ErrBucketFull
	}
	b.contacts.Add(c.NetworkID, c)
	b.failedRPCs[c.NetworkID] = c.FailedRPCs
	return nil
}

// RemoveContact removes id if present; silently no-ops if absent.
func (b *Bucket) RemoveContact(id Identifier) {
	b.contacts.Remove(id)
	delete(b.failedRPCs, id)
}

// GetContact returns the contact with id, or ErrNotFound.
func (b *Bucket) GetContact(id Identifier) (Contact, error) {
	c, ok := b.contacts.Peek(id)
	if !ok {
		return Contact{}, ErrNotFound
	}
	c.FailedRPCs = b.failedRPCs[id]
	return c, nil
}

// IncrementFailedRPCs bumps id's failure counter and returns the new count,
// without touching the bucket's head/tail order: a contact that just failed
// to respond was not "seen" and must not be promoted to most-recently-seen.
// Returns ErrNotFound if id isn't held.
func (b *Bucket) IncrementFailedRPCs(id Identifier) (int, error) {
	if !b.contacts.Contains(id) {
		return 0, ErrNotFound
	}
	b.failedRPCs[id]++
	return b.failedRPCs[id], nil
}

// GetContacts returns up to n contacts in head order (least-recently-seen
// first), skipping exclude if set.
func (b *Bucket) GetContacts(n int, exclude *Identifier) []Contact {
	keys := b.contacts.Keys()
	out := make([]Contact, 0, n)
	for _, k := range keys {
		if len(out) >= n {
			break
		}
		if exclude != nil && k.Equal(*exclude) {
			continue
		}
		c, ok := b.contacts.Peek(k)
		if !ok {
			continue
		}
		c.FailedRPCs = b.failedRPCs[k]
		out = append(out, c)
	}
	return out
}

// AllContacts returns every contact in head order, unbounded.
func (b *Bucket) AllContacts() []Contact {
	return b.GetContacts(b.contacts.Len(), nil)
}

// LastAccessed returns the bucket's last-touched time (seconds since
// epoch, per the injected Clock).
func (b *Bucket) LastAccessed() float64 { return b.lastAccessed }

// Touch records now as the bucket's last-accessed time.
func (b *Bucket) Touch(now float64) { b.lastAccessed = now }
