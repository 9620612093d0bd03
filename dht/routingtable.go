package dht

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// two512 is 2^512, the exclusive upper bound of the key space.
var two512 = new(big.Int).Lsh(big.NewInt(1), 512)

// RoutingTable is a splittable tree of k-buckets: a sequence of buckets
// partitioning [0, 2^512) with no gaps or overlap, a blacklist, and a
// per-bucket replacement cache.
//
// Routing-table operations are synchronous and never touch the network;
// the mutex only protects against concurrent mutation from multiple
// lookups sharing one node.
type RoutingTable struct {
	mu        sync.RWMutex
	parentID  Identifier
	buckets   []*Bucket
	replCache map[int]*lru.LRU[Identifier, Contact]
	blacklist map[Identifier]struct{}
	clock     Clock
	metrics   MetricsSink
}

// NewRoutingTable returns a routing table for a node identified by
// parentID. The table starts as a single bucket spanning the whole
// keyspace.
func NewRoutingTable(parentID Identifier, clk Clock) *RoutingTable {
	if clk == nil {
		clk = SystemClock
	}
	return &RoutingTable{
		parentID:  parentID,
		buckets:   []*Bucket{NewBucket(big.NewInt(0), new(big.Int).Set(two512))},
		replCache: make(map[int]*lru.LRU[Identifier, Contact]),
		blacklist: make(map[Identifier]struct{}),
		clock:     clk,
		metrics:   noopMetrics{},
	}
}

// SetMetrics attaches the sink bucket splits and blacklisting are reported
// to. Must be called before the table is shared across goroutines.
func (rt *RoutingTable) SetMetrics(m MetricsSink) {
	if m == nil {
		m = noopMetrics{}
	}
	rt.metrics = m
}

// TotalContacts sums contacts held across every bucket, for gauges.
func (rt *RoutingTable) TotalContacts() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}

// bucketIndex returns the index of the bucket responsible for key.
func (rt *RoutingTable) bucketIndex(key Identifier) (int, error) {
	v := key.Big()
	if v.Sign() < 0 || v.Cmp(two512) >= 0 {
		return 0, ErrOutOfRange
	}
	for i, b := range rt.buckets {
		if b.KeyInRange(key) {
			return i, nil
		}
	}
	return 0, ErrOutOfRange
}

// splitBucket splits buckets[i] into two: the new upper
// bucket is inserted at i+1, the old bucket shrinks, and each contact is
// reassigned to whichever half now contains its id. Relative order within
// each resulting bucket is preserved.
func (rt *RoutingTable) splitBucket(i int) {
	old := rt.buckets[i]
	span := new(big.Int).Sub(old.RangeMax, old.RangeMin)
	mid := new(big.Int).Sub(old.RangeMax, new(big.Int).Rsh(span, 1))

	upper := NewBucket(mid, old.RangeMax)
	lower := NewBucket(old.RangeMin, mid)

	for _, c := range old.AllContacts() {
		if upper.KeyInRange(c.NetworkID) {
			_ = upper.AddContact(c)
		} else {
			_ = lower.AddContact(c)
		}
	}
	lower.Touch(old.LastAccessed())
	upper.Touch(old.LastAccessed())

	rt.buckets[i] = lower
	rt.buckets = append(rt.buckets, nil)
	copy(rt.buckets[i+2:], rt.buckets[i+1:])
	rt.buckets[i+1] = upper

	// A replacement cache keyed by bucket index would now point at the
	// wrong bucket for every index > i; since splits are rare and caches
	// are small, simplest correct behavior is to drop caches at and beyond
	// the split point and let AddContact repopulate them.
	for idx := range rt.replCache {
		if idx >= i {
			delete(rt.replCache, idx)
		}
	}
	rt.metrics.BucketSplit()
}

// AddContact adds c to the correct bucket, splitting the bucket or falling
// back to the replacement cache when it has no room.
func (rt *RoutingTable) AddContact(c Contact) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.addContactLocked(c)
}

func (rt *RoutingTable) addContactLocked(c Contact) {
	if _, banned := rt.blacklist[c.NetworkID]; banned {
		return
	}
	if c.NetworkID.Equal(rt.parentID) {
		return
	}
	c.FailedRPCs = 0

	idx, err := rt.bucketIndex(c.NetworkID)
	if err != nil {
		return
	}
	err = rt.buckets[idx].AddContact(c)
	if err == nil {
		return
	}
	if err != ErrBucketFull {
		return
	}

	if rt.buckets[idx].KeyInRange(rt.parentID) {
		rt.splitBucket(idx)
		rt.addContactLocked(c)
		return
	}

	cache := rt.replacementCache(idx)
	cache.Add(c.NetworkID, c)
}

func (rt *RoutingTable) replacementCache(idx int) *lru.LRU[Identifier, Contact] {
	cache, ok := rt.replCache[idx]
	if !ok {
		cache, _ = lru.NewLRU[Identifier, Contact](K, nil)
		rt.replCache[idx] = cache
	}
	return cache
}

// FindCloseNodes returns up to K contacts closest to key: seed from key's
// own bucket, walk outward symmetrically through
// neighboring buckets until K are collected or buckets run out, then sort
// by distance ascending and truncate.
func (rt *RoutingTable) FindCloseNodes(key Identifier, exclude *Identifier) []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	idx, err := rt.bucketIndex(key)
	if err != nil {
		return nil
	}

	var closest []Contact
	closest = append(closest, rt.buckets[idx].GetContacts(K, exclude)...)

	jump := 1
	n := len(rt.buckets)
	canLower := idx-jump >= 0
	canHigher := idx+jump < n
	for len(closest) < K && (canLower || canHigher) {
		if canLower {
			remaining := K - len(closest)
			closest = append(closest, rt.buckets[idx-jump].GetContacts(remaining, exclude)...)
			canLower = idx-(jump+1) >= 0
		}
		if canHigher {
			remaining := K - len(closest)
			closest = append(closest, rt.buckets[idx+jump].GetContacts(remaining, exclude)...)
			canHigher = idx+(jump+1) < n
		}
		jump++
	}

	sort.SliceStable(closest, func(i, j int) bool {
		return CompareDistance(closest[i].NetworkID, closest[j].NetworkID, key)
	})
	if len(closest) > K {
		closest = closest[:K]
	}
	return closest
}

// GetContact returns the known contact with id, or ErrNotFound.
func (rt *RoutingTable) GetContact(id Identifier) (Contact, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	idx, err := rt.bucketIndex(id)
	if err != nil {
		return Contact{}, err
	}
	return rt.buckets[idx].GetContact(id)
}

// RemoveContact attempts to remove id from the routing table: increments
// its failure count; evicts (and promotes from the replacement cache) if
// forced or the count reaches AllowedRPCFails. A missing contact is a
// silent no-op.
func (rt *RoutingTable) RemoveContact(id Identifier, forced bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeContactLocked(id, forced)
}

// removeContactLocked is RemoveContact's body, callable while already
// holding rt.mu (used by Blacklist).
func (rt *RoutingTable) removeContactLocked(id Identifier, forced bool) {
	idx, err := rt.bucketIndex(id)
	if err != nil {
		return
	}
	// The failure bump persists even when not evicting, without moving id
	// to the bucket's most-recently-seen tail the way re-adding it through
	// AddContact would.
	count, err := rt.buckets[idx].IncrementFailedRPCs(id)
	if err != nil {
		return
	}

	if !forced && count < AllowedRPCFails {
		return
	}

	rt.buckets[idx].RemoveContact(id)
	cache, ok := rt.replCache[idx]
	if !ok {
		return
	}
	cache.Remove(id)
	// Promote the tail (most recently seen) replacement. Keys() returns
	// oldest-to-newest, so the tail is the last entry.
	if keys := cache.Keys(); len(keys) > 0 {
		tail := keys[len(keys)-1]
		promoted, _ := cache.Peek(tail)
		cache.Remove(tail)
		_ = rt.buckets[idx].AddContact(promoted)
	}
}

// Blacklist force-removes contact (promoting a waiting replacement into its
// slot, the same as any other eviction) and permanently bans its id from
// ever re-entering the table or replacement cache.
func (rt *RoutingTable) Blacklist(contact Contact) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeContactLocked(contact.NetworkID, true)
	rt.blacklist[contact.NetworkID] = struct{}{}
	for _, cache := range rt.replCache {
		cache.Remove(contact.NetworkID)
	}
	rt.metrics.Blacklisted()
}

// IsBlacklisted reports whether id has been permanently banned.
func (rt *RoutingTable) IsBlacklisted(id Identifier) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.blacklist[id]
	return ok
}

// TouchBucket updates the last-accessed time of the bucket covering key.
func (rt *RoutingTable) TouchBucket(key Identifier) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx, err := rt.bucketIndex(key)
	if err != nil {
		return
	}
	rt.buckets[idx].Touch(rt.clock.Now())
}

// GetRefreshList returns, for each bucket from startIndex onward, a random
// id within that bucket's range whenever it's due a refresh (last accessed
// at least RefreshTimeout ago, or force is set).
func (rt *RoutingTable) GetRefreshList(startIndex int, force bool) []Identifier {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := rt.clock.Now()
	var ids []Identifier
	for i := startIndex; i < len(rt.buckets); i++ {
		b := rt.buckets[i]
		elapsed := now - b.LastAccessed()
		if force || elapsed >= RefreshTimeout.Seconds() {
			ids = append(ids, randomIDInRange(b.RangeMin, b.RangeMax))
		}
	}
	return ids
}

func randomIDInRange(min, max *big.Int) Identifier {
	span := new(big.Int).Sub(max, min)
	if span.Sign() <= 0 {
		return IdentifierFromBig(min)
	}
	offset, err := rand.Int(rand.Reader, span)
	if err != nil {
		return IdentifierFromBig(min)
	}
	return IdentifierFromBig(new(big.Int).Add(min, offset))
}

// BucketCount returns the current number of buckets, for tests and
// metrics.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// BucketLen returns the contact count of bucket i, for tests.
func (rt *RoutingTable) BucketLen(i int) (int, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if i < 0 || i >= len(rt.buckets) {
		return 0, fmt.Errorf("%w: bucket index %d", ErrOutOfRange, i)
	}
	return rt.buckets[i].Len(), nil
}

// ReplacementCacheLen returns the replacement cache size for bucket i, for
// tests.
func (rt *RoutingTable) ReplacementCacheLen(i int) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	cache, ok := rt.replCache[i]
	if !ok {
		return 0
	}
	return cache.Len()
}
