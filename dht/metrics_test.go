package dht

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingMetrics struct {
	mu          sync.Mutex
	splits      int
	blacklisted int
	lookups     []string
}

func (r *recordingMetrics) BucketSplit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splits++
}

func (r *recordingMetrics) Blacklisted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklisted++
}

func (r *recordingMetrics) LookupCompleted(mode, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, mode+":"+outcome)
}

func (r *recordingMetrics) SetRoutingTableContacts(int) {}
func (r *recordingMetrics) SetDatastoreItems(int)       {}

func TestRoutingTableReportsBucketSplitsAndBlacklisting(t *testing.T) {
	rt := NewRoutingTable(Identifier{}, nil)
	rec := &recordingMetrics{}
	rt.SetMetrics(rec)

	for i := 0; i <= K; i++ {
		rt.AddContact(farContact(byte(i)))
	}

	rec.mu.Lock()
	splits := rec.splits
	rec.mu.Unlock()
	assert.Equal(t, 1, splits)

	rt.Blacklist(farContact(1))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.blacklisted)
}
