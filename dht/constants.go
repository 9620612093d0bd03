package dht

import "time"

// Tunables for the DHT. Naming follows the Kademlia paper.
const (
	// Alpha is the degree of parallelism used by the lookup engine.
	Alpha = 3

	// K is the maximum number of contacts stored in a bucket, and the number
	// of results a lookup converges on. Must be even.
	K = 20

	// LookupTimeout bounds how long a single lookup is allowed to run.
	LookupTimeout = 600 * time.Second

	// RPCTimeout bounds an individual outstanding RPC.
	RPCTimeout = 5 * time.Second

	// ResponseTimeout is the tunable for how long a late reply may be
	// awaited. No component in this module reads it: lookup and transport
	// requests end at RPCTimeout and their pending entries are dropped then.
	ResponseTimeout = 1800 * time.Second

	// RefreshTimeout is how long a bucket may go untouched before it is due
	// a refresh lookup.
	RefreshTimeout = 1 * time.Hour

	// ReplicateInterval is how often locally-originated values are
	// republished to the current K closest nodes.
	ReplicateInterval = RefreshTimeout

	// RefreshInterval is how often the node checks for stale buckets /
	// values due for republication.
	RefreshInterval = RefreshTimeout / 6

	// AllowedRPCFails is the number of failed RPCs tolerated before a
	// contact is evicted from its bucket.
	AllowedRPCFails = 5

	// DuplicationCount is the number of nodes a value is replicated to.
	DuplicationCount = K

	// NoExpiry denotes a duration that marks a value as never expiring.
	NoExpiry = -1
)

func init() {
	if K%2 != 0 {
		panic("dht: K must be even")
	}
}
