package dht

import "errors"

// Error taxonomy. BucketFull is an internal signal between a
// bucket and its routing table and must never escape that boundary; the
// routing table handles it inside AddContact.
var (
	// ErrInputError covers an id out of range, malformed hex, or a hashed
	// mapping keyed by something other than a string.
	ErrInputError = errors.New("dht: input error")

	// ErrBucketFull is raised by a bucket when it has no room and must never
	// be observed outside the routing table.
	ErrBucketFull = errors.New("dht: bucket full")

	// ErrNotFound covers a missing contact or an absent value.
	ErrNotFound = errors.New("dht: not found")

	// ErrRoutingTableEmpty is raised when a lookup is started with no seed
	// contacts available.
	ErrRoutingTableEmpty = errors.New("dht: routing table empty")

	// ErrValueNotFound is the FindValue-mode counterpart of ErrNotFound,
	// surfaced to a lookup's caller on exhaustion.
	ErrValueNotFound = errors.New("dht: value not found")

	// ErrProtocolError covers a wrong response type or a value with the
	// wrong key; the offending contact is blacklisted.
	ErrProtocolError = errors.New("dht: protocol error")

	// ErrTransient covers RPC timeout or connection failure; the contact's
	// failed-RPC counter is incremented but it is not blacklisted.
	ErrTransient = errors.New("dht: transient rpc failure")

	// ErrCancelled covers explicit or deadline-triggered cancellation.
	ErrCancelled = errors.New("dht: cancelled")

	// ErrVerifyFail covers a signature or envelope check failure. Verify
	// never returns this as an error; it is reserved for callers that want
	// to distinguish verification failure from other I/O errors.
	ErrVerifyFail = errors.New("dht: signature verification failed")

	// ErrOutOfRange is returned when an identifier falls outside [0, 2^512).
	ErrOutOfRange = errors.New("dht: key out of range")
)
