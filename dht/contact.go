package dht

import (
	"crypto/sha512"
	"fmt"
)

// Contact is an immutable peer identity plus mutable liveness counters. It
// carries no behavior of its own beyond identity and formatting; the
// routing table and lookup engine own the mutation rules.
type Contact struct {
	NetworkID  Identifier
	PublicKey  string
	IPAddress  string
	Port       int
	Version    string
	LastSeen   float64
	FailedRPCs int
}

// NewContact derives NetworkID from publicKeyPEM (SHA-512 of the ASCII PEM
// text). The id is never supplied directly; it is always a function of the
// key.
func NewContact(publicKeyPEM, ipAddress string, port int, version string) Contact {
	sum := sha512.Sum512([]byte(publicKeyPEM))
	var id Identifier
	copy(id[:], sum[:])
	return Contact{
		NetworkID: id,
		PublicKey: publicKeyPEM,
		IPAddress: ipAddress,
		Port:      port,
		Version:   version,
	}
}

// Equal compares by NetworkID only. EqualID lets callers compare
// against a bare identifier without constructing a Contact.
func (c Contact) Equal(other Contact) bool {
	return c.NetworkID.Equal(other.NetworkID)
}

// EqualID compares the contact's identity against a bare identifier.
func (c Contact) EqualID(id Identifier) bool {
	return c.NetworkID.Equal(id)
}

// Address renders "ip:port" for transports that want a single string.
func (c Contact) Address() string {
	return fmt.Sprintf("%s:%d", c.IPAddress, c.Port)
}

// String renders every field, for logs.
func (c Contact) String() string {
	return fmt.Sprintf("Contact{id=%s public_key=%q addr=%s version=%s last_seen=%.0f failed_rpcs=%d}",
		c.NetworkID.String(), c.PublicKey, c.Address(), c.Version, c.LastSeen, c.FailedRPCs)
}
