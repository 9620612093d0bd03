package dht

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
)

// EnvelopeKey is the reserved metadata key under which signing metadata is
// attached to a signed item or protocol message.
const EnvelopeKey = "_p4p2p"

// ProtocolVersion is reported in every envelope's "version" field.
const ProtocolVersion = "1.0"

// Envelope is the metadata record attached under EnvelopeKey.
type Envelope struct {
	Timestamp float64 `json:"timestamp"`
	Expires   float64 `json:"expires"`
	Version   string  `json:"version"`
	PublicKey string  `json:"public_key"`
	Signature string  `json:"signature,omitempty"`
}

func (e Envelope) asValue() Value {
	v := Value{
		"timestamp":  e.Timestamp,
		"expires":    e.Expires,
		"version":    e.Version,
		"public_key": e.PublicKey,
	}
	if e.Signature != "" {
		v["signature"] = e.Signature
	}
	return v
}

func envelopeFromValue(v Value) (Envelope, bool) {
	var e Envelope
	ts, ok := floatField(v["timestamp"])
	if !ok {
		return e, false
	}
	exp, ok := floatField(v["expires"])
	if !ok {
		return e, false
	}
	ver, ok := v["version"].(string)
	if !ok {
		return e, false
	}
	pub, ok := v["public_key"].(string)
	if !ok {
		return e, false
	}
	e = Envelope{Timestamp: ts, Expires: exp, Version: ver, PublicKey: pub}
	if sig, ok := v["signature"].(string); ok {
		e.Signature = sig
	}
	return e, true
}

// floatField coerces an envelope's numeric field to float64. Values decoded
// off the wire arrive as json.Number (the transport decodes datagrams with
// UseNumber so item payload integers keep their integer digest), and an
// integer-valued float loses its ".0" through Go's JSON encoding, so both
// forms must be accepted here and re-normalized to float64 before the
// envelope is digested again.
func floatField(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// Sign attaches a fresh envelope to a copy of item and signs it. ttl <= 0
// means "never expires" (expires is stored as 0.0). The input item is
// never mutated.
func Sign(item Value, publicKeyPEM string, privateKey *rsa.PrivateKey, ttl float64, clk Clock) (Value, error) {
	if clk == nil {
		clk = SystemClock
	}
	signed := make(Value, len(item)+1)
	for k, v := range item {
		signed[k] = v
	}
	now := clk.Now()
	expiresAt := 0.0
	if ttl > 0 {
		expiresAt = now + ttl
	}
	env := Envelope{
		Timestamp: now,
		Expires:   expiresAt,
		Version:   ProtocolVersion,
		PublicKey: publicKeyPEM,
	}
	signed[EnvelopeKey] = env.asValue()

	root, err := Digest(signed)
	if err != nil {
		return nil, fmt.Errorf("dht: digesting item for signing: %w", err)
	}
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA512, hashForPKCS1(root))
	if err != nil {
		return nil, fmt.Errorf("dht: signing item: %w", err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sigBytes)
	signed[EnvelopeKey] = env.asValue()
	return signed, nil
}

// hashForPKCS1 adapts the canonical digest to rsa.SignPKCS1v15's contract:
// it wants the raw SHA-512 sum of the message, not the message itself, and
// the canonical digest already is that sum. Kept as a named identity so
// the call sites say what is being passed.
func hashForPKCS1(sum []byte) []byte {
	return sum
}

// Verify deep-copies item, strips its signature, recomputes the digest and
// checks it against the stated public key. Any failure (missing fields,
// bad base64, bad PEM, signature mismatch) yields false; Verify never
// returns an error.
func Verify(item Value) bool {
	env, ok, raw := extractEnvelope(item)
	if !ok {
		return false
	}
	if env.Signature == "" {
		return false
	}
	sigBytes, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	pub, err := parsePublicKeyPEM(env.PublicKey)
	if err != nil {
		return false
	}

	unsigned := cloneValue(raw)
	envCopy := unsigned[EnvelopeKey].(Value)
	delete(envCopy, "signature")
	// timestamp/expires were digested as floats when signed; re-normalize
	// them here so a JSON round-trip that turned 0.0 into the integer 0 (or
	// into a json.Number) still digests to the signed bytes.
	envCopy["timestamp"] = env.Timestamp
	envCopy["expires"] = env.Expires
	unsigned[EnvelopeKey] = envCopy

	root, err := Digest(unsigned)
	if err != nil {
		return false
	}
	err = rsa.VerifyPKCS1v15(pub, crypto.SHA512, hashForPKCS1(root), sigBytes)
	return err == nil
}

// extractEnvelope pulls the envelope out of item, validating required
// fields are present and well typed.
func extractEnvelope(item Value) (Envelope, bool, Value) {
	raw, ok := item[EnvelopeKey].(Value)
	if !ok {
		return Envelope{}, false, nil
	}
	env, ok := envelopeFromValue(raw)
	if !ok {
		return Envelope{}, false, nil
	}
	return env, true, item
}

// Expired reports whether env has expired as of clk.Now(). An expires value
// of 0.0 means "never expires".
func (e Envelope) Expired(clk Clock) bool {
	if clk == nil {
		clk = SystemClock
	}
	if e.Expires <= 0 {
		return false
	}
	return e.Expires < clk.Now()
}

// ExtractEnvelope returns the decoded envelope metadata for a signed item,
// for callers (the datastore) that need publisher/timestamp without
// re-verifying the signature.
func ExtractEnvelope(item Value) (Envelope, bool) {
	env, ok, _ := extractEnvelope(item)
	return env, ok
}

func cloneValue(v Value) Value {
	out := make(Value, len(v))
	for k, val := range v {
		out[k] = cloneAny(val)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case Value:
		return cloneValue(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

func parsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInputError)
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	pkixPub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputError, err)
	}
	pub, ok := pkixPub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrInputError)
	}
	return pub, nil
}
