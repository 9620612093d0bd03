package dht

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is the generic structured data the canonical digest and signed
// envelope operate over: a JSON-like tree of map[string]any, []any, nil,
// bool, float64, int64 and string. Using `any` here (rather than reflecting
// over arbitrary Go structs) keeps the tree the same shape it has on the
// wire, and lets Digest treat domain objects and protocol messages
// identically.
type Value = map[string]any

// Digest computes the canonical, language-neutral SHA-512 digest of v.
// Two independent implementations that agree on this algorithm
// produce byte-identical output for structurally equal input, which is the
// entire point: it's the only thing two peers can agree a signature was
// computed over.
func Digest(v any) ([]byte, error) {
	seed, err := canonicalSeed(v)
	if err != nil {
		return nil, err
	}
	sum := sha512.Sum512([]byte(seed))
	return sum[:], nil
}

// HexDigest is Digest hex-encoded, used when building the seed for a parent
// mapping/sequence (the algorithm nests hex digests of children, not raw
// bytes).
func HexDigest(v any) (string, error) {
	d, err := Digest(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

func canonicalSeed(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case string:
		return t, nil
	case float64:
		return canonicalFloat(t), nil
	case float32:
		return canonicalFloat(float64(t)), nil
	case int:
		return strconv.FormatInt(int64(t), 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		// Decoded off the wire with json.Decoder.UseNumber() so integers
		// surviving a JSON round-trip still hash as integers rather than
		// collapsing to float64, encoding/json's default for interface{}
		// targets, which would conflate 1 with 1.0. See messages.go.
		if strings.ContainsAny(string(t), ".eE") {
			f, err := t.Float64()
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInputError, err)
			}
			return canonicalFloat(f), nil
		}
		return t.String(), nil
	case []any:
		var b []byte
		for _, e := range t {
			h, err := HexDigest(e)
			if err != nil {
				return "", err
			}
			b = append(b, h...)
		}
		return string(b), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b []byte
		for _, k := range keys {
			hk, err := HexDigest(k)
			if err != nil {
				return "", err
			}
			hv, err := HexDigest(t[k])
			if err != nil {
				return "", err
			}
			b = append(b, hk...)
			b = append(b, hv...)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: unsupported value type %T", ErrInputError, v)
	}
}

// canonicalFloat renders f as the shortest decimal string that reparses to
// the same float64 ("repr-style" shortest round-trip), the same form
// Python's repr(float) produces. Python's repr switches to exponent
// notation only when the magnitude is below 1e-4 or at least 1e16, so the
// same thresholds pick between strconv's shortest 'f' and 'e' forms here
// (strconv's 'g' would switch already at 1e6, e.g. "1e+06" where repr gives
// "1000000.0"). strconv's 'f' form omits the decimal point for whole-valued
// floats (1.0 -> "1", not "1.0"); Python's repr always contains a '.'
// unless it's using exponent notation. Force a trailing ".0" when neither
// is present so every peer, regardless of implementation language, digests
// the same bytes for the same float.
func canonicalFloat(f float64) string {
	format := byte('f')
	abs := f
	if abs < 0 {
		abs = -abs
	}
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
