package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifierRoundTrip(t *testing.T) {
	id := RandomIdentifier()
	parsed, err := ParseIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentifierAccepts0xPrefix(t *testing.T) {
	id := RandomIdentifier()
	withPrefix := id.String() // already 0x-prefixed
	parsed, err := ParseIdentifier(withPrefix)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentifierRejectsWrongLength(t *testing.T) {
	_, err := ParseIdentifier("abcd")
	assert.ErrorIs(t, err, ErrInputError)
}

func TestParseIdentifierRejectsBadHex(t *testing.T) {
	_, err := ParseIdentifier("zz")
	assert.ErrorIs(t, err, ErrInputError)
}

func TestDistanceSelfIsZero(t *testing.T) {
	id := RandomIdentifier()
	assert.True(t, id.Distance(id).IsZero())
}

func TestDistanceIsSymmetric(t *testing.T) {
	a, b := RandomIdentifier(), RandomIdentifier()
	assert.Equal(t, a.Distance(b), b.Distance(a))
}

func TestCompareDistanceOrdersByCloseness(t *testing.T) {
	var target, near, far Identifier
	near[IDLength-1] = 0x01
	far[IDLength-1] = 0xFF

	assert.True(t, CompareDistance(near, far, target))
	assert.False(t, CompareDistance(far, near, target))
}

func TestIdentifierBigRoundTrip(t *testing.T) {
	id := RandomIdentifier()
	assert.Equal(t, id, IdentifierFromBig(id.Big()))
}
