package caesiumid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesUniqueNonZeroIDs(t *testing.T) {
	a := New()
	b := New()

	assert.False(t, a.IsZero())
	assert.False(t, b.IsZero())
	assert.NotEqual(t, a.Hex(), b.Hex())
}

func TestFromHexRoundTrip(t *testing.T) {
	original := New()

	parsed, err := FromHex(original.Hex())
	require.NoError(t, err)
	assert.Equal(t, original.Hex(), parsed.Hex())
	assert.Equal(t, original.Native(), parsed.Native())
}

func TestFromHexRejectsMalformedInput(t *testing.T) {
	cases := []string{"", "not-hex", "abc123", "zzzzzzzzzzzzzzzzzzzzzzzz"}
	for _, c := range cases {
		_, err := FromHex(c)
		assert.ErrorIs(t, err, ErrMalformedID, "input %q", c)
	}
}

func TestNilIsZero(t *testing.T) {
	assert.True(t, Nil.IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	id := New()

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+id.Hex()+`"`, string(data))

	var decoded ID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id.Hex(), decoded.Hex())
}

func TestJSONUnmarshalEmptyStringIsNil(t *testing.T) {
	var decoded ID
	require.NoError(t, json.Unmarshal([]byte(`""`), &decoded))
	assert.True(t, decoded.IsZero())
}

func TestStringIsHex(t *testing.T) {
	id := New()
	assert.Equal(t, id.Hex(), id.String())
}
