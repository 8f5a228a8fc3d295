package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestEscapeUnescapePatchRoundTrip(t *testing.T) {
	cases := []bson.M{
		{"patch.baz": true},
		{"a.b.c": 1, "plain": "value"},
		{"no_dots_here": 42},
		{},
	}

	for _, patch := range cases {
		escaped := EscapePatch(patch)
		restored := UnescapePatch(escaped)
		assert.Equal(t, patch, restored)
	}
}

func TestEscapePatchReplacesDotsWithPipes(t *testing.T) {
	escaped := EscapePatch(bson.M{"patch.baz": true})
	_, hasEscaped := escaped["patch|baz"]
	assert.True(t, hasEscaped)
	_, hasOriginal := escaped["patch.baz"]
	assert.False(t, hasOriginal)
}

func TestEscapeUnescapeNilPatch(t *testing.T) {
	assert.Nil(t, EscapePatch(nil))
	assert.Nil(t, UnescapePatch(nil))
}

func TestStripIdentityFields(t *testing.T) {
	patch := bson.M{"_id": "abc", "id": "def", "keep": "me"}
	stripped := StripIdentityFields(patch)
	assert.Equal(t, bson.M{"keep": "me"}, stripped)
}

func TestDetermineAction(t *testing.T) {
	assert.Equal(t, ActionDelete, DetermineAction(nil, true))
	assert.Equal(t, ActionDelete, DetermineAction(nil, false))
	assert.Equal(t, ActionUpdate, DetermineAction(bson.M{"a": 1}, true))
	assert.Equal(t, ActionInsert, DetermineAction(bson.M{"a": 1}, false))
}

func TestValidateRejectsPatchActionMismatch(t *testing.T) {
	rec := Record{
		TOA:        100,
		Collection: "widgets",
		MasterID:   "abc123",
		Action:     ActionDelete,
		Patch:      bson.M{"a": 1},
		Meta:       bson.M{},
	}
	err := Validate(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestValidateAcceptsWellFormedInsert(t *testing.T) {
	rec := Record{
		TOA:        100,
		Collection: "widgets",
		MasterID:   "abc123",
		Action:     ActionInsert,
		Patch:      bson.M{"a": 1},
		Meta:       bson.M{},
	}
	require.NoError(t, Validate(rec))
}

func TestValidateAcceptsWellFormedDelete(t *testing.T) {
	rec := Record{
		TOA:        100,
		Collection: "widgets",
		MasterID:   "abc123",
		Action:     ActionDelete,
		Patch:      nil,
		Meta:       bson.M{},
	}
	require.NoError(t, Validate(rec))
}

func TestValidateRejectsInvalidAction(t *testing.T) {
	rec := Record{
		TOA:        100,
		Collection: "widgets",
		MasterID:   "abc123",
		Action:     "frobnicate",
		Patch:      bson.M{"a": 1},
		Meta:       bson.M{},
	}
	err := Validate(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestValidateRejectsMissingCollection(t *testing.T) {
	rec := Record{
		TOA:      100,
		MasterID: "abc123",
		Action:   ActionInsert,
		Patch:    bson.M{"a": 1},
		Meta:     bson.M{},
	}
	err := Validate(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}
