// Package caesiumid defines the opaque document identifier used across
// Caesium's store adapter, revision stack, and publisher.
//
// The source this package is modeled on converts silently between hex
// strings and native identifiers at almost every boundary. Here the two
// representations are kept apart deliberately: ID is the only value that
// crosses package boundaries, and it knows how to go to and from hex.
// Nothing else in this module accepts a bare string where an ID is meant.
package caesiumid

import (
	"encoding/json"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrMalformedID is returned when a caller-supplied hex string cannot be
// parsed into an ID. It corresponds to the MalformedId error kind.
var ErrMalformedID = errors.New("caesium: malformed identifier")

// ID is an opaque 12-byte document identifier. At rest inside the store it
// is the driver's native ObjectID; at every API boundary it is a 24
// character hex string. Callers never construct the zero value directly;
// use New, FromHex, or FromNative.
type ID struct {
	native primitive.ObjectID
}

// Nil is the zero-value ID, distinguishable from every generated ID.
var Nil = ID{}

// New generates a fresh, globally unique ID.
func New() ID {
	return ID{native: primitive.NewObjectID()}
}

// FromHex parses a 24 character hex string into an ID. It fails with
// ErrMalformedID if s is not a valid hex-encoded identifier.
func FromHex(s string) (ID, error) {
	oid, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return Nil, ErrMalformedID
	}
	return ID{native: oid}, nil
}

// MustFromHex is like FromHex but panics on a malformed string. It exists
// for tests and startup-time configuration, never for request handling.
func MustFromHex(s string) ID {
	id, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromNative wraps a driver-native ObjectID as an ID.
func FromNative(oid primitive.ObjectID) ID {
	return ID{native: oid}
}

// Native returns the driver-native ObjectID for use in store queries.
func (id ID) Native() primitive.ObjectID {
	return id.native
}

// Hex returns the 24 character hex encoding of the ID, the only form that
// should ever reach an HTTP response or request.
func (id ID) Hex() string {
	return id.native.Hex()
}

// IsZero reports whether id is the nil identifier.
func (id ID) IsZero() bool {
	return id.native.IsZero()
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the ID as its hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

// UnmarshalJSON decodes the ID from a hex string.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = Nil
		return nil
	}
	parsed, err := FromHex(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalBSONValue encodes the ID as a native ObjectID so documents are
// stored the way the driver expects, never as a string.
func (id ID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(id.native)
}

// UnmarshalBSONValue decodes a native ObjectID BSON value into the ID.
func (id *ID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var oid primitive.ObjectID
	if err := bson.UnmarshalValue(t, data, &oid); err != nil {
		return err
	}
	id.native = oid
	return nil
}
