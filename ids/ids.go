// Package ids defines the 32-byte identifiers used for ledger objects and
// account addresses.
package ids

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the byte length of ObjectID and Address.
const Size = 32

// ObjectID names a ledger-resident object.
type ObjectID [Size]byte

// Address names a ledger account (a transaction sender or object owner).
type Address [Size]byte

// PublicationID is the object id of a publication.
type PublicationID = ObjectID

func parse32(s string) ([Size]byte, error) {
	var out [Size]byte
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ids: invalid hex: %w", err)
	}
	if len(b) != Size {
		return out, fmt.Errorf("ids: expected %d bytes, got %d", Size, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseObjectID parses a hex object id with or without 0x prefix.
func ParseObjectID(s string) (ObjectID, error) {
	b, err := parse32(s)
	return ObjectID(b), err
}

// MustObjectID is like ParseObjectID but panics on error.
func MustObjectID(s string) ObjectID {
	id, err := ParseObjectID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAddress parses a hex address with or without 0x prefix.
func ParseAddress(s string) (Address, error) {
	b, err := parse32(s)
	return Address(b), err
}

func (id ObjectID) String() string { return "0x" + hex.EncodeToString(id[:]) }
func (id ObjectID) IsZero() bool   { return id == ObjectID{} }

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool   { return a == Address{} }

func (id ObjectID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ObjectID) UnmarshalText(b []byte) error {
	v, err := ParseObjectID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
