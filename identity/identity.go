// Package identity implements the ContentIdentity codec.
//
// A ContentIdentity binds a ciphertext to one (publication, label) pair. The
// same bytes are used to encrypt, to build policy evidence, and by every
// on-ledger policy check, so this package is the only place the encoding is
// defined.
//
// Wire format (version 1):
//
//	0x01 || publication id (32 bytes) || uvarint(len(label)) || label
package identity

import (
	"bytes"
	"encoding/hex"
	"unicode/utf8"

	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/internal/wire"
	"xdao.co/sealgate/sealerr"
)

const (
	// Version1 is the only encoding currently produced.
	Version1 byte = 0x01

	// MaxLabelLen bounds the UTF-8 byte length of a label.
	MaxLabelLen = 256
)

// ContentIdentity is an immutable, canonical identity. The zero value is not
// a valid identity.
type ContentIdentity struct {
	b []byte
}

// Encode derives the identity for (publicationID, label).
func Encode(publicationID ids.PublicationID, label string) (ContentIdentity, error) {
	if err := checkLabel(label); err != nil {
		return ContentIdentity{}, err
	}
	var w wire.Writer
	w.Byte(Version1)
	w.Raw(publicationID[:])
	w.String(label)
	return ContentIdentity{b: w.Bytes()}, nil
}

func checkLabel(label string) error {
	switch {
	case label == "":
		return sealerr.New(sealerr.CodeInvalidLabel, "label is empty")
	case len(label) > MaxLabelLen:
		return sealerr.New(sealerr.CodeInvalidLabel, "label exceeds 256 bytes")
	case !utf8.ValidString(label):
		return sealerr.New(sealerr.CodeInvalidLabel, "label is not valid UTF-8")
	}
	return nil
}

// Decode parses canonical identity bytes. Anything that Encode would not
// have produced is rejected.
func Decode(b []byte) (ContentIdentity, error) {
	if len(b) == 0 {
		return ContentIdentity{}, sealerr.New(sealerr.CodeIntegrityError, "identity: empty")
	}
	r := wire.NewReader(b)
	if v := r.Byte(); v != Version1 {
		return ContentIdentity{}, sealerr.New(sealerr.CodeIntegrityError, "identity: unsupported version")
	}
	r.Fixed(ids.Size)
	label := r.String()
	if err := r.Done(); err != nil {
		return ContentIdentity{}, sealerr.Wrap(sealerr.CodeIntegrityError, "identity: malformed", err)
	}
	if err := checkLabel(label); err != nil {
		return ContentIdentity{}, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return ContentIdentity{b: out}, nil
}

// ParseHex decodes a hex identity as printed by Hex.
func ParseHex(s string) (ContentIdentity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ContentIdentity{}, sealerr.Wrap(sealerr.CodeIntegrityError, "identity: invalid hex", err)
	}
	return Decode(b)
}

// Bytes returns a copy of the canonical encoding.
func (c ContentIdentity) Bytes() []byte {
	out := make([]byte, len(c.b))
	copy(out, c.b)
	return out
}

func (c ContentIdentity) Version() byte {
	if len(c.b) == 0 {
		return 0
	}
	return c.b[0]
}

func (c ContentIdentity) PublicationID() ids.PublicationID {
	var id ids.PublicationID
	if len(c.b) >= 1+ids.Size {
		copy(id[:], c.b[1:1+ids.Size])
	}
	return id
}

func (c ContentIdentity) Label() string {
	if len(c.b) < 1+ids.Size {
		return ""
	}
	r := wire.NewReader(c.b[1+ids.Size:])
	return r.String()
}

func (c ContentIdentity) IsZero() bool { return len(c.b) == 0 }

func (c ContentIdentity) Equal(o ContentIdentity) bool { return bytes.Equal(c.b, o.b) }

func (c ContentIdentity) Hex() string { return hex.EncodeToString(c.b) }

func (c ContentIdentity) String() string { return c.Hex() }

func (c ContentIdentity) MarshalText() ([]byte, error) { return []byte(c.Hex()), nil }

func (c *ContentIdentity) UnmarshalText(b []byte) error {
	v, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
