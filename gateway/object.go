package gateway

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/internal/wire"
	"xdao.co/sealgate/sealerr"
)

const (
	// ObjectVersion tags the EncryptedObject layout.
	ObjectVersion byte = 0x01

	// MaxShares bounds n.
	MaxShares = 64

	// ShareSize is the encoded length of one ristretto255 share.
	ShareSize = 32
)

// ShareEntry is one key server's encrypted share of the data key.
type ShareEntry struct {
	ServerID  string
	Index     uint32
	Encrypted []byte
}

// EncryptedObject is the self-describing ciphertext the gateway emits.
//
// Layout:
//
//	0x01 || vec(identity) || uvarint(t) || uvarint(n)
//	     || n × (str(server id) || uvarint(index) || vec(share))
//	     || vec(U) || vec(nonce) || vec(ciphertext)
type EncryptedObject struct {
	Identity   identity.ContentIdentity
	Threshold  int
	Shares     []ShareEntry
	Header     []byte
	Nonce      []byte
	Ciphertext []byte
}

func (o *EncryptedObject) Encode() []byte {
	var w wire.Writer
	w.Byte(ObjectVersion)
	w.Vector(o.Identity.Bytes())
	w.Uvarint(uint64(o.Threshold))
	w.Uvarint(uint64(len(o.Shares)))
	for _, s := range o.Shares {
		w.String(s.ServerID)
		w.Uvarint(uint64(s.Index))
		w.Vector(s.Encrypted)
	}
	w.Vector(o.Header)
	w.Vector(o.Nonce)
	w.Vector(o.Ciphertext)
	return w.Bytes()
}

func corrupt(format string, args ...any) error {
	return sealerr.New(sealerr.CodeIntegrityError, "encrypted object: "+fmt.Sprintf(format, args...))
}

// ParseObject decodes and validates an encrypted object. Every failure is
// an IntegrityError.
func ParseObject(b []byte) (*EncryptedObject, error) {
	r := wire.NewReader(b)
	if v := r.Byte(); r.Err() == nil && v != ObjectVersion {
		return nil, corrupt("unsupported version %d", v)
	}
	rawID := r.Vector()
	t := r.Uvarint()
	n := r.Uvarint()
	if r.Err() == nil && (n == 0 || n > MaxShares) {
		return nil, corrupt("share count %d out of range", n)
	}
	if r.Err() == nil && (t == 0 || t > n) {
		return nil, corrupt("threshold %d of %d", t, n)
	}

	o := &EncryptedObject{Threshold: int(t)}
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		server := r.String()
		idx := r.Uvarint()
		share := r.Vector()
		if r.Err() == nil && (idx == 0 || idx > MaxShares) {
			return nil, corrupt("share index %d out of range", idx)
		}
		o.Shares = append(o.Shares, ShareEntry{ServerID: server, Index: uint32(idx), Encrypted: share})
	}
	o.Header = r.Vector()
	o.Nonce = r.Vector()
	o.Ciphertext = r.Vector()
	if err := r.Done(); err != nil {
		return nil, sealerr.Wrap(sealerr.CodeIntegrityError, "encrypted object: malformed", err)
	}

	id, err := identity.Decode(rawID)
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeIntegrityError, "encrypted object: identity", err)
	}
	o.Identity = id

	servers := make(map[string]bool, len(o.Shares))
	indices := make(map[uint32]bool, len(o.Shares))
	for _, s := range o.Shares {
		switch {
		case s.ServerID == "":
			return nil, corrupt("empty server id")
		case servers[s.ServerID]:
			return nil, corrupt("duplicate server %q", s.ServerID)
		case indices[s.Index]:
			return nil, corrupt("duplicate share index %d", s.Index)
		case len(s.Encrypted) != ShareSize:
			return nil, corrupt("share %d has %d bytes", s.Index, len(s.Encrypted))
		}
		servers[s.ServerID] = true
		indices[s.Index] = true
	}
	if len(o.Header) != ibe.HeaderSize {
		return nil, corrupt("header has %d bytes", len(o.Header))
	}
	if len(o.Nonce) != chacha20poly1305.NonceSize {
		return nil, corrupt("nonce has %d bytes", len(o.Nonce))
	}
	if len(o.Ciphertext) < chacha20poly1305.Overhead {
		return nil, corrupt("ciphertext too short")
	}
	return o, nil
}
