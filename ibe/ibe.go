// Package ibe implements Boneh-Franklin identity-based key encapsulation over
// BLS12-381, as run by each key server.
//
// A server holds a master secret s and publishes s·G2. The user key for an
// identity is s·H1(id), which anyone can check against the public key with a
// pairing. An encryptor picks r, publishes U = r·G2, and derives per-server
// masks from e(H1(id), pk)^r; the holder of a user key derives the same mask
// from e(usk, U).
package ibe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/ecc/bls12381"
	"golang.org/x/crypto/sha3"
)

const (
	// MaskSize is the length of a derived share mask.
	MaskSize = 32

	MasterKeySize = bls12381.ScalarSize
	PublicKeySize = bls12381.G2SizeCompressed
	UserKeySize   = bls12381.G1SizeCompressed
	HeaderSize    = bls12381.G2SizeCompressed
)

var (
	hashDST = []byte("SEALGATE-V01-IBE-H1-BLS12381G1_XMD:SHA-256_SSWU_RO_")
	maskTag = []byte("sealgate-ibe-mask-v1")
)

var (
	ErrInvalidKey    = errors.New("ibe: invalid key encoding")
	ErrInvalidHeader = errors.New("ibe: invalid header encoding")
)

func hashToG1(id []byte) *bls12381.G1 {
	var q bls12381.G1
	q.Hash(id, hashDST)
	return &q
}

// MasterKey is a key server's secret.
type MasterKey struct {
	s bls12381.Scalar
}

// GenerateMasterKey draws a non-zero master secret from rand.
func GenerateMasterKey(rand io.Reader) (*MasterKey, error) {
	var m MasterKey
	for {
		if err := m.s.Random(rand); err != nil {
			return nil, fmt.Errorf("ibe: %w", err)
		}
		if m.s.IsZero() == 0 {
			return &m, nil
		}
	}
}

// PublicKey returns s·G2.
func (m *MasterKey) PublicKey() *PublicKey {
	var pk PublicKey
	pk.p.ScalarMult(&m.s, bls12381.G2Generator())
	return &pk
}

// Extract returns the user key s·H1(id).
func (m *MasterKey) Extract(id []byte) *UserKey {
	var uk UserKey
	uk.k.ScalarMult(&m.s, hashToG1(id))
	return &uk
}

func (m *MasterKey) MarshalBinary() ([]byte, error) { return m.s.MarshalBinary() }

func (m *MasterKey) UnmarshalBinary(b []byte) error {
	if len(b) != MasterKeySize {
		return ErrInvalidKey
	}
	var s bls12381.Scalar
	if err := s.UnmarshalBinary(b); err != nil || s.IsZero() == 1 {
		return ErrInvalidKey
	}
	m.s = s
	return nil
}

// PublicKey is a key server's public parameter.
type PublicKey struct {
	p bls12381.G2
}

func (pk *PublicKey) MarshalBinary() ([]byte, error) { return pk.p.BytesCompressed(), nil }

func (pk *PublicKey) UnmarshalBinary(b []byte) error {
	if len(b) != PublicKeySize {
		return ErrInvalidKey
	}
	var p bls12381.G2
	if err := p.SetBytes(b); err != nil || p.IsIdentity() {
		return ErrInvalidKey
	}
	pk.p = p
	return nil
}

// Equal reports whether two public keys are the same point.
func (pk *PublicKey) Equal(o *PublicKey) bool { return pk.p.IsEqual(&o.p) }

// ParsePublicKey decodes a compressed public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	var pk PublicKey
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &pk, nil
}

// Verify reports whether uk is the user key for id under pk:
// e(uk, G2) == e(H1(id), pk).
func (pk *PublicKey) Verify(id []byte, uk *UserKey) bool {
	if uk == nil || uk.k.IsIdentity() {
		return false
	}
	lhs := bls12381.Pair(&uk.k, bls12381.G2Generator())
	rhs := bls12381.Pair(hashToG1(id), &pk.p)
	return lhs.IsEqual(rhs)
}

// UserKey is the per-identity key a server releases after a policy check.
type UserKey struct {
	k bls12381.G1
}

func (uk *UserKey) MarshalBinary() ([]byte, error) { return uk.k.BytesCompressed(), nil }

func (uk *UserKey) UnmarshalBinary(b []byte) error {
	if len(b) != UserKeySize {
		return ErrInvalidKey
	}
	var k bls12381.G1
	if err := k.SetBytes(b); err != nil || k.IsIdentity() {
		return ErrInvalidKey
	}
	uk.k = k
	return nil
}

// ParseUserKey decodes a compressed user key.
func ParseUserKey(b []byte) (*UserKey, error) {
	var uk UserKey
	if err := uk.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &uk, nil
}

// Mask derives the share mask for (header, id, index) from a user key.
func (uk *UserKey) Mask(header, id []byte, index uint32) ([MaskSize]byte, error) {
	if len(header) != HeaderSize {
		return [MaskSize]byte{}, ErrInvalidHeader
	}
	var u bls12381.G2
	if err := u.SetBytes(header); err != nil || u.IsIdentity() {
		return [MaskSize]byte{}, ErrInvalidHeader
	}
	return mask(bls12381.Pair(&uk.k, &u), header, id, index)
}

// Encryptor holds the ephemeral randomness r for one encrypted object.
type Encryptor struct {
	r bls12381.Scalar
	u bls12381.G2
}

// NewEncryptor draws r and computes U = r·G2.
func NewEncryptor(rand io.Reader) (*Encryptor, error) {
	var e Encryptor
	for {
		if err := e.r.Random(rand); err != nil {
			return nil, fmt.Errorf("ibe: %w", err)
		}
		if e.r.IsZero() == 0 {
			break
		}
	}
	e.u.ScalarMult(&e.r, bls12381.G2Generator())
	return &e, nil
}

// Header returns the encoded U carried next to the ciphertext.
func (e *Encryptor) Header() []byte { return e.u.BytesCompressed() }

// Mask derives the mask for the share addressed to pk at index.
func (e *Encryptor) Mask(pk *PublicKey, id []byte, index uint32) ([MaskSize]byte, error) {
	g := bls12381.Pair(hashToG1(id), &pk.p)
	var gr bls12381.Gt
	gr.Exp(g, &e.r)
	return mask(&gr, e.Header(), id, index)
}

func mask(g *bls12381.Gt, header, id []byte, index uint32) ([MaskSize]byte, error) {
	gb, err := g.MarshalBinary()
	if err != nil {
		return [MaskSize]byte{}, fmt.Errorf("ibe: %w", err)
	}
	h := sha3.New256()
	_, _ = h.Write(maskTag)
	_, _ = h.Write(gb)
	_, _ = h.Write(header)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	_, _ = h.Write(idx[:])
	_, _ = h.Write(id)
	var out [MaskSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// XOR returns a copy of a masked with m. Shares are MaskSize bytes, so the
// mask never repeats in practice.
func XOR(a []byte, m [MaskSize]byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ m[i%MaskSize]
	}
	return out
}
