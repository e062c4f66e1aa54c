package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"

	"xdao.co/sealgate/ids"
)

// Alg names a request-signing algorithm.
type Alg string

const (
	AlgEd25519    Alg = "ed25519"
	AlgDilithium3 Alg = "dilithium3"
)

var ErrBadSignature = errors.New("keys: signature verification failed")

// ParseAlg accepts the names printed by Alg.
func ParseAlg(s string) (Alg, error) {
	switch a := Alg(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgEd25519, AlgDilithium3:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported signing algorithm: %q", s)
	}
}

// PublicKeySize returns the encoded public key length for a.
func (a Alg) PublicKeySize() int {
	switch a {
	case AlgEd25519:
		return ed25519.PublicKeySize
	case AlgDilithium3:
		return mode3.PublicKeySize
	}
	return 0
}

// Signer signs request scopes. Implementations sign SHA3-256(msg), never
// msg itself.
type Signer interface {
	Alg() Alg
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// Digest is the value every Signer actually signs.
func Digest(msg []byte) [32]byte { return sha3.Sum256(msg) }

// AddressOf derives the ledger address controlled by a public key:
// SHA3-256(alg || pub).
func AddressOf(alg Alg, pub []byte) ids.Address {
	h := sha3.New256()
	_, _ = h.Write([]byte(alg))
	_, _ = h.Write(pub)
	var out ids.Address
	copy(out[:], h.Sum(nil))
	return out
}

// SignerAddress is AddressOf(s.Alg(), s.PublicKey()).
func SignerAddress(s Signer) ids.Address { return AddressOf(s.Alg(), s.PublicKey()) }

// NewSigner builds a deterministic signer from a seed.
func NewSigner(alg Alg, seed []byte) (Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(seed))
	}
	switch alg {
	case AlgEd25519:
		return ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
	case AlgDilithium3:
		var s [mode3.SeedSize]byte
		copy(s[:], seed)
		pk, sk := mode3.NewKeyFromSeed(&s)
		return &dilithiumSigner{pk: pk, sk: sk}, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %q", alg)
	}
}

// GenerateSeed reads a fresh seed from rand.
func GenerateSeed(rand io.Reader) ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

func (ed25519Signer) Alg() Alg { return AlgEd25519 }

func (s ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s ed25519Signer) Sign(msg []byte) ([]byte, error) {
	d := Digest(msg)
	return ed25519.Sign(s.priv, d[:]), nil
}

type dilithiumSigner struct {
	pk *mode3.PublicKey
	sk *mode3.PrivateKey
}

func (*dilithiumSigner) Alg() Alg { return AlgDilithium3 }

func (s *dilithiumSigner) PublicKey() []byte { return s.pk.Bytes() }

func (s *dilithiumSigner) Sign(msg []byte) ([]byte, error) {
	d := Digest(msg)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.sk, d[:], sig)
	return sig, nil
}

// Verify checks sig over SHA3-256(msg) under pub.
func Verify(alg Alg, pub, msg, sig []byte) error {
	d := Digest(msg)
	switch alg {
	case AlgEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), d[:], sig) {
			return ErrBadSignature
		}
		return nil
	case AlgDilithium3:
		if len(pub) != mode3.PublicKeySize {
			return fmt.Errorf("dilithium3 public key must be %d bytes, got %d", mode3.PublicKeySize, len(pub))
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("dilithium3 public key: %w", err)
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, d[:], sig) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("unsupported signing algorithm: %q", alg)
	}
}

// FormatPublicKey renders "<alg>:" + base64(pub).
func FormatPublicKey(alg Alg, pub []byte) string {
	return string(alg) + ":" + base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey is the inverse of FormatPublicKey.
func ParsePublicKey(s string) (Alg, []byte, error) {
	name, b64, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return "", nil, errors.New("public key must be <alg>:<base64>")
	}
	alg, err := ParseAlg(name)
	if err != nil {
		return "", nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, fmt.Errorf("public key: %w", err)
	}
	if l := len(pub); l != alg.PublicKeySize() {
		return "", nil, fmt.Errorf("%s public key must be %d bytes, got %d", alg, alg.PublicKeySize(), l)
	}
	return alg, pub, nil
}
