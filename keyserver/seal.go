package keyserver

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// Responses are sealed with HPKE base mode:
// X25519 / HKDF-SHA256 / ChaCha20-Poly1305.
var (
	suite    = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
	kemSuite = hpke.KEM_X25519_HKDF_SHA256.Scheme()
	hpkeInfo = []byte("sealgate-keyserver-response-v1")
)

// EphemeralKey is the per-request key pair a caller generates so that only
// it can read the released user keys.
type EphemeralKey struct {
	pub  kem.PublicKey
	priv kem.PrivateKey
}

// NewEphemeralKey derives a fresh X25519 key pair from rand.
func NewEphemeralKey(rand io.Reader) (*EphemeralKey, error) {
	seed := make([]byte, kemSuite.SeedSize())
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("keyserver: ephemeral key: %w", err)
	}
	pub, priv := kemSuite.DeriveKeyPair(seed)
	return &EphemeralKey{pub: pub, priv: priv}, nil
}

// PublicBytes is the encoding carried in a Request.
func (k *EphemeralKey) PublicBytes() []byte {
	b, _ := k.pub.MarshalBinary()
	return b
}

// Open decrypts a Response addressed to this key.
func (k *EphemeralKey) Open(resp *Response, aad []byte) ([]byte, error) {
	r, err := suite.NewReceiver(k.priv, hpkeInfo)
	if err != nil {
		return nil, err
	}
	opener, err := r.Setup(resp.Enc)
	if err != nil {
		return nil, err
	}
	return opener.Open(resp.Sealed, aad)
}

func seal(rand io.Reader, recipient, msg, aad []byte) (enc, ct []byte, err error) {
	pub, err := kemSuite.UnmarshalBinaryPublicKey(recipient)
	if err != nil {
		return nil, nil, err
	}
	sender, err := suite.NewSender(pub, hpkeInfo)
	if err != nil {
		return nil, nil, err
	}
	enc, sealer, err := sender.Setup(rand)
	if err != nil {
		return nil, nil, err
	}
	ct, err = sealer.Seal(msg, aad)
	if err != nil {
		return nil, nil, err
	}
	return enc, ct, nil
}
