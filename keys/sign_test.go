package keys

import (
	"bytes"
	"testing"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/stretchr/testify/require"
)

func testSeed(b byte) []byte { return bytes.Repeat([]byte{b}, SeedSize) }

func TestSignVerifyPerAlg(t *testing.T) {
	for _, alg := range []Alg{AlgEd25519, AlgDilithium3} {
		t.Run(string(alg), func(t *testing.T) {
			s, err := NewSigner(alg, testSeed(0x42))
			require.NoError(t, err)
			require.Equal(t, alg, s.Alg())
			require.Len(t, s.PublicKey(), alg.PublicKeySize())

			msg := []byte("scope")
			sig, err := s.Sign(msg)
			require.NoError(t, err)
			require.NoError(t, Verify(alg, s.PublicKey(), msg, sig))
			require.ErrorIs(t, Verify(alg, s.PublicKey(), []byte("other"), sig), ErrBadSignature)

			sig[0] ^= 1
			require.ErrorIs(t, Verify(alg, s.PublicKey(), msg, sig), ErrBadSignature)
		})
	}
}

func TestDilithiumSignsDigest(t *testing.T) {
	s, err := NewSigner(AlgDilithium3, testSeed(1))
	require.NoError(t, err)
	sig, err := s.Sign([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, mode3.SignatureSize)

	var pk mode3.PublicKey
	require.NoError(t, pk.UnmarshalBinary(s.PublicKey()))
	d := Digest([]byte("hello"))
	require.True(t, mode3.Verify(&pk, d[:], sig))
}

func TestSignerIsDeterministicFromSeed(t *testing.T) {
	a, err := NewSigner(AlgEd25519, testSeed(7))
	require.NoError(t, err)
	b, err := NewSigner(AlgEd25519, testSeed(7))
	require.NoError(t, err)
	require.Equal(t, a.PublicKey(), b.PublicKey())
	require.Equal(t, SignerAddress(a), SignerAddress(b))
}

func TestAddressDependsOnAlg(t *testing.T) {
	pub := bytes.Repeat([]byte{9}, 32)
	require.NotEqual(t, AddressOf(AlgEd25519, pub), AddressOf(AlgDilithium3, pub))
	require.False(t, AddressOf(AlgEd25519, pub).IsZero())
}

func TestVerifyRejectsWrongKeySize(t *testing.T) {
	require.Error(t, Verify(AlgEd25519, []byte{1, 2, 3}, []byte("m"), nil))
	require.Error(t, Verify(AlgDilithium3, []byte{1, 2, 3}, []byte("m"), nil))
	require.Error(t, Verify("rsa", nil, nil, nil))
}

func TestPublicKeyFormatRoundTrip(t *testing.T) {
	s, err := NewSigner(AlgDilithium3, testSeed(3))
	require.NoError(t, err)
	text := FormatPublicKey(s.Alg(), s.PublicKey())

	alg, pub, err := ParsePublicKey(text)
	require.NoError(t, err)
	require.Equal(t, AlgDilithium3, alg)
	require.Equal(t, s.PublicKey(), pub)

	_, _, err = ParsePublicKey("ed25519:AAAA")
	require.Error(t, err)
	_, _, err = ParsePublicKey("no-colon")
	require.Error(t, err)
}
