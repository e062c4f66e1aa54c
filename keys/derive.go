package keys

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// SeedSize is the length of every signer seed, whatever the algorithm.
const SeedSize = 32

// DeriveRoleSeed deterministically derives a role-specific seed from a root
// seed. The result is usable with any Alg.
func DeriveRoleSeed(rootSeed []byte, role string) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}

	h := sha3.New256()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("sealgate-keys-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("role:"))
	_, _ = h.Write([]byte(role))
	sum := h.Sum(nil)
	if len(sum) < SeedSize {
		return nil, errors.New("kdf output too short")
	}
	out := make([]byte, SeedSize)
	copy(out, sum[:SeedSize])
	return out, nil
}
