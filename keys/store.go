package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore represents a simple local-first key management system.
//
// EXPERIMENTAL: this filesystem-backed storage surface is not part of the
// stable API and may change in minor releases.
//
// Each key file holds "<alg>:<hex seed>". Role keys are derived from the
// root seed and keep the root's algorithm.
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Identifier string
	Alg        Alg
	Roles      []string
}

func GetDefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".sealgate", "keys"), nil
}

func CreateKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = GetDefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) getRootKeyFilePath(identifier string) string {
	return filepath.Join(ks.Directory, identifier, "root.key")
}

func (ks *KeyStore) getRoleKeyFilePath(identifier, role string) string {
	return filepath.Join(ks.Directory, identifier, "roles", role+".key")
}

func checkName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	for _, char := range name {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in %s", char, what)
	}
	return nil
}

func CheckKeyName(identifier string) error { return checkName("identifier", identifier) }
func CheckRole(role string) error          { return checkName("role", role) }

func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) saveSeedToFile(filePath string, alg Alg, seed []byte, overwrite bool) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", SeedSize)
	}
	if _, err := ParseAlg(string(alg)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(string(alg) + ":" + hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func (ks *KeyStore) loadSeedFromFile(filePath string) (Alg, []byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", nil, err
	}
	name, seedHex, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return "", nil, fmt.Errorf("%s: expected <alg>:<hex seed>", filePath)
	}
	alg, err := ParseAlg(name)
	if err != nil {
		return "", nil, err
	}
	seed, err := ParseSeedHex(seedHex)
	if err != nil {
		return "", nil, err
	}
	return alg, seed, nil
}

func publicKeyString(alg Alg, seed []byte) (string, error) {
	s, err := NewSigner(alg, seed)
	if err != nil {
		return "", err
	}
	return FormatPublicKey(alg, s.PublicKey()), nil
}

// InitializeRootKey stores seed as the root key of identifier and returns
// its formatted public key.
func (ks *KeyStore) InitializeRootKey(identifier string, alg Alg, seed []byte, overwrite bool) (publicKey string, filePath string, err error) {
	if err := CheckKeyName(identifier); err != nil {
		return "", "", err
	}
	filePath = ks.getRootKeyFilePath(identifier)
	if err := ks.saveSeedToFile(filePath, alg, seed, overwrite); err != nil {
		return "", "", err
	}
	publicKey, err = publicKeyString(alg, seed)
	return publicKey, filePath, err
}

func (ks *KeyStore) DeriveKeyFromRole(from, role string, overwrite bool) (publicKey string, filePath string, err error) {
	if err := CheckKeyName(from); err != nil {
		return "", "", err
	}
	if err := CheckRole(role); err != nil {
		return "", "", err
	}
	alg, rootSeed, err := ks.loadSeedFromFile(ks.getRootKeyFilePath(from))
	if err != nil {
		return "", "", err
	}
	roleSeed, err := DeriveRoleSeed(rootSeed, role)
	if err != nil {
		return "", "", err
	}
	filePath = ks.getRoleKeyFilePath(from, role)
	if err := ks.saveSeedToFile(filePath, alg, roleSeed, overwrite); err != nil {
		return "", "", err
	}
	publicKey, err = publicKeyString(alg, roleSeed)
	return publicKey, filePath, err
}

func (ks *KeyStore) keyPath(identifier, role string) (string, error) {
	if err := CheckKeyName(identifier); err != nil {
		return "", err
	}
	if role == "" {
		return ks.getRootKeyFilePath(identifier), nil
	}
	if err := CheckRole(role); err != nil {
		return "", err
	}
	return ks.getRoleKeyFilePath(identifier, role), nil
}

// ExportKey returns the formatted public key of a stored root or role key.
func (ks *KeyStore) ExportKey(identifier string, role string) (string, error) {
	path, err := ks.keyPath(identifier, role)
	if err != nil {
		return "", err
	}
	alg, seed, err := ks.loadSeedFromFile(path)
	if err != nil {
		return "", err
	}
	return publicKeyString(alg, seed)
}

// LoadSigner resolves a signer from, in order: an explicit hex seed (with
// alg, default ed25519), a key file, or a stored identifier/role.
func (ks *KeyStore) LoadSigner(seedHex string, alg Alg, signerName, signerRole, keyFile string) (Signer, error) {
	if seedHex != "" {
		seed, err := ParseSeedHex(seedHex)
		if err != nil {
			return nil, err
		}
		if alg == "" {
			alg = AlgEd25519
		}
		return NewSigner(alg, seed)
	}
	path := keyFile
	if path == "" {
		if signerName == "" {
			return nil, errors.New("no signer provided")
		}
		var err error
		if path, err = ks.keyPath(signerName, signerRole); err != nil {
			return nil, err
		}
	}
	fileAlg, seed, err := ks.loadSeedFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewSigner(fileAlg, seed)
}

func (ks *KeyStore) ListKeys() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var identifiers []string
	for _, entry := range entries {
		if entry.IsDir() {
			identifiers = append(identifiers, entry.Name())
		}
	}
	sort.Strings(identifiers)

	var result []KeyEntry
	for _, identifier := range identifiers {
		alg, _, err := ks.loadSeedFromFile(ks.getRootKeyFilePath(identifier))
		if err != nil {
			continue
		}
		rolesDir := filepath.Join(ks.Directory, identifier, "roles")
		roleEntries, rerr := os.ReadDir(rolesDir)
		var roles []string
		if rerr == nil {
			for _, roleEntry := range roleEntries {
				if roleEntry.IsDir() {
					continue
				}
				if strings.HasSuffix(roleEntry.Name(), ".key") {
					roles = append(roles, strings.TrimSuffix(roleEntry.Name(), ".key"))
				}
			}
			sort.Strings(roles)
		}
		result = append(result, KeyEntry{Identifier: identifier, Alg: alg, Roles: roles})
	}
	return result, nil
}
