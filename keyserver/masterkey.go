package keyserver

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xdao.co/sealgate/ibe"
)

// WriteMasterKey stores m as hex in a 0600 file. Existing files are never
// replaced.
func WriteMasterKey(path string, m *ibe.MasterKey) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(b) + "\n"); err != nil {
		return err
	}
	return f.Close()
}

// LoadMasterKey reads a key written by WriteMasterKey.
func LoadMasterKey(path string) (*ibe.MasterKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var m ibe.MasterKey
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}
