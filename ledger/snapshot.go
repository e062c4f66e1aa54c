package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"xdao.co/sealgate/ids"
)

// Snapshot is the JSON form of a Memory ledger, used to hand the same ledger
// state to the CLI and to key-server daemons.
type Snapshot struct {
	Package ids.ObjectID     `json:"package"`
	Objects []SnapshotRecord `json:"objects"`
}

type SnapshotRecord struct {
	Type    string          `json:"type"`
	Owner   Owner           `json:"owner"`
	Version uint64          `json:"version,omitempty"`
	Object  json.RawMessage `json:"object"`
}

// Snapshot captures m's objects sorted by id.
func (m *Memory) Snapshot() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{Package: m.pkg, Objects: make([]SnapshotRecord, 0, len(m.objects))}
	keys := make([]ids.ObjectID, 0, len(m.objects))
	for id := range m.objects {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, id := range keys {
		rec := m.objects[id]
		b, err := json.Marshal(rec.Object)
		if err != nil {
			return Snapshot{}, err
		}
		s.Objects = append(s.Objects, SnapshotRecord{
			Type:    rec.Object.TypeName(),
			Owner:   rec.Owner,
			Version: rec.Version,
			Object:  b,
		})
	}
	return s, nil
}

// Restore replaces m's contents with s.
func (m *Memory) Restore(s Snapshot) error {
	objects := make(map[ids.ObjectID]Record, len(s.Objects))
	for i, r := range s.Objects {
		obj := newObject(r.Type)
		if obj == nil {
			return fmt.Errorf("ledger: snapshot object %d: unknown type %q", i, r.Type)
		}
		if err := json.Unmarshal(r.Object, obj); err != nil {
			return fmt.Errorf("ledger: snapshot object %d: %w", i, err)
		}
		if obj.ObjectID().IsZero() {
			return fmt.Errorf("ledger: snapshot object %d: missing id", i)
		}
		if _, dup := objects[obj.ObjectID()]; dup {
			return fmt.Errorf("ledger: snapshot object %d: duplicate id %s", i, obj.ObjectID())
		}
		objects[obj.ObjectID()] = Record{Object: obj, Owner: r.Owner, Version: r.Version}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = objects
	if !s.Package.IsZero() {
		m.pkg = s.Package
	}
	return nil
}

// WriteSnapshot encodes m as indented JSON.
func (m *Memory) WriteSnapshot(w io.Writer) error {
	s, err := m.Snapshot()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// SaveFile writes m's snapshot to path.
func (m *Memory) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.WriteSnapshot(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a snapshot file into a new Memory ledger.
func LoadFile(path string, clock Clock) (*Memory, error) {
	s, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	m := NewMemory(s.Package, clock)
	if err := m.Restore(s); err != nil {
		return nil, err
	}
	return m, nil
}

// ReloadFile replaces m's contents with the snapshot at path. On error m is
// left unchanged.
func (m *Memory) ReloadFile(path string) error {
	s, err := readSnapshot(path)
	if err != nil {
		return err
	}
	if !s.Package.IsZero() && s.Package != m.Package() {
		return fmt.Errorf("ledger: %s: package %s does not match %s", path, s.Package, m.Package())
	}
	return m.Restore(s)
}

func readSnapshot(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: %s: %w", path, err)
	}
	return s, nil
}
