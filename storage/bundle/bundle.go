// Package bundle packs stored blobs into a deterministic TAR archive so
// ciphertexts can move between blob stores without a shared backend.
//
// Layout:
//
//	blocks/<cid>   raw blob bytes, one entry per distinct CID
//	index.json     optional, non-authoritative listing plus names
//
// Entry order is lexicographic by CID and every header is normalized, so the
// same blobs always produce the same archive bytes.
package bundle

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/sealgate/cidutil"
	"xdao.co/sealgate/storage"
)

// FormatVersion is the index.json schema version.
const FormatVersion = 1

const (
	blockPrefix = "blocks/"
	indexName   = "index.json"
)

var epoch0 = time.Unix(0, 0).UTC()

// Source yields blob bytes by CID. storage.CAS satisfies it.
type Source interface {
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
}

// Sink accepts blob bytes. storage.CAS satisfies it.
type Sink interface {
	Put(ctx context.Context, data []byte, opts storage.PutOptions) (cid.Cid, error)
}

type ExportOptions struct {
	// Names is recorded in index.json; typically identity hex to blob CID.
	// It is informational only and never trusted on import.
	Names map[string]cid.Cid
	// IncludeIndex writes index.json after the blocks.
	IncludeIndex bool
}

// Export writes the blobs named by ids to w. Every blob is rehashed against
// its CID before it is written.
func Export(ctx context.Context, w io.Writer, src Source, ids []cid.Cid, opts ExportOptions) error {
	if src == nil {
		return errors.New("bundle: nil source")
	}
	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}
	keys := sortedKeys(uniq)

	tw := tar.NewWriter(w)
	idx := Index{Version: FormatVersion, CIDCodec: "raw", Multihash: "sha2-256"}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			_ = tw.Close()
			return err
		}
		id := uniq[k]
		b, err := src.Get(ctx, id)
		if err != nil {
			_ = tw.Close()
			return fmt.Errorf("bundle: get %s: %w", k, err)
		}
		if err := cidutil.Verify(id, b); err != nil {
			_ = tw.Close()
			return storage.ErrCIDMismatch
		}
		if err := writeEntry(tw, blockPrefix+k, b); err != nil {
			_ = tw.Close()
			return err
		}
		idx.Blocks = append(idx.Blocks, IndexBlock{CID: k, Size: len(b)})
	}

	if opts.IncludeIndex {
		for _, name := range sortedKeys(opts.Names) {
			id := opts.Names[name]
			if name == "" {
				_ = tw.Close()
				return errors.New("bundle: empty name")
			}
			if !id.Defined() {
				_ = tw.Close()
				return storage.ErrInvalidCID
			}
			idx.Names = append(idx.Names, IndexName{Name: name, CID: id.String()})
		}
		b, err := json.Marshal(idx)
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeEntry(tw, indexName, append(b, '\n')); err != nil {
			_ = tw.Close()
			return err
		}
	}
	return tw.Close()
}

type ImportOptions struct {
	// IgnoreUnknown skips entries outside the layout instead of failing.
	IgnoreUnknown bool
	// Epochs is passed to the sink for every block.
	Epochs uint32
}

// Imported describes one block written to the sink.
type Imported struct {
	CID  cid.Cid
	Size int
}

// Import reads a bundle from r and writes each block to dst. A block whose
// bytes do not hash to its entry name fails the import with
// storage.ErrCIDMismatch; blocks already written stay written.
func Import(ctx context.Context, r io.Reader, dst Sink, opts ImportOptions) ([]Imported, error) {
	if dst == nil {
		return nil, errors.New("bundle: nil sink")
	}
	tr := tar.NewReader(r)
	seen := map[string]struct{}{}
	var out []Imported

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		h, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		name := cleanPath(h.Name)
		if name == "" {
			return out, fmt.Errorf("bundle: invalid entry path %q", h.Name)
		}
		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return out, fmt.Errorf("bundle: unexpected entry type %v (%s)", h.Typeflag, name)
		}
		if name == indexName {
			continue
		}
		if !strings.HasPrefix(name, blockPrefix) {
			if opts.IgnoreUnknown {
				continue
			}
			return out, fmt.Errorf("bundle: unknown entry %s", name)
		}

		id, err := cid.Decode(strings.TrimPrefix(name, blockPrefix))
		if err != nil || !id.Defined() {
			return out, storage.ErrInvalidCID
		}
		key := id.String()
		if _, dup := seen[key]; dup {
			return out, fmt.Errorf("bundle: duplicate block %s", key)
		}
		seen[key] = struct{}{}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return out, err
		}
		if err := cidutil.Verify(id, payload); err != nil {
			return out, storage.ErrCIDMismatch
		}
		got, err := dst.Put(ctx, payload, storage.PutOptions{Epochs: opts.Epochs})
		if err != nil {
			return out, err
		}
		if !got.Equals(id) {
			return out, storage.ErrCIDMismatch
		}
		out = append(out, Imported{CID: id, Size: len(payload)})
	}
}

// Index is the optional index.json entry.
type Index struct {
	Version   int          `json:"version"`
	CIDCodec  string       `json:"cidCodec"`
	Multihash string       `json:"multihash"`
	Blocks    []IndexBlock `json:"blocks"`
	Names     []IndexName  `json:"names,omitempty"`
}

type IndexBlock struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type IndexName struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

// ReadIndex returns the index.json of a bundle, or ok=false if it has none.
func ReadIndex(r io.Reader) (idx Index, ok bool, err error) {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return Index{}, false, nil
		}
		if err != nil {
			return Index{}, false, err
		}
		if cleanPath(h.Name) != indexName {
			continue
		}
		if err := json.NewDecoder(tr).Decode(&idx); err != nil {
			return Index{}, false, fmt.Errorf("bundle: index: %w", err)
		}
		return idx, true, nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// cleanPath normalizes an entry name and returns "" for anything that could
// escape the archive root.
func cleanPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}
