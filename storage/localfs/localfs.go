package localfs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"xdao.co/sealgate/cidutil"
	"xdao.co/sealgate/storage"
)

// CAS is a local filesystem-backed content-addressable store.
//
// Objects are keyed strictly by CID and written through a temp file that is
// renamed into place only after a successful fsync, so a cancelled or failed
// Put never leaves a partial object under its final name. Reads rehash.
type CAS struct {
	root string
}

var _ storage.CAS = (*CAS)(nil)

// New constructs a filesystem CAS rooted at root. The directory will be created if needed.
func New(root string) (*CAS, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &CAS{root: root}, nil
}

func (c *CAS) Put(ctx context.Context, data []byte, _ storage.PutOptions) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}

	path := c.pathFor(id)
	if _, err := os.Stat(path); err == nil {
		existing, rerr := c.Get(ctx, id)
		if rerr != nil || !bytes.Equal(existing, data) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cid.Undef, err
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return cid.Undef, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return cid.Undef, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return cid.Undef, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return cid.Undef, err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpName)
		return cid.Undef, err
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		_ = os.Remove(tmpName)
		return cid.Undef, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return cid.Undef, err
	}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	b, err := os.ReadFile(c.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if err := cidutil.Verify(id, b); err != nil {
		return nil, storage.ErrCIDMismatch
	}
	return b, nil
}

func (c *CAS) Has(_ context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := os.Stat(c.pathFor(id))
	return err == nil
}

func (c *CAS) pathFor(id cid.Cid) string {
	s := id.String()
	if len(s) < 4 {
		return filepath.Join(c.root, s)
	}
	// Skip the multibase prefix so objects spread across directories.
	return filepath.Join(c.root, s[len(s)-2:], s)
}
