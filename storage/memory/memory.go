// Package memory is an in-process storage.CAS used by tests and by the CLI's
// dry-run mode.
package memory

import (
	"bytes"
	"context"
	"flag"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/sealgate/cidutil"
	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:          "memory",
		Description:   "In-process CAS (contents are lost on exit)",
		Usage:         casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(*flag.FlagSet) {},
		Open: func() (storage.CAS, func() error, error) {
			return New(), nil, nil
		},
		OpenWithConfig: func(map[string]string) (storage.CAS, func() error, error) {
			return New(), nil, nil
		},
	})
}

// CAS keeps objects in a map. It is safe for concurrent use.
type CAS struct {
	mu      sync.RWMutex
	objects map[string][]byte
	epochs  map[string]uint32
}

func New() *CAS {
	return &CAS{objects: map[string][]byte{}, epochs: map[string]uint32{}}
}

func (c *CAS) Put(ctx context.Context, data []byte, opts storage.PutOptions) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	key := id.KeyString()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.objects[key]; ok {
		if !bytes.Equal(existing, data) {
			return cid.Undef, storage.ErrImmutable
		}
	} else {
		c.objects[key] = append([]byte(nil), data...)
	}
	if opts.Epochs > c.epochs[key] {
		c.epochs[key] = opts.Epochs
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
	c.mu.RLock()
	b, ok := c.objects[id.KeyString()]
	c.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if err := cidutil.Verify(id, b); err != nil {
		return nil, storage.ErrCIDMismatch
	}
	return append([]byte(nil), b...), nil
}

func (c *CAS) Has(_ context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[id.KeyString()]
	return ok
}

// Retention reports the largest epoch count requested for id.
func (c *CAS) Retention(id cid.Cid) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[id.KeyString()]
}

// Corrupt overwrites the stored bytes for id without updating its key. It
// exists so integrity checks can be exercised end to end.
func (c *CAS) Corrupt(id cid.Cid, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id.KeyString()] = append([]byte(nil), data...)
}
