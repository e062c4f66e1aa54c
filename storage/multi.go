package storage

import (
	"context"

	"github.com/ipfs/go-cid"
)

// MultiCAS reads through an ordered list of adapters and writes to the first.
//
// Order is the slice order; callers supply it explicitly so the fallback
// sequence is deterministic. A non-NotFound error from an adapter stops the
// read, so a corrupt copy is reported instead of hidden behind a later one.
type MultiCAS struct {
	Adapters []CAS
}

var _ CAS = MultiCAS{}

func (m MultiCAS) Put(ctx context.Context, data []byte, opts PutOptions) (cid.Cid, error) {
	if len(m.Adapters) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return m.Adapters[0].Put(ctx, data, opts)
}

func (m MultiCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	for _, cas := range m.Adapters {
		b, err := cas.Get(ctx, id)
		if err == nil {
			return b, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}

func (m MultiCAS) Has(ctx context.Context, id cid.Cid) bool {
	for _, cas := range m.Adapters {
		if cas.Has(ctx, id) {
			return true
		}
	}
	return false
}
