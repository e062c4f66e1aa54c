package storage

import (
	"context"

	"github.com/ipfs/go-cid"
)

// PutOptions carries per-write storage hints.
type PutOptions struct {
	// Epochs asks the backend to retain the object for at least this many
	// storage epochs. Zero means the backend default. Backends without a
	// notion of retention ignore it.
	Epochs uint32
}

// CAS is a minimal content-addressable storage interface.
//
// Contract:
// - Put MUST be idempotent.
// - Stored objects MUST be immutable.
// - CIDs MUST be derived from the bytes written (raw + sha2-256, see cidutil).
// - Get MUST return ErrNotFound when the CID is absent.
// - Get MUST NOT return bytes that do not hash to the requested CID.
type CAS interface {
	Put(ctx context.Context, data []byte, opts PutOptions) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) bool
}
