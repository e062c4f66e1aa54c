// Package badgercas is a storage.CAS backed by an embedded Badger database.
//
// Retention maps onto Badger TTLs: a Put with Epochs > 0 expires after
// Epochs*EpochLength when EpochLength is set. Re-putting an object with a
// longer (or unbounded) retention extends it; a shorter one never truncates.
package badgercas

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"xdao.co/sealgate/cidutil"
	"xdao.co/sealgate/storage"
)

var keyPrefix = []byte("blob/")

type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// EpochLength converts PutOptions.Epochs to a TTL. Zero disables expiry.
	EpochLength time.Duration
	Logger      *logrus.Logger
}

type CAS struct {
	db          *badger.DB
	epochLength time.Duration
	now         func() time.Time
}

var _ storage.CAS = (*CAS)(nil)

func Open(opts Options) (*CAS, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badgercas: directory is required")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &CAS{db: db, epochLength: opts.EpochLength, now: time.Now}, nil
}

func (c *CAS) Close() error { return c.db.Close() }

func key(id cid.Cid) []byte {
	return append(append([]byte(nil), keyPrefix...), id.Bytes()...)
}

func (c *CAS) ttl(epochs uint32) time.Duration {
	if epochs == 0 || c.epochLength <= 0 {
		return 0
	}
	return time.Duration(epochs) * c.epochLength
}

func (c *CAS) Put(ctx context.Context, data []byte, opts storage.PutOptions) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	k := key(id)
	ttl := c.ttl(opts.Epochs)

	err = c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(existing, data) {
				return storage.ErrImmutable
			}
			if !c.extends(item.ExpiresAt(), ttl) {
				return nil
			}
		}
		e := badger.NewEntry(k, data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return cid.Undef, err
	}
	return id, nil
}

// extends reports whether a write with ttl outlives an entry expiring at
// expiresAt (unix seconds, 0 meaning never).
func (c *CAS) extends(expiresAt uint64, ttl time.Duration) bool {
	if expiresAt == 0 {
		return false
	}
	if ttl == 0 {
		return true
	}
	return uint64(c.now().Add(ttl).Unix()) > expiresAt
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := cidutil.Verify(id, out); err != nil {
		return nil, storage.ErrCIDMismatch
	}
	return out, nil
}

func (c *CAS) Has(_ context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(id))
		return err
	})
	return err == nil
}

// ExpiresAt returns when id expires, or the zero time if it never does.
func (c *CAS) ExpiresAt(id cid.Cid) (time.Time, error) {
	var at uint64
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		at = item.ExpiresAt()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil || at == 0 {
		return time.Time{}, err
	}
	return time.Unix(int64(at), 0), nil
}
