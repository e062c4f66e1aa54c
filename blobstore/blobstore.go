// Package blobstore is the Blob Integrity Adapter: it moves encrypted blobs
// to and from a storage.CAS as opaque bytes and refuses to hand back anything
// that is not byte-for-byte what was stored.
package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"xdao.co/sealgate/cidutil"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/retry"
	"xdao.co/sealgate/sealerr"
	"xdao.co/sealgate/storage"
)

type Options struct {
	// Timeout bounds each individual store or load call. Zero means no
	// per-call bound beyond the caller's context.
	Timeout time.Duration
	// Retry is applied to unreachable-backend errors and per-call timeouts.
	// The zero value runs each call once.
	Retry  retry.Policy
	Logger *logrus.Logger
}

type Adapter struct {
	cas  storage.CAS
	opts Options
	log  *logrus.Logger
}

func New(cas storage.CAS, opts Options) *Adapter {
	opts.Retry.Retryable = retryable
	return &Adapter{cas: cas, opts: opts, log: logx.OrDiscard(opts.Logger)}
}

// retryable reports storage errors worth another attempt. A per-call
// timeout is retryable; the caller's own deadline is checked separately by
// retry.Do before each attempt.
func retryable(err error) bool {
	return errors.Is(err, storage.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func (a *Adapter) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.Timeout)
}

// Store writes blob and returns its handle. retentionEpochs is passed to the
// backend as storage.PutOptions.Epochs.
//
// A store interrupted by ctx returns a Cancelled error and a zero Handle.
func (a *Adapter) Store(ctx context.Context, blob []byte, retentionEpochs uint32) (Handle, error) {
	want, err := cidutil.Sum(blob)
	if err != nil {
		return Handle{}, sealerr.Wrap(sealerr.CodeIntegrityError, "blobstore: hash", err)
	}

	got, err := retry.DoValue(ctx, a.opts.Retry, func(ctx context.Context) (Handle, error) {
		cctx, cancel := a.call(ctx)
		defer cancel()
		id, err := a.cas.Put(cctx, blob, storage.PutOptions{Epochs: retentionEpochs})
		if err != nil {
			return Handle{}, err
		}
		return Handle{CID: id, Size: int64(len(blob))}, nil
	})
	if err != nil {
		return Handle{}, a.classify(ctx, "store", err)
	}
	if ctx.Err() != nil {
		return Handle{}, sealerr.Wrap(sealerr.CodeCancelled, "blobstore: store cancelled", ctx.Err())
	}
	if !got.CID.Equals(want) {
		return Handle{}, sealerr.New(sealerr.CodeIntegrityError, "blobstore: backend returned a foreign cid")
	}

	a.log.WithFields(logrus.Fields{"cid": got.CID.String(), "size": got.Size, "epochs": retentionEpochs}).Debug("blob stored")
	return got, nil
}

// Load fetches the blob named by h and verifies both its length and its
// content hash before returning it.
func (a *Adapter) Load(ctx context.Context, h Handle) ([]byte, error) {
	if h.IsZero() || h.Size < 0 {
		return nil, sealerr.New(sealerr.CodeIntegrityError, "blobstore: invalid handle")
	}
	b, err := retry.DoValue(ctx, a.opts.Retry, func(ctx context.Context) ([]byte, error) {
		cctx, cancel := a.call(ctx)
		defer cancel()
		return a.cas.Get(cctx, h.CID)
	})
	if err != nil {
		return nil, a.classify(ctx, "load", err)
	}
	if err := Verify(h, b); err != nil {
		a.log.WithFields(logrus.Fields{"cid": h.CID.String(), "want": h.Size, "got": len(b)}).Warn("blob failed verification")
		return nil, err
	}
	return b, nil
}

// Verify checks that blob is exactly what h names, without touching storage.
func Verify(h Handle, blob []byte) error {
	if int64(len(blob)) != h.Size {
		return sealerr.New(sealerr.CodeIntegrityError, "blobstore: length mismatch")
	}
	if err := cidutil.Verify(h.CID, blob); err != nil {
		return sealerr.Wrap(sealerr.CodeIntegrityError, "blobstore: content mismatch", err)
	}
	return nil
}

func (a *Adapter) classify(ctx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return sealerr.Wrap(sealerr.CodeCancelled, "blobstore: "+op+" cancelled", err)
	case storage.IsCorrupt(err), storage.IsNotFound(err), errors.Is(err, storage.ErrInvalidCID):
		return sealerr.Wrap(sealerr.CodeIntegrityError, "blobstore: "+op, err)
	case retryable(err):
		return sealerr.Wrap(sealerr.CodeServiceUnavailable, "blobstore: "+op+" failed after retries", err)
	default:
		return sealerr.Wrap(sealerr.CodeServiceUnavailable, "blobstore: "+op, err)
	}
}
