package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"xdao.co/sealgate/sealerr"
	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/bundle"
)

// Export writes the blobs named by handles to w as a bundle archive. Each
// blob is read through Load, so only verified bytes reach the archive.
// names is recorded in the archive index, e.g. identity hex to handle.
func (a *Adapter) Export(ctx context.Context, w io.Writer, handles []Handle, names map[string]Handle) error {
	src := &loader{a: a, sizes: map[string]int64{}}
	ids := make([]cid.Cid, 0, len(handles))
	for _, h := range handles {
		if h.IsZero() {
			return sealerr.New(sealerr.CodeIntegrityError, "blobstore: invalid handle")
		}
		src.sizes[h.CID.KeyString()] = h.Size
		ids = append(ids, h.CID)
	}
	labels := make(map[string]cid.Cid, len(names))
	for n, h := range names {
		labels[n] = h.CID
	}
	err := bundle.Export(ctx, w, src, ids, bundle.ExportOptions{IncludeIndex: true, Names: labels})
	if err != nil {
		return a.bundleError(ctx, "export", err)
	}
	a.log.WithField("blobs", len(src.sizes)).Debug("bundle exported")
	return nil
}

// Import stores every blob in the bundle read from r and returns their
// handles in archive order.
func (a *Adapter) Import(ctx context.Context, r io.Reader, retentionEpochs uint32) ([]Handle, error) {
	dst := &storer{a: a}
	_, err := bundle.Import(ctx, r, dst, bundle.ImportOptions{Epochs: retentionEpochs})
	if err != nil {
		return dst.handles, a.bundleError(ctx, "import", err)
	}
	a.log.WithField("blobs", len(dst.handles)).Debug("bundle imported")
	return dst.handles, nil
}

// bundleError keeps adapter errors as they are. Anything else from an
// import means the archive itself is malformed.
func (a *Adapter) bundleError(ctx context.Context, op string, err error) error {
	switch {
	case sealerr.CodeOf(err) != "":
		return err
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return sealerr.Wrap(sealerr.CodeCancelled, "blobstore: "+op+" cancelled", err)
	case op == "import", storage.IsCorrupt(err), errors.Is(err, storage.ErrInvalidCID):
		return sealerr.Wrap(sealerr.CodeIntegrityError, "blobstore: "+op, err)
	}
	return fmt.Errorf("blobstore: %s: %w", op, err)
}

type loader struct {
	a     *Adapter
	sizes map[string]int64
}

func (l *loader) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return l.a.Load(ctx, Handle{CID: id, Size: l.sizes[id.KeyString()]})
}

type storer struct {
	a       *Adapter
	handles []Handle
}

func (s *storer) Put(ctx context.Context, data []byte, opts storage.PutOptions) (cid.Cid, error) {
	h, err := s.a.Store(ctx, data, opts.Epochs)
	if err != nil {
		return cid.Undef, err
	}
	s.handles = append(s.handles, h)
	return h.CID, nil
}
