package blobstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/sealgate/sealerr"
	"xdao.co/sealgate/storage/bundle"
	"xdao.co/sealgate/storage/memory"
)

func TestExportImportMovesBlobs(t *testing.T) {
	ctx := context.Background()
	src := New(memory.New(), Options{})
	a, err := src.Store(ctx, []byte("ciphertext-a"), 0)
	require.NoError(t, err)
	b, err := src.Store(ctx, []byte("ciphertext-b"), 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf, []Handle{b, a}, map[string]Handle{"id-a": a}))

	idx, ok, err := bundle.ReadIndex(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, idx.Blocks, 2)
	require.Equal(t, "id-a", idx.Names[0].Name)

	backend := memory.New()
	dst := New(backend, Options{})
	handles, err := dst.Import(ctx, bytes.NewReader(buf.Bytes()), 5)
	require.NoError(t, err)
	require.ElementsMatch(t, []Handle{a, b}, handles)
	require.Equal(t, uint32(5), backend.Retention(a.CID))

	got, err := dst.Load(ctx, a)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext-a"), got)
}

func TestExportWrongSizeIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	src := New(memory.New(), Options{})
	h, err := src.Store(ctx, []byte("ciphertext"), 0)
	require.NoError(t, err)
	h.Size++

	err = src.Export(ctx, &bytes.Buffer{}, []Handle{h}, nil)
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError), "got %v", err)
}

func TestImportGarbageIsIntegrityError(t *testing.T) {
	dst := New(memory.New(), Options{})
	_, err := dst.Import(context.Background(), bytes.NewReader([]byte("not a tar archive at all")), 0)
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError), "got %v", err)
}
