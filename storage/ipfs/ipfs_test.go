package ipfs

import (
	"context"
	"os/exec"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/sealgate/cidutil"
	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/testkit"
)

func TestIPFS_Conformance(t *testing.T) {
	if _, err := exec.LookPath("ipfs"); err != nil {
		t.Skip("ipfs binary not installed")
	}
	repo := t.TempDir()
	setup := exec.Command("ipfs", "init", "--profile=test")
	setup.Env = append(setup.Environ(), "IPFS_PATH="+repo)
	if out, err := setup.CombinedOutput(); err != nil {
		t.Skipf("ipfs init failed: %v: %s", err, out)
	}
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return open("ipfs", repo)
	})
}

func TestIPFS_MissingBinary(t *testing.T) {
	cas := New(Options{Bin: "/nonexistent/ipfs"})
	if _, err := cas.Put(context.Background(), []byte("x"), storage.PutOptions{}); err == nil {
		t.Fatalf("expected error with missing binary")
	}
	if cas.Has(context.Background(), mustSum(t, []byte("x"))) {
		t.Fatalf("Has should be false with missing binary")
	}
}

func mustSum(t *testing.T, b []byte) cid.Cid {
	t.Helper()
	id, err := cidutil.Sum(b)
	if err != nil {
		t.Fatalf("cidutil.Sum: %v", err)
	}
	return id
}
