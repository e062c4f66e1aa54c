package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/keyserver"
	"xdao.co/sealgate/keyserver/grpcks"
	"xdao.co/sealgate/ledger"
	"xdao.co/sealgate/model"
)

const ownerSeedHex = "0101010101010101010101010101010101010101010101010101010101010101"

type fixture struct {
	dir     string
	keysDir string
	config  string
	led     *ledger.Memory
	pub     *ledger.Publication
	cap     *ledger.OwnerCap
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		keysDir: filepath.Join(dir, "keys"),
		config:  filepath.Join(dir, "sealgate.json"),
		led:     ledger.NewMemory(ids.ObjectID{0x40}, nil),
	}

	seed, err := keys.ParseSeedHex(ownerSeedHex)
	require.NoError(t, err)
	owner, err := keys.NewSigner(keys.AlgEd25519, seed)
	require.NoError(t, err)
	f.pub, f.cap = f.led.CreatePublication(keys.SignerAddress(owner), "P1")

	var servers []map[string]string
	for i := 0; i < 3; i++ {
		m, err := ibe.GenerateMasterKey(rand.Reader)
		require.NoError(t, err)
		id := fmt.Sprintf("ks-%d", i+1)
		backend, err := keyserver.New(m, keyserver.Options{ID: id, Policy: f.led.Policy()})
		require.NoError(t, err)

		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		s := grpc.NewServer()
		grpcks.RegisterKeyServerServer(s, &grpcks.Server{Backend: backend})
		go func() { _ = s.Serve(lis) }()
		t.Cleanup(s.Stop)
		servers = append(servers, map[string]string{"id": id, "target": lis.Addr().String()})
	}

	cfg := map[string]any{
		"package":     f.led.Package().String(),
		"threshold":   map[string]int{"t": 2, "n": 3},
		"timeout":     "5s",
		"retry":       map[string]any{"max_attempts": 1},
		"key_servers": servers,
		"storage": map[string]any{
			"backends": []map[string]any{{"name": "localfs", "config": map[string]string{"localfs-dir": filepath.Join(dir, "blobs")}}},
		},
		"signer": map[string]string{"name": "owner", "keys_dir": f.keysDir},
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.config, b, 0o600))
	return f
}

func (f *fixture) write(t *testing.T, name string, b []byte) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func (f *fixture) creds(t *testing.T, name string, cs ...credential.Credential) string {
	t.Helper()
	b, err := json.Marshal(credential.List(cs))
	require.NoError(t, err)
	return f.write(t, name, b)
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestUsage(t *testing.T) {
	code, _, errOut := runCLI(t)
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "Usage:")

	code, _, _ = runCLI(t, "bogus")
	require.Equal(t, 2, code)

	code, out, _ := runCLI(t, "help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "sealgate publish")
}

func TestIdentityCommand(t *testing.T) {
	pub := ids.ObjectID{0xAA}
	code, out, errOut := runCLI(t, "identity", "--publication", pub.String(), "--label", "art1")
	require.Equal(t, 0, code, errOut)

	var got model.Identity
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, pub.String(), got.PublicationID)
	require.Equal(t, "art1", got.Label)

	code, out2, _ := runCLI(t, "identity", "--decode", got.Identity)
	require.Equal(t, 0, code)
	require.JSONEq(t, out, out2)

	code, _, errOut = runCLI(t, "identity", "--publication", pub.String(), "--label", "")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, string(model.ErrInvalidLabel))
}

func TestKeygenCommands(t *testing.T) {
	dir := t.TempDir()
	code, out, errOut := runCLI(t, "keygen", "init", "--keys-dir", dir, "--name", "alice", "--seed-hex", ownerSeedHex)
	require.Equal(t, 0, code, errOut)

	var k model.Key
	require.NoError(t, json.Unmarshal([]byte(out), &k))
	seed, err := keys.ParseSeedHex(ownerSeedHex)
	require.NoError(t, err)
	s, err := keys.NewSigner(keys.AlgEd25519, seed)
	require.NoError(t, err)
	require.Equal(t, keys.SignerAddress(s).String(), k.Address)

	code, _, _ = runCLI(t, "keygen", "derive", "--keys-dir", dir, "--from", "alice", "--role", "reader")
	require.Equal(t, 0, code)

	code, out, _ = runCLI(t, "keygen", "export", "--keys-dir", dir, "--name", "alice")
	require.Equal(t, 0, code)
	require.Contains(t, out, k.PublicKey)

	code, out, _ = runCLI(t, "keygen", "list", "--keys-dir", dir)
	require.Equal(t, 0, code)
	require.Contains(t, out, "alice")
	require.Contains(t, out, "reader")

	code, _, _ = runCLI(t, "keygen", "init", "--keys-dir", dir, "--name", "alice", "--alg", "rsa")
	require.Equal(t, 2, code)
}

func TestPutGet(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	payload := []byte{0x00, 0xff, '\r', '\n', 0x1a}
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	code, out, errOut := runCLI(t, "put", "--store-dir", filepath.Join(dir, "blobs"), src)
	require.Equal(t, 0, code, errOut)
	handle := strings.TrimSpace(out)

	dst := filepath.Join(dir, "out.bin")
	code, _, errOut = runCLI(t, "get", "--store-dir", filepath.Join(dir, "blobs"), "--handle", handle, "--out", dst)
	require.Equal(t, 0, code, errOut)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	code, _, _ = runCLI(t, "get", "--store-dir", filepath.Join(dir, "blobs"))
	require.Equal(t, 2, code)
}

func TestBundleExportImport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(src, []byte("sealed bytes"), 0o600))

	code, out, errOut := runCLI(t, "put", "--store-dir", filepath.Join(dir, "a"), src)
	require.Equal(t, 0, code, errOut)
	handle := strings.TrimSpace(out)

	archive := filepath.Join(dir, "blobs.tar")
	code, _, errOut = runCLI(t, "bundle", "export", "--store-dir", filepath.Join(dir, "a"), "--out", archive, "--name", "art1="+handle)
	require.Equal(t, 0, code, errOut)

	code, out, errOut = runCLI(t, "bundle", "import", "--store-dir", filepath.Join(dir, "b"), archive)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, handle, strings.TrimSpace(out))

	code, out, errOut = runCLI(t, "get", "--store-dir", filepath.Join(dir, "b"), "--handle", handle)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "sealed bytes", out)

	code, _, _ = runCLI(t, "bundle", "export", "--store-dir", filepath.Join(dir, "a"))
	require.Equal(t, 2, code)
	code, _, _ = runCLI(t, "bundle")
	require.Equal(t, 2, code)
}

func TestEncryptDecryptEndToEnd(t *testing.T) {
	f := newFixture(t)
	code, _, errOut := runCLI(t, "keygen", "init", "--keys-dir", f.keysDir, "--name", "owner", "--seed-hex", ownerSeedHex)
	require.Equal(t, 0, code, errOut)

	plain := f.write(t, "plain.txt", []byte("hello"))
	blob := filepath.Join(f.dir, "blob.bin")
	code, out, errOut := runCLI(t, "encrypt", "--config", f.config, "--publication", f.pub.ID.String(), "--label", "art1", "--in", plain, "--out", blob)
	require.Equal(t, 0, code, errOut)

	var enc model.EncryptResult
	require.NoError(t, json.Unmarshal([]byte(out), &enc))
	require.Equal(t, "2-of-3", enc.Threshold)
	require.Empty(t, enc.Blob)

	ownerCreds := f.creds(t, "owner.json", credential.OwnerCapability{Capability: f.cap.ID, Publication: f.pub.ID})
	code, out, errOut = runCLI(t, "decrypt", "--config", f.config, "--identity", enc.Identity.Identity, "--creds", ownerCreds, "--in", blob)
	require.Equal(t, 0, code, errOut)
	var d model.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	require.Equal(t, "Granted", d.State)
	require.Equal(t, []byte("hello"), d.Plaintext)

	unrelated := f.creds(t, "unrelated.json", credential.Allowlist{Policy: ids.ObjectID{0x99}})
	code, out, _ = runCLI(t, "decrypt", "--config", f.config, "--identity", enc.Identity.Identity, "--creds", unrelated, "--in", blob)
	require.Equal(t, exitDenied, code)
	d = model.Decision{}
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	require.Equal(t, "Denied", d.State)
	require.Equal(t, model.ErrNoAccess, d.Error.Code)
}

func TestPublishFetchEndToEnd(t *testing.T) {
	f := newFixture(t)
	code, _, errOut := runCLI(t, "keygen", "init", "--keys-dir", f.keysDir, "--name", "owner", "--seed-hex", ownerSeedHex)
	require.Equal(t, 0, code, errOut)

	plain := f.write(t, "plain.txt", []byte("hello"))
	code, out, errOut := runCLI(t, "publish", "--config", f.config, "--publication", f.pub.ID.String(), "--label", "art1", "--in", plain)
	require.Equal(t, 0, code, errOut)
	var res model.EncryptResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Handle)

	creds := f.creds(t, "owner.json", credential.OwnerCapability{Capability: f.cap.ID, Publication: f.pub.ID})
	dst := filepath.Join(f.dir, "out.txt")
	code, out, errOut = runCLI(t, "fetch", "--config", f.config, "--handle", res.Handle, "--identity", res.Identity.Identity, "--creds", creds, "--out", dst)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Granted")
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}
