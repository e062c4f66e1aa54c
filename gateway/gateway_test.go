package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/keyserver"
	"xdao.co/sealgate/ledger"
	"xdao.co/sealgate/sealerr"
)

type harness struct {
	led     *ledger.Memory
	servers []*keyserver.Server
	owner   keys.Signer
	cred    credential.Credential
	id      identity.ContentIdentity
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	led := ledger.NewMemory(ids.ObjectID{0x60}, nil)
	owner, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{1}, keys.SeedSize))
	require.NoError(t, err)
	pub, oc := led.CreatePublication(keys.SignerAddress(owner), "P1")
	id, err := identity.Encode(pub.ID, "art1")
	require.NoError(t, err)

	h := &harness{
		led:   led,
		owner: owner,
		cred:  credential.OwnerCapability{Capability: oc.ID, Publication: pub.ID},
		id:    id,
	}
	for i := 0; i < n; i++ {
		m, err := ibe.GenerateMasterKey(rand.Reader)
		require.NoError(t, err)
		s, err := keyserver.New(m, keyserver.Options{ID: fmt.Sprintf("ks-%d", i+1), Policy: led.Policy()})
		require.NoError(t, err)
		h.servers = append(h.servers, s)
	}
	return h
}

// gateway builds a gateway over the harness servers; wrap may replace any
// client by index.
func (h *harness) gateway(t *testing.T, signer keys.Signer, wrap map[int]keyserver.Client) *Gateway {
	t.Helper()
	var members []KeyServer
	for i, s := range h.servers {
		var c keyserver.Client = s
		if w, ok := wrap[i]; ok {
			c = w
		}
		members = append(members, KeyServer{Client: c})
	}
	g, err := New(Options{Servers: members, Signer: signer})
	require.NoError(t, err)
	return g
}

func (h *harness) evidence(t require.TestingT, signer keys.Signer, c credential.Credential) evidence.Transaction {
	tx, err := evidence.Builder{Sender: keys.SignerAddress(signer), Package: h.led.Package()}.Build(c, h.id)
	require.NoError(t, err)
	return tx
}

type down struct{ id string }

func (d down) ID() string { return d.id }
func (d down) PublicKey(context.Context) ([]byte, error) {
	return nil, sealerr.New(sealerr.CodeKeyServiceUnavailable, "down")
}
func (d down) FetchKey(context.Context, *keyserver.Request) (*keyserver.Response, error) {
	return nil, sealerr.New(sealerr.CodeKeyServiceUnavailable, "down")
}

// impostor publishes the real server's public key but answers with a key
// extracted from a different master secret.
type impostor struct {
	real *keyserver.Server
	fake *keyserver.Server
}

func (i impostor) ID() string { return i.real.ID() }
func (i impostor) PublicKey(ctx context.Context) ([]byte, error) {
	return i.real.PublicKey(ctx)
}
func (i impostor) FetchKey(ctx context.Context, req *keyserver.Request) (*keyserver.Response, error) {
	return i.fake.FetchKey(ctx, req)
}

func requireCode(t *testing.T, err error, code sealerr.Code) {
	t.Helper()
	require.Error(t, err)
	require.True(t, sealerr.Is(err, code), "want %s, got %v", code, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	h := newHarness(t, 3)
	g := h.gateway(t, h.owner, nil)

	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, "plaintext")
		n := rapid.IntRange(1, 3).Draw(rt, "n")
		tt := rapid.IntRange(1, n).Draw(rt, "t")

		blob, err := g.Encrypt(context.Background(), plaintext, h.id, Threshold{T: tt, N: n})
		if err != nil {
			rt.Fatalf("Encrypt: %v", err)
		}
		got, err := g.Decrypt(context.Background(), blob, h.id, h.evidence(rt, h.owner, h.cred))
		if err != nil {
			rt.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			rt.Fatalf("round trip mismatch")
		}
	})
}

func TestEncryptRejectsBadThresholds(t *testing.T) {
	h := newHarness(t, 2)
	g := h.gateway(t, h.owner, nil)
	for _, thr := range []Threshold{{0, 1}, {2, 1}, {1, 0}, {1, 3}, {-1, 2}} {
		_, err := g.Encrypt(context.Background(), []byte("x"), h.id, thr)
		requireCode(t, err, sealerr.CodeInvalidThreshold)
	}
}

func TestEncryptNeedsTResponders(t *testing.T) {
	h := newHarness(t, 3)

	g := h.gateway(t, h.owner, map[int]keyserver.Client{0: down{id: "ks-1"}})
	blob, err := g.Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 2, N: 3})
	require.NoError(t, err)
	obj, err := ParseObject(blob)
	require.NoError(t, err)
	require.Len(t, obj.Shares, 2)
	require.Equal(t, "ks-2", obj.Shares[0].ServerID)

	g = h.gateway(t, h.owner, map[int]keyserver.Client{0: down{id: "ks-1"}, 1: down{id: "ks-2"}})
	_, err = g.Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 2, N: 3})
	requireCode(t, err, sealerr.CodeKeyServiceUnavailable)
}

func TestDecryptToleratesMissingServersAboveThreshold(t *testing.T) {
	h := newHarness(t, 3)
	blob, err := h.gateway(t, h.owner, nil).Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 2, N: 3})
	require.NoError(t, err)

	g := h.gateway(t, h.owner, map[int]keyserver.Client{2: down{id: "ks-3"}})
	got, err := g.Decrypt(context.Background(), blob, h.id, h.evidence(t, h.owner, h.cred))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	g = h.gateway(t, h.owner, map[int]keyserver.Client{1: down{id: "ks-2"}, 2: down{id: "ks-3"}})
	_, err = g.Decrypt(context.Background(), blob, h.id, h.evidence(t, h.owner, h.cred))
	requireCode(t, err, sealerr.CodeKeyServiceUnavailable)
}

func TestDecryptDeniedEvidence(t *testing.T) {
	h := newHarness(t, 2)
	blob, err := h.gateway(t, h.owner, nil).Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 2, N: 2})
	require.NoError(t, err)

	stranger, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{9}, keys.SeedSize))
	require.NoError(t, err)
	g := h.gateway(t, stranger, nil)
	_, err = g.Decrypt(context.Background(), blob, h.id, h.evidence(t, stranger, h.cred))
	requireCode(t, err, sealerr.CodePolicyDenied)
}

func TestDecryptIdentityMismatch(t *testing.T) {
	h := newHarness(t, 1)
	g := h.gateway(t, h.owner, nil)
	blob, err := g.Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 1, N: 1})
	require.NoError(t, err)

	other, err := identity.Encode(h.id.PublicationID(), "art2")
	require.NoError(t, err)
	_, err = g.Decrypt(context.Background(), blob, other, h.evidence(t, h.owner, h.cred))
	requireCode(t, err, sealerr.CodeIdentityMismatch)
}

func TestDecryptRejectsCorruptBlobs(t *testing.T) {
	h := newHarness(t, 1)
	g := h.gateway(t, h.owner, nil)
	blob, err := g.Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 1, N: 1})
	require.NoError(t, err)
	tx := h.evidence(t, h.owner, h.cred)

	_, err = g.Decrypt(context.Background(), blob[:len(blob)-1], h.id, tx)
	requireCode(t, err, sealerr.CodeIntegrityError)
	_, err = g.Decrypt(context.Background(), []byte("not an object"), h.id, tx)
	requireCode(t, err, sealerr.CodeIntegrityError)

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0x01
	_, err = g.Decrypt(context.Background(), flipped, h.id, tx)
	requireCode(t, err, sealerr.CodeIntegrityError)
}

func TestDecryptInvalidSharesDoNotMeetThreshold(t *testing.T) {
	h := newHarness(t, 2)
	blob, err := h.gateway(t, h.owner, nil).Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 2, N: 2})
	require.NoError(t, err)

	m, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	fake, err := keyserver.New(m, keyserver.Options{ID: "ks-2", Policy: h.led.Policy()})
	require.NoError(t, err)

	g := h.gateway(t, h.owner, map[int]keyserver.Client{1: impostor{real: h.servers[1], fake: fake}})
	_, err = g.Decrypt(context.Background(), blob, h.id, h.evidence(t, h.owner, h.cred))
	requireCode(t, err, sealerr.CodeThresholdNotMet)
}

func TestDecryptCancelled(t *testing.T) {
	h := newHarness(t, 1)
	g := h.gateway(t, h.owner, nil)
	blob, err := g.Encrypt(context.Background(), []byte("hello"), h.id, Threshold{T: 1, N: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Decrypt(ctx, blob, h.id, h.evidence(t, h.owner, h.cred))
	requireCode(t, err, sealerr.CodeCancelled)
}

func TestPinnedKeyMismatchCountsAsUnavailable(t *testing.T) {
	h := newHarness(t, 1)
	m, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	wrong, err := m.PublicKey().MarshalBinary()
	require.NoError(t, err)

	g, err := New(Options{Servers: []KeyServer{{Client: h.servers[0], PublicKey: wrong}}, Signer: h.owner})
	require.NoError(t, err)
	_, err = g.Encrypt(context.Background(), []byte("x"), h.id, Threshold{T: 1, N: 1})
	requireCode(t, err, sealerr.CodeKeyServiceUnavailable)
}

func TestNewRejectsDuplicateServers(t *testing.T) {
	h := newHarness(t, 1)
	_, err := New(Options{Servers: []KeyServer{{Client: h.servers[0]}, {Client: h.servers[0]}}})
	require.Error(t, err)
	_, err = New(Options{})
	require.Error(t, err)
}
