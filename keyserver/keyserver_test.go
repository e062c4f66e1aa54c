package keyserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/ledger"
	"xdao.co/sealgate/sealerr"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var policyPackage = ids.ObjectID{0x50}

type fixture struct {
	clock  *manualClock
	led    *ledger.Memory
	master *ibe.MasterKey
	srv    *Server
	owner  keys.Signer
	cred   credential.Credential
	id     identity.ContentIdentity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.NewMemory(policyPackage, clock)

	owner, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{1}, keys.SeedSize))
	require.NoError(t, err)
	pub, oc := led.CreatePublication(keys.SignerAddress(owner), "P1")
	id, err := identity.Encode(pub.ID, "art1")
	require.NoError(t, err)

	master, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	srv, err := New(master, Options{ID: "ks-1", Policy: led.Policy(), Clock: clock})
	require.NoError(t, err)

	return &fixture{
		clock:  clock,
		led:    led,
		master: master,
		srv:    srv,
		owner:  owner,
		cred:   credential.OwnerCapability{Capability: oc.ID, Publication: pub.ID},
		id:     id,
	}
}

func (f *fixture) request(t *testing.T, signer keys.Signer, cred credential.Credential, id identity.ContentIdentity) (*Request, *EphemeralKey) {
	t.Helper()
	tx, err := evidence.Builder{Sender: keys.SignerAddress(signer), Package: policyPackage}.Build(cred, id)
	require.NoError(t, err)
	eph, err := NewEphemeralKey(rand.Reader)
	require.NoError(t, err)
	req, err := NewRequest(signer, id, tx, eph, f.clock.Now(), rand.Reader)
	require.NoError(t, err)
	return req, eph
}

func requireCode(t *testing.T, err error, code sealerr.Code) {
	t.Helper()
	require.Error(t, err)
	require.True(t, sealerr.Is(err, code), "want %s, got %v", code, err)
}

func TestFetchKeyReleasesVerifiableUserKey(t *testing.T) {
	f := newFixture(t)
	req, eph := f.request(t, f.owner, f.cred, f.id)

	resp, err := f.srv.FetchKey(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ks-1", resp.ServerID)

	raw, err := eph.Open(resp, f.id.Bytes())
	require.NoError(t, err)
	uk, err := ibe.ParseUserKey(raw)
	require.NoError(t, err)
	require.True(t, f.master.PublicKey().Verify(f.id.Bytes(), uk))

	_, err = eph.Open(resp, []byte("other aad"))
	require.Error(t, err)
}

func TestFetchKeyWithDilithiumSigner(t *testing.T) {
	f := newFixture(t)
	pq, err := keys.NewSigner(keys.AlgDilithium3, bytes.Repeat([]byte{2}, keys.SeedSize))
	require.NoError(t, err)
	require.NoError(t, f.led.Transfer(keys.SignerAddress(f.owner), f.cred.(credential.OwnerCapability).Capability, keys.SignerAddress(pq)))

	req, _ := f.request(t, pq, f.cred, f.id)
	_, err = f.srv.FetchKey(context.Background(), req)
	require.NoError(t, err)
}

func TestReplayIsDenied(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)

	_, err := f.srv.FetchKey(context.Background(), req)
	require.NoError(t, err)
	_, err = f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)
}

func TestReissuedRequestIsNotAReplay(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)
	_, err := f.srv.FetchKey(context.Background(), req)
	require.NoError(t, err)

	again, err := req.Reissue()
	require.NoError(t, err)
	require.NotEqual(t, req.Nonce, again.Nonce)
	require.NotEqual(t, req.Signature, again.Signature)
	_, err = f.srv.FetchKey(context.Background(), again)
	require.NoError(t, err)

	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	same, err := decoded.Reissue()
	require.NoError(t, err)
	require.Same(t, decoded, same)
}

// timeoutOnce fails its first check with a deadline error.
type timeoutOnce struct {
	next  Checker
	calls int
}

func (c *timeoutOnce) Execute(ctx context.Context, tx evidence.Transaction) error {
	c.calls++
	if c.calls == 1 {
		return context.DeadlineExceeded
	}
	return c.next.Execute(ctx, tx)
}

func TestTimedOutCheckReleasesNonce(t *testing.T) {
	f := newFixture(t)
	srv, err := New(f.master, Options{ID: "ks-2", Policy: &timeoutOnce{next: f.led.Policy()}, Clock: f.clock})
	require.NoError(t, err)

	req, _ := f.request(t, f.owner, f.cred, f.id)
	_, err = srv.FetchKey(context.Background(), req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = srv.FetchKey(context.Background(), req)
	require.NoError(t, err)
}

func TestStaleAndFutureRequestsAreDenied(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)
	f.clock.Advance(DefaultRequestTTL + time.Second)
	_, err := f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)

	f.clock.Advance(-(DefaultRequestTTL + time.Minute + time.Second))
	_, err = f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)
}

func TestTamperedSignatureIsDenied(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)
	req.Signature[0] ^= 0x80
	_, err := f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)
}

func TestSignerMustBeEvidenceSender(t *testing.T) {
	f := newFixture(t)
	other, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{9}, keys.SeedSize))
	require.NoError(t, err)

	tx, err := evidence.Builder{Sender: keys.SignerAddress(f.owner), Package: policyPackage}.Build(f.cred, f.id)
	require.NoError(t, err)
	eph, err := NewEphemeralKey(rand.Reader)
	require.NoError(t, err)
	req, err := NewRequest(other, f.id, tx, eph, f.clock.Now(), rand.Reader)
	require.NoError(t, err)

	_, err = f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)
}

func TestEvidenceMustNameRequestedIdentity(t *testing.T) {
	f := newFixture(t)
	otherID, err := identity.Encode(f.id.PublicationID(), "art2")
	require.NoError(t, err)

	tx, err := evidence.Builder{Sender: keys.SignerAddress(f.owner), Package: policyPackage}.Build(f.cred, otherID)
	require.NoError(t, err)
	eph, err := NewEphemeralKey(rand.Reader)
	require.NoError(t, err)
	req, err := NewRequest(f.owner, f.id, tx, eph, f.clock.Now(), rand.Reader)
	require.NoError(t, err)

	_, err = f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)
}

func TestPolicyDenialPropagates(t *testing.T) {
	f := newFixture(t)
	stranger, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{7}, keys.SeedSize))
	require.NoError(t, err)
	req, _ := f.request(t, stranger, f.cred, f.id)

	_, err = f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodePolicyDenied)
}

type brokenLedger struct{}

func (brokenLedger) Execute(context.Context, evidence.Transaction) error {
	return errors.New("connection refused")
}

func TestLedgerFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	srv, err := New(f.master, Options{ID: "ks-2", Policy: brokenLedger{}, Clock: f.clock})
	require.NoError(t, err)

	req, _ := f.request(t, f.owner, f.cred, f.id)
	_, err = srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodeKeyServiceUnavailable)

	// The same request may be retried once the ledger is back.
	_, err = srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodeKeyServiceUnavailable)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.srv.FetchKey(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBadEphemeralKeyIsMalformed(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)
	req.EphemeralKey = []byte{1, 2, 3}
	sig, err := f.owner.Sign(req.SignedScope())
	require.NoError(t, err)
	req.Signature = sig

	_, err = f.srv.FetchKey(context.Background(), req)
	requireCode(t, err, sealerr.CodeMalformedCredential)
}

func TestRequestCodecRoundTrip(t *testing.T) {
	f := newFixture(t)
	req, _ := f.request(t, f.owner, f.cred, f.id)

	back, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req.Encode(), back.Encode())
	require.True(t, req.IssuedAt.Equal(back.IssuedAt))
	require.Equal(t, req.Sender(), back.Sender())

	_, err = DecodeRequest(append(req.Encode(), 0))
	requireCode(t, err, sealerr.CodeMalformedCredential)
	_, err = DecodeRequest([]byte{0x09})
	requireCode(t, err, sealerr.CodeMalformedCredential)

	resp := &Response{ServerID: "ks", Enc: []byte{1}, Sealed: []byte{2, 3}}
	gotResp, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
	_, err = DecodeResponse(resp.Encode()[:3])
	requireCode(t, err, sealerr.CodeIntegrityError)
}

func TestNonceCache(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	nc := NewNonceCache(time.Minute, clock)

	require.False(t, nc.Record([NonceSize]byte{}))
	n := [NonceSize]byte{1}
	require.True(t, nc.Record(n))
	require.False(t, nc.Record(n))

	clock.Advance(2 * time.Minute)
	require.True(t, nc.Record([NonceSize]byte{2}))
	require.Equal(t, 1, nc.Len())
	require.True(t, nc.Record(n))
}

func TestMasterKeyFile(t *testing.T) {
	m, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ks", "master.key")

	require.NoError(t, WriteMasterKey(path, m))
	require.Error(t, WriteMasterKey(path, m))

	back, err := LoadMasterKey(path)
	require.NoError(t, err)
	require.True(t, m.PublicKey().Equal(back.PublicKey()))
}

func TestNewValidatesOptions(t *testing.T) {
	m, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	_, err = New(nil, Options{ID: "x", Policy: brokenLedger{}})
	require.Error(t, err)
	_, err = New(m, Options{Policy: brokenLedger{}})
	require.Error(t, err)
	_, err = New(m, Options{ID: "x"})
	require.Error(t, err)
}
