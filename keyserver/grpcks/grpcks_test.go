package grpcks

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/keyserver"
	"xdao.co/sealgate/ledger"
	"xdao.co/sealgate/retry"
	"xdao.co/sealgate/sealerr"
)

func startServer(t *testing.T, backend keyserver.Client, p retry.Policy) *Client {
	t.Helper()
	return serve(t, backend, DialOptions{Timeout: 2 * time.Second, Retry: p})
}

func serve(t *testing.T, backend keyserver.Client, opts DialOptions) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterKeyServerServer(srv, &Server{Backend: backend})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	opts.Extra = append(opts.Extra, grpc.WithContextDialer(dialer))
	client, err := Dial(backend.ID(), "passthrough:///bufnet", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFetchKeyOverGRPC(t *testing.T) {
	pkg := ids.ObjectID{0x77}
	led := ledger.NewMemory(pkg, nil)
	owner, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{4}, keys.SeedSize))
	require.NoError(t, err)
	pub, oc := led.CreatePublication(keys.SignerAddress(owner), "P1")
	id, err := identity.Encode(pub.ID, "art1")
	require.NoError(t, err)

	master, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	ks, err := keyserver.New(master, keyserver.Options{ID: "ks-1", Policy: led.Policy()})
	require.NoError(t, err)
	client := startServer(t, ks, retry.None())
	ctx := context.Background()

	pkBytes, err := client.PublicKey(ctx)
	require.NoError(t, err)
	pk, err := ibe.ParsePublicKey(pkBytes)
	require.NoError(t, err)
	require.True(t, pk.Equal(master.PublicKey()))

	build := func(c credential.Credential) *keyserver.Request {
		tx, err := evidence.Builder{Sender: keys.SignerAddress(owner), Package: pkg}.Build(c, id)
		require.NoError(t, err)
		eph, err := keyserver.NewEphemeralKey(rand.Reader)
		require.NoError(t, err)
		req, err := keyserver.NewRequest(owner, id, tx, eph, time.Now(), rand.Reader)
		require.NoError(t, err)
		return req
	}

	resp, err := client.FetchKey(ctx, build(credential.OwnerCapability{Capability: oc.ID, Publication: pub.ID}))
	require.NoError(t, err)
	require.Equal(t, "ks-1", resp.ServerID)

	_, err = client.FetchKey(ctx, build(credential.Allowlist{Policy: ids.ObjectID{0x99}}))
	require.True(t, sealerr.Is(err, sealerr.CodePolicyDenied), "got %v", err)
	require.NotContains(t, err.Error(), "PolicyDenied: PolicyDenied")

	bad := build(credential.OwnerCapability{Capability: oc.ID, Publication: pub.ID})
	bad.Alg = "rsa"
	_, err = client.FetchKey(ctx, bad)
	require.True(t, sealerr.Is(err, sealerr.CodeMalformedCredential), "got %v", err)
	require.NotContains(t, err.Error(), "MalformedCredential: MalformedCredential")
}

// slowFirst stalls its first check past the caller's deadline, then
// defers to next.
type slowFirst struct {
	next  keyserver.Checker
	delay time.Duration
	calls atomic.Int32
}

func (c *slowFirst) Execute(ctx context.Context, tx evidence.Transaction) error {
	if c.calls.Add(1) == 1 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.next.Execute(ctx, tx)
}

func TestTimedOutAttemptIsRetriedWithFreshNonce(t *testing.T) {
	pkg := ids.ObjectID{0x78}
	led := ledger.NewMemory(pkg, nil)
	owner, err := keys.NewSigner(keys.AlgEd25519, bytes.Repeat([]byte{5}, keys.SeedSize))
	require.NoError(t, err)
	pub, oc := led.CreatePublication(keys.SignerAddress(owner), "P1")
	id, err := identity.Encode(pub.ID, "art1")
	require.NoError(t, err)

	master, err := ibe.GenerateMasterKey(rand.Reader)
	require.NoError(t, err)
	checker := &slowFirst{next: led.Policy(), delay: 300 * time.Millisecond}
	ks, err := keyserver.New(master, keyserver.Options{ID: "ks-1", Policy: checker})
	require.NoError(t, err)
	client := serve(t, ks, DialOptions{Timeout: 100 * time.Millisecond, Retry: fastRetry(3)})

	tx, err := evidence.Builder{Sender: keys.SignerAddress(owner), Package: pkg}.Build(
		credential.OwnerCapability{Capability: oc.ID, Publication: pub.ID}, id)
	require.NoError(t, err)
	eph, err := keyserver.NewEphemeralKey(rand.Reader)
	require.NoError(t, err)
	req, err := keyserver.NewRequest(owner, id, tx, eph, time.Now(), rand.Reader)
	require.NoError(t, err)

	resp, err := client.FetchKey(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ks-1", resp.ServerID)
	require.GreaterOrEqual(t, checker.calls.Load(), int32(2))

	raw, err := eph.Open(resp, id.Bytes())
	require.NoError(t, err)
	uk, err := ibe.ParseUserKey(raw)
	require.NoError(t, err)
	require.True(t, master.PublicKey().Verify(id.Bytes(), uk))
}

// scripted returns a fixed error for the first failures calls.
type scripted struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (s *scripted) ID() string { return "scripted" }

func (s *scripted) PublicKey(context.Context) ([]byte, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, s.err
	}
	return []byte{1, 2, 3}, nil
}

func (s *scripted) FetchKey(context.Context, *keyserver.Request) (*keyserver.Response, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, s.err
	}
	return &keyserver.Response{ServerID: "scripted"}, nil
}

func fastRetry(n int) retry.Policy {
	return retry.Policy{MaxAttempts: n, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	backend := &scripted{failures: 2, err: sealerr.New(sealerr.CodeKeyServiceUnavailable, "ledger down")}
	client := startServer(t, backend, fastRetry(3))

	pk, err := client.PublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, pk)
	require.Equal(t, int32(3), backend.calls.Load())
}

func TestRetryExhaustionIsUnavailable(t *testing.T) {
	backend := &scripted{failures: 10, err: sealerr.New(sealerr.CodeKeyServiceUnavailable, "ledger down")}
	client := startServer(t, backend, fastRetry(2))

	_, err := client.FetchKey(context.Background(), &keyserver.Request{})
	require.True(t, sealerr.Is(err, sealerr.CodeKeyServiceUnavailable), "got %v", err)
	require.Equal(t, int32(2), backend.calls.Load())
}

func TestDenialIsNotRetried(t *testing.T) {
	backend := &scripted{failures: 10, err: sealerr.New(sealerr.CodePolicyDenied, "no")}
	client := startServer(t, backend, fastRetry(5))

	_, err := client.FetchKey(context.Background(), &keyserver.Request{})
	require.True(t, sealerr.Is(err, sealerr.CodePolicyDenied), "got %v", err)
	require.Equal(t, int32(1), backend.calls.Load())
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())
	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	client, err := Dial("gone", "passthrough:///bufnet", DialOptions{
		Timeout: 200 * time.Millisecond,
		Retry:   fastRetry(1),
		Extra:   []grpc.DialOption{grpc.WithContextDialer(dialer)},
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.PublicKey(context.Background())
	require.True(t, sealerr.Is(err, sealerr.CodeKeyServiceUnavailable), "got %v", err)
}
