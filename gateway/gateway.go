// Package gateway encrypts content under a ContentIdentity for a t-of-n set
// of key servers, and decrypts it again once enough servers release their
// user keys for that identity.
//
// The data key is a random ristretto255 scalar split with Shamir sharing.
// Share i is masked with a Boneh-Franklin mask only key server i can
// reproduce, and only after it has checked the caller's policy evidence.
package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/secretsharing"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/keyserver"
	"xdao.co/sealgate/ledger"
	"xdao.co/sealgate/sealerr"
)

const DefaultTimeout = 10 * time.Second

var demTag = []byte("sealgate-dem-v1")

// KeyServer is one configured member of the threshold set. PublicKey, when
// set, pins the server's IBE public key; otherwise it is fetched.
type KeyServer struct {
	Client    keyserver.Client
	PublicKey []byte
}

type Options struct {
	Servers []KeyServer

	// Signer authenticates decrypt requests. Encrypt does not need it.
	Signer keys.Signer

	// Timeout bounds each call to a single key server.
	Timeout time.Duration

	Clock  ledger.Clock
	Rand   io.Reader
	Logger *logrus.Logger
}

// Threshold is a t-of-n configuration.
type Threshold struct {
	T int
	N int
}

func (t Threshold) String() string { return fmt.Sprintf("%d-of-%d", t.T, t.N) }

type member struct {
	client keyserver.Client
	pinned *ibe.PublicKey
}

// Gateway is safe for concurrent use. It holds no plaintext or key material
// beyond a single call.
type Gateway struct {
	servers []member
	byID    map[string]int
	signer  keys.Signer
	timeout time.Duration
	clock   ledger.Clock
	rand    io.Reader
	log     *logrus.Logger
}

func New(opts Options) (*Gateway, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("gateway: no key servers configured")
	}
	g := &Gateway{
		byID:    make(map[string]int, len(opts.Servers)),
		signer:  opts.Signer,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		rand:    opts.Rand,
		log:     logx.OrDiscard(opts.Logger),
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.clock == nil {
		g.clock = ledger.SystemClock()
	}
	if g.rand == nil {
		g.rand = rand.Reader
	}
	for i, s := range opts.Servers {
		if s.Client == nil {
			return nil, fmt.Errorf("gateway: key server %d has no client", i)
		}
		id := s.Client.ID()
		if id == "" {
			return nil, fmt.Errorf("gateway: key server %d has no id", i)
		}
		if _, dup := g.byID[id]; dup {
			return nil, fmt.Errorf("gateway: duplicate key server id %q", id)
		}
		m := member{client: s.Client}
		if len(s.PublicKey) > 0 {
			pk, err := ibe.ParsePublicKey(s.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("gateway: key server %q: %w", id, err)
			}
			m.pinned = pk
		}
		g.byID[id] = len(g.servers)
		g.servers = append(g.servers, m)
	}
	return g, nil
}

// Servers returns the configured server ids in order.
func (g *Gateway) Servers() []string {
	out := make([]string, len(g.servers))
	for i, m := range g.servers {
		out[i] = m.client.ID()
	}
	return out
}

// Signer returns the configured request signer, or nil.
func (g *Gateway) Signer() keys.Signer { return g.signer }

func (g *Gateway) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// publicKey returns the server's key, fetching it unless pinned. A fetched
// key that contradicts the pin is an error.
func (g *Gateway) publicKey(ctx context.Context, m member) (*ibe.PublicKey, error) {
	ctx, cancel := g.call(ctx)
	defer cancel()
	raw, err := m.client.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	pk, err := ibe.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("public key of %q: %w", m.client.ID(), err)
	}
	if m.pinned != nil && !pk.Equal(m.pinned) {
		return nil, fmt.Errorf("public key of %q does not match the pinned key", m.client.ID())
	}
	return pk, nil
}

func demKey(secret group.Scalar) ([]byte, error) {
	b, err := secret.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := sha3.New256()
	_, _ = h.Write(demTag)
	_, _ = h.Write(b)
	return h.Sum(nil), nil
}

// Encrypt seals plaintext under id for thr.N of the configured servers.
//
// Every server is asked for its public key concurrently. If fewer than thr.T
// answer, Encrypt fails with KeyServiceUnavailable; otherwise shares go to the
// first thr.N responders in configured order.
func (g *Gateway) Encrypt(ctx context.Context, plaintext []byte, id identity.ContentIdentity, thr Threshold) ([]byte, error) {
	switch {
	case thr.T < 1 || thr.N < 1 || thr.T > thr.N:
		return nil, sealerr.New(sealerr.CodeInvalidThreshold, "threshold "+thr.String())
	case thr.N > len(g.servers) || thr.N > MaxShares:
		return nil, sealerr.New(sealerr.CodeInvalidThreshold, fmt.Sprintf("threshold %s exceeds %d configured key servers", thr, len(g.servers)))
	case id.IsZero():
		return nil, sealerr.New(sealerr.CodeInvalidLabel, "empty identity")
	}

	pks := make([]*ibe.PublicKey, len(g.servers))
	var wg sync.WaitGroup
	for i, m := range g.servers {
		wg.Add(1)
		go func(i int, m member) {
			defer wg.Done()
			pk, err := g.publicKey(ctx, m)
			if err != nil {
				g.log.WithFields(logrus.Fields{"server": m.client.ID()}).WithError(err).Debug("public key unavailable")
				return
			}
			pks[i] = pk
		}(i, m)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	var chosen []int
	for i, pk := range pks {
		if pk != nil && len(chosen) < thr.N {
			chosen = append(chosen, i)
		}
	}
	if len(chosen) < thr.T {
		return nil, sealerr.New(sealerr.CodeKeyServiceUnavailable,
			fmt.Sprintf("%d of %d key servers responded, need %d", len(chosen), len(g.servers), thr.T))
	}

	secret := group.Ristretto255.RandomNonZeroScalar(g.rand)
	shares := secretsharing.New(g.rand, uint(thr.T-1), secret).Share(uint(len(chosen)))
	enc, err := ibe.NewEncryptor(g.rand)
	if err != nil {
		return nil, err
	}

	idBytes := id.Bytes()
	obj := &EncryptedObject{Identity: id, Threshold: thr.T, Header: enc.Header()}
	for j, i := range chosen {
		index := uint32(j + 1)
		value, err := shares[j].Value.MarshalBinary()
		if err != nil {
			return nil, err
		}
		mask, err := enc.Mask(pks[i], idBytes, index)
		if err != nil {
			return nil, err
		}
		obj.Shares = append(obj.Shares, ShareEntry{
			ServerID:  g.servers[i].client.ID(),
			Index:     index,
			Encrypted: ibe.XOR(value, mask),
		})
	}

	key, err := demKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	obj.Nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(g.rand, obj.Nonce); err != nil {
		return nil, fmt.Errorf("gateway: nonce: %w", err)
	}
	obj.Ciphertext = aead.Seal(nil, obj.Nonce, plaintext, idBytes)

	g.log.WithFields(logrus.Fields{
		"threshold": Threshold{T: thr.T, N: len(chosen)}.String(),
		"size":      len(plaintext),
	}).Debug("encrypted")
	return obj.Encode(), nil
}

func cancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return sealerr.Wrap(sealerr.CodeCancelled, "cancelled", err)
	}
	return sealerr.Wrap(sealerr.CodeKeyServiceUnavailable, "deadline exceeded", err)
}

type outcome int

const (
	outcomeUnreachable outcome = iota
	outcomeDenied
	outcomeInvalid
	outcomeValid
)

type shareResult struct {
	entry   ShareEntry
	outcome outcome
	value   group.Scalar
}

// Decrypt asks the share holders of blob for their user keys, authorised
// by tx, and opens blob once Threshold valid shares are in hand.
//
// Failures, in order of precedence: IntegrityError for an unparsable or
// tampered blob, IdentityMismatch when blob was sealed for another identity,
// PolicyDenied when any server refused the evidence, KeyServiceUnavailable
// when fewer than t servers could be reached, and ThresholdNotMet otherwise.
func (g *Gateway) Decrypt(ctx context.Context, blob []byte, id identity.ContentIdentity, tx evidence.Transaction) ([]byte, error) {
	obj, err := ParseObject(blob)
	if err != nil {
		return nil, err
	}
	if !obj.Identity.Equal(id) {
		return nil, sealerr.New(sealerr.CodeIdentityMismatch, "blob was sealed for a different identity")
	}
	if g.signer == nil {
		return nil, errors.New("gateway: no request signer configured")
	}

	eph, err := keyserver.NewEphemeralKey(g.rand)
	if err != nil {
		return nil, err
	}
	req, err := keyserver.NewRequest(g.signer, id, tx, eph, g.clock.Now(), g.rand)
	if err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	results := make(chan shareResult, len(obj.Shares))
	pending := 0
	for _, e := range obj.Shares {
		i, ok := g.byID[e.ServerID]
		if !ok {
			results <- shareResult{entry: e, outcome: outcomeUnreachable}
			pending++
			continue
		}
		pending++
		go func(m member, e ShareEntry) {
			results <- g.fetchShare(ctx, m, e, obj, req, eph)
		}(g.servers[i], e)
	}

	var (
		valid                       []secretsharing.Share
		denied, reachable, received int
	)
	for received < pending && len(valid) < obj.Threshold {
		r := <-results
		received++
		switch r.outcome {
		case outcomeValid:
			reachable++
			valid = append(valid, secretsharing.Share{
				ID:    group.Ristretto255.NewScalar().SetUint64(uint64(r.entry.Index)),
				Value: r.value,
			})
		case outcomeDenied:
			reachable++
			denied++
		case outcomeInvalid:
			reachable++
		}
	}
	cancel()

	if len(valid) < obj.Threshold {
		if err := parent.Err(); err != nil {
			return nil, cancelled(err)
		}
		switch {
		case denied > 0:
			return nil, sealerr.New(sealerr.CodePolicyDenied, "key servers refused the evidence")
		case reachable < obj.Threshold:
			return nil, sealerr.New(sealerr.CodeKeyServiceUnavailable,
				fmt.Sprintf("%d of %d share holders reachable, need %d", reachable, len(obj.Shares), obj.Threshold))
		default:
			return nil, sealerr.New(sealerr.CodeThresholdNotMet,
				fmt.Sprintf("%d valid shares, need %d", len(valid), obj.Threshold))
		}
	}

	secret, err := secretsharing.Recover(uint(obj.Threshold-1), valid)
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeThresholdNotMet, "share recovery failed", err)
	}
	key, err := demKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, obj.Nonce, obj.Ciphertext, obj.Identity.Bytes())
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeIntegrityError, "ciphertext failed authentication", err)
	}
	return plaintext, nil
}

func (g *Gateway) fetchShare(ctx context.Context, m member, e ShareEntry, obj *EncryptedObject, req *keyserver.Request, eph *keyserver.EphemeralKey) shareResult {
	res := shareResult{entry: e, outcome: outcomeUnreachable}
	logf := g.log.WithFields(logrus.Fields{"server": e.ServerID, "index": e.Index})

	pk, err := g.publicKey(ctx, m)
	if err != nil {
		logf.WithError(err).Debug("share holder unreachable")
		return res
	}

	callCtx, cancel := g.call(ctx)
	resp, err := m.client.FetchKey(callCtx, req)
	cancel()
	if err != nil {
		switch sealerr.ClassOf(err) {
		case sealerr.ClassAuthorization:
			res.outcome = outcomeDenied
		default:
			res.outcome = outcomeUnreachable
		}
		logf.WithField("code", sealerr.CodeOf(err)).Debug("share refused")
		return res
	}

	res.outcome = outcomeInvalid
	idBytes := obj.Identity.Bytes()
	raw, err := eph.Open(resp, idBytes)
	if err != nil {
		logf.Debug("response did not open")
		return res
	}
	uk, err := ibe.ParseUserKey(raw)
	if err != nil || !pk.Verify(idBytes, uk) {
		logf.Debug("user key failed verification")
		return res
	}
	mask, err := uk.Mask(obj.Header, idBytes, e.Index)
	if err != nil {
		return res
	}
	value := group.Ristretto255.NewScalar()
	if err := value.UnmarshalBinary(ibe.XOR(e.Encrypted, mask)); err != nil {
		logf.Debug("share did not decode")
		return res
	}
	res.outcome = outcomeValid
	res.value = value
	return res
}
