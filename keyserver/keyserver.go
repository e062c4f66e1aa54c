// Package keyserver implements one independent key server of the threshold
// scheme and the request protocol callers use to reach it.
//
// A server releases the user key for an identity only after it has
// authenticated the request and dry-run the attached policy evidence
// against live ledger state. Nothing is cached between requests except
// replay nonces.
package keyserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/ledger"
	"xdao.co/sealgate/sealerr"
)

const (
	DefaultRequestTTL = 5 * time.Minute
	DefaultClockSkew  = 30 * time.Second
)

// Client is what the gateway needs from a key server, local or remote.
type Client interface {
	ID() string
	PublicKey(ctx context.Context) ([]byte, error)
	FetchKey(ctx context.Context, req *Request) (*Response, error)
}

// Checker dry-runs policy evidence. *ledger.Policy implements it.
type Checker interface {
	Execute(ctx context.Context, tx evidence.Transaction) error
}

type Options struct {
	ID         string
	Policy     Checker
	RequestTTL time.Duration
	ClockSkew  time.Duration
	Clock      ledger.Clock
	Rand       io.Reader
	Logger     *logrus.Logger
}

// Server is an in-process key server. It satisfies Client directly.
type Server struct {
	id     string
	master *ibe.MasterKey
	pub    []byte
	policy Checker
	ttl    time.Duration
	skew   time.Duration
	clock  ledger.Clock
	rand   io.Reader
	nonces *NonceCache
	log    *logrus.Logger
}

var _ Client = (*Server)(nil)

func New(master *ibe.MasterKey, opts Options) (*Server, error) {
	if master == nil {
		return nil, errors.New("keyserver: missing master key")
	}
	if opts.ID == "" {
		return nil, errors.New("keyserver: missing server id")
	}
	if opts.Policy == nil {
		return nil, errors.New("keyserver: missing policy checker")
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.Clock == nil {
		opts.Clock = ledger.SystemClock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	pub, err := master.PublicKey().MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Server{
		id:     opts.ID,
		master: master,
		pub:    pub,
		policy: opts.Policy,
		ttl:    opts.RequestTTL,
		skew:   opts.ClockSkew,
		clock:  opts.Clock,
		rand:   opts.Rand,
		nonces: NewNonceCache(opts.RequestTTL+opts.ClockSkew, opts.Clock),
		log:    logx.OrDiscard(opts.Logger),
	}, nil
}

func (s *Server) ID() string { return s.id }

func (s *Server) PublicKey(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.pub...), nil
}

func deny(msg string) error { return sealerr.New(sealerr.CodePolicyDenied, msg) }

// FetchKey authenticates req, checks its evidence, and returns the user key
// for req.Identity sealed to req.EphemeralKey.
func (s *Server) FetchKey(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.fetchKey(ctx, req)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"server": s.id,
			"code":   sealerr.CodeOf(err),
		}).Debug("key request refused")
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"server": s.id}).Debug("key released")
	return resp, nil
}

func (s *Server) fetchKey(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, sealerr.New(sealerr.CodeMalformedCredential, "request: empty")
	}
	alg, err := keys.ParseAlg(string(req.Alg))
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, "request: signer", err)
	}
	if err := keys.Verify(alg, req.SignerKey, req.SignedScope(), req.Signature); err != nil {
		return nil, sealerr.Wrap(sealerr.CodePolicyDenied, "request: signature", err)
	}

	now := s.clock.Now()
	switch {
	case now.Sub(req.IssuedAt) > s.ttl:
		return nil, deny("request: expired")
	case req.IssuedAt.Sub(now) > s.skew:
		return nil, deny("request: issued in the future")
	}

	id, err := identity.Decode(req.Identity)
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, "request: identity", err)
	}
	tx, err := evidence.Decode(req.Evidence)
	if err != nil {
		return nil, err
	}
	if tx.Sender != req.Sender() {
		return nil, deny("request: signer is not the evidence sender")
	}
	named, err := ledger.IdentityOf(tx)
	if err != nil {
		return nil, err
	}
	if !named.Equal(id) {
		return nil, deny("request: evidence names a different identity")
	}

	if !s.nonces.Record(req.Nonce) {
		return nil, deny("request: replayed nonce")
	}

	if err := s.policy.Execute(ctx, tx); err != nil {
		switch {
		case sealerr.Is(err, sealerr.CodePolicyDenied):
			return nil, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.nonces.Forget(req.Nonce)
			return nil, err
		default:
			s.nonces.Forget(req.Nonce)
			return nil, sealerr.Wrap(sealerr.CodeKeyServiceUnavailable, "ledger read failed", err)
		}
	}

	uk, err := s.master.Extract(req.Identity).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keyserver: %w", err)
	}
	enc, sealed, err := seal(s.rand, req.EphemeralKey, uk, req.Identity)
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, "request: ephemeral key", err)
	}
	return &Response{ServerID: s.id, Enc: enc, Sealed: sealed}, nil
}
