// Package resolver turns an encrypted blob and a list of candidate
// credentials into a single access decision.
//
// Candidates are tried one at a time in credential priority order. The
// first candidate whose evidence the key servers accept wins. Authorization
// failures are absorbed and never surfaced individually; systemic failures
// (key service outage, threshold shortfall, corrupted or mismatched data)
// end the resolution with that error.
package resolver

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/sealerr"
)

type State string

const (
	StateGranted State = "Granted"
	StateDenied  State = "Denied"
)

// Decision is the only observable outcome of a resolution. Reason is set
// for denials and is either NoAccess or Cancelled.
type Decision struct {
	State     State
	Plaintext []byte
	Reason    sealerr.Code
}

func (d Decision) Granted() bool { return d.State == StateGranted }

func granted(p []byte) Decision           { return Decision{State: StateGranted, Plaintext: p} }
func denied(reason sealerr.Code) Decision { return Decision{State: StateDenied, Reason: reason} }

// Decrypter is the gateway operation the resolver drives.
type Decrypter interface {
	Decrypt(ctx context.Context, blob []byte, id identity.ContentIdentity, tx evidence.Transaction) ([]byte, error)
}

type Options struct {
	Logger *logrus.Logger
}

// Resolver holds no state across calls and is safe for concurrent use.
type Resolver struct {
	gateway Decrypter
	builder evidence.Builder
	log     *logrus.Logger
}

func New(gateway Decrypter, builder evidence.Builder, opts Options) *Resolver {
	return &Resolver{gateway: gateway, builder: builder, log: logx.OrDiscard(opts.Logger)}
}

// Resolve attempts candidates sequentially. It returns a Decision for
// granted, exhausted and cancelled resolutions, and an error for anything
// that is not an authorization gap.
func (r *Resolver) Resolve(ctx context.Context, blob []byte, id identity.ContentIdentity, candidates []credential.Credential) (Decision, error) {
	for i, c := range credential.ByPriority(candidates) {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		fields := logrus.Fields{"candidate": i, "kind": kindOf(c)}

		plaintext, err := r.attempt(ctx, blob, id, c)
		switch {
		case err == nil:
			r.log.WithFields(fields).Debug("candidate granted")
			return granted(plaintext), nil
		case isCancelled(ctx, err):
			r.log.WithFields(fields).Debug("resolution cancelled")
			return denied(sealerr.CodeCancelled), nil
		case sealerr.ClassOf(err) == sealerr.ClassAuthorization:
			r.log.WithFields(fields).Debug("candidate rejected")
			continue
		default:
			r.log.WithFields(fields).Debug("resolution aborted")
			return Decision{}, err
		}
	}
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	return denied(sealerr.CodeNoAccess), nil
}

// interrupted ends a resolution whose ctx is done. Cancellation is a
// Decision; an expired deadline is a key-service failure like any other
// timeout.
func interrupted(ctx context.Context) (Decision, error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return denied(sealerr.CodeCancelled), nil
	}
	return Decision{}, sealerr.Wrap(sealerr.CodeKeyServiceUnavailable, "resolution deadline exceeded", ctx.Err())
}

func (r *Resolver) attempt(ctx context.Context, blob []byte, id identity.ContentIdentity, c credential.Credential) ([]byte, error) {
	if err := credential.Check(c); err != nil {
		return nil, err
	}
	tx, err := r.builder.Build(c, id)
	if err != nil {
		return nil, err
	}
	return r.gateway.Decrypt(ctx, blob, id, tx)
}

func isCancelled(ctx context.Context, err error) bool {
	if sealerr.Is(err, sealerr.CodeCancelled) || errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}

func kindOf(c credential.Credential) string {
	if c == nil {
		return "nil"
	}
	return c.Kind().String()
}

// Require converts a Decision into the caller-facing result: the plaintext,
// or a NoAccess / Cancelled error.
func Require(d Decision) ([]byte, error) {
	if d.Granted() {
		return d.Plaintext, nil
	}
	reason := d.Reason
	if reason == "" {
		reason = sealerr.CodeNoAccess
	}
	if reason == sealerr.CodeCancelled {
		return nil, sealerr.New(sealerr.CodeCancelled, "resolution cancelled")
	}
	return nil, sealerr.New(sealerr.CodeNoAccess, "access denied")
}
