// Package sealgate is the caller-facing surface of the module: encrypt
// content under a (publication, label) identity, store it, and read it back
// with whatever credentials the caller holds.
//
// Callers only ever observe plaintext, a NoAccess or Cancelled denial, a
// ServiceUnavailable error when the key service could not be reached after
// retries, or a configuration or integrity fault. Which credential almost
// worked, and why each one failed, is never surfaced.
package sealgate

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"xdao.co/sealgate/blobstore"
	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/gateway"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/resolver"
	"xdao.co/sealgate/sealerr"
)

// DefaultThreshold is used when Options.Threshold is zero.
var DefaultThreshold = gateway.Threshold{T: 2, N: 3}

type Options struct {
	Gateway *gateway.Gateway
	// Blobs may be nil for callers that only use Encrypt and Decrypt.
	Blobs *blobstore.Adapter
	// Package is the deployed policy package evidence is addressed to.
	Package   ids.ObjectID
	Threshold gateway.Threshold
	// Retention is the number of storage epochs requested by Publish.
	Retention uint32
	Logger    *logrus.Logger
}

// Client wires the gateway, the blob store and a resolver for one signer.
// It holds no per-call state and may be shared between goroutines.
type Client struct {
	gw        *gateway.Gateway
	blobs     *blobstore.Adapter
	resolver  *resolver.Resolver
	threshold gateway.Threshold
	retention uint32
	log       *logrus.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Gateway == nil {
		return nil, errors.New("sealgate: gateway is required")
	}
	if opts.Package.IsZero() {
		return nil, errors.New("sealgate: policy package is required")
	}
	thr := opts.Threshold
	if thr == (gateway.Threshold{}) {
		thr = DefaultThreshold
	}
	log := logx.OrDiscard(opts.Logger)
	var sender ids.Address
	if s := opts.Gateway.Signer(); s != nil {
		sender = keys.SignerAddress(s)
	}
	builder := evidence.Builder{Sender: sender, Package: opts.Package}
	return &Client{
		gw:        opts.Gateway,
		blobs:     opts.Blobs,
		resolver:  resolver.New(opts.Gateway, builder, resolver.Options{Logger: log}),
		threshold: thr,
		retention: opts.Retention,
		log:       log,
	}, nil
}

// Threshold is the t-of-n used by Encrypt and Publish.
func (c *Client) Threshold() gateway.Threshold { return c.threshold }

// Encrypt derives the content identity for (publicationID, label) and
// encrypts plaintext under it.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte, publicationID ids.PublicationID, label string) (identity.ContentIdentity, []byte, error) {
	id, err := identity.Encode(publicationID, label)
	if err != nil {
		return identity.ContentIdentity{}, nil, err
	}
	blob, err := c.gw.Encrypt(ctx, plaintext, id, c.threshold)
	if err != nil {
		return identity.ContentIdentity{}, nil, surface(err)
	}
	return id, blob, nil
}

// Decrypt tries creds in priority order and returns the plaintext of the
// first one the key servers accept.
func (c *Client) Decrypt(ctx context.Context, blob []byte, id identity.ContentIdentity, creds ...credential.Credential) ([]byte, error) {
	d, err := c.resolver.Resolve(ctx, blob, id, creds)
	if err != nil {
		return nil, surface(err)
	}
	c.log.WithFields(logrus.Fields{"state": d.State, "reason": d.Reason}).Debug("resolution finished")
	return resolver.Require(d)
}

// Publish encrypts plaintext and stores the blob. A cancelled store yields
// no handle.
func (c *Client) Publish(ctx context.Context, plaintext []byte, publicationID ids.PublicationID, label string) (identity.ContentIdentity, blobstore.Handle, error) {
	if c.blobs == nil {
		return identity.ContentIdentity{}, blobstore.Handle{}, errNoBlobStore
	}
	id, blob, err := c.Encrypt(ctx, plaintext, publicationID, label)
	if err != nil {
		return identity.ContentIdentity{}, blobstore.Handle{}, err
	}
	h, err := c.blobs.Store(ctx, blob, c.retention)
	if err != nil {
		return identity.ContentIdentity{}, blobstore.Handle{}, err
	}
	c.log.WithFields(logrus.Fields{"handle": h.String(), "size": h.Size}).Info("published")
	return id, h, nil
}

// Fetch loads the blob behind h and decrypts it. Blobs that fail the
// integrity check never reach the gateway.
func (c *Client) Fetch(ctx context.Context, h blobstore.Handle, id identity.ContentIdentity, creds ...credential.Credential) ([]byte, error) {
	if c.blobs == nil {
		return nil, errNoBlobStore
	}
	blob, err := c.blobs.Load(ctx, h)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(ctx, blob, id, creds...)
}

var errNoBlobStore = sealerr.New(sealerr.CodeServiceUnavailable, "sealgate: no blob store configured")

// surface collapses transient key-service failures, which have already been
// retried by the transport, into ServiceUnavailable.
func surface(err error) error {
	if sealerr.IsTransient(err) {
		return sealerr.Wrap(sealerr.CodeServiceUnavailable, "key service unavailable", err)
	}
	return err
}
