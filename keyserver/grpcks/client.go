// Package grpcks carries the key-server protocol over gRPC.
package grpcks

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keyserver"
	"xdao.co/sealgate/retry"
)

// Client implements keyserver.Client against a remote key server.
//
// Each RPC attempt is bounded by Timeout. Transient failures
// (KeyServiceUnavailable) are retried under the configured policy; denials
// and malformed requests are returned at once.
type Client struct {
	id      string
	cc      *grpc.ClientConn
	client  KeyServerClient
	timeout time.Duration
	retry   retry.Policy
	log     *logrus.Logger
}

var _ keyserver.Client = (*Client)(nil)

type DialOptions struct {
	// Timeout bounds each RPC attempt when non-zero.
	Timeout time.Duration

	// Retry is the transient-failure policy. A zero MaxAttempts means
	// retry.Default().
	Retry retry.Policy

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Extra dial options, e.g. a bufconn dialer in tests.
	Extra []grpc.DialOption

	Logger *logrus.Logger
}

// Dial connects to the key server known to callers as id.
func Dial(id, target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, opts.Extra...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	p := opts.Retry
	if p.MaxAttempts == 0 {
		p = retry.Default()
	}
	c := &Client{
		id:      id,
		cc:      cc,
		client:  NewKeyServerClient(cc),
		timeout: opts.Timeout,
		retry:   p,
		log:     logx.OrDiscard(opts.Logger),
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.log.WithFields(logrus.Fields{
				"server":  c.id,
				"attempt": attempt,
				"delay":   delay,
			}).WithError(err).Debug("retrying key server call")
		}
	}
	return c, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) ID() string { return c.id }

func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	return retry.DoValue(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		ctx, cancel := c.rpcCtx(ctx)
		defer cancel()
		reply, err := c.client.PublicKey(ctx, &emptypb.Empty{})
		if err != nil {
			return nil, fromStatus(err)
		}
		return reply.GetValue(), nil
	})
}

// FetchKey sends req. Retries send req.Reissue() instead, so the server
// never sees a nonce it may already have recorded.
func (c *Client) FetchKey(ctx context.Context, req *keyserver.Request) (*keyserver.Response, error) {
	attempt := 0
	return retry.DoValue(ctx, c.retry, func(ctx context.Context) (*keyserver.Response, error) {
		cur := req
		if attempt > 0 {
			var err error
			if cur, err = req.Reissue(); err != nil {
				return nil, err
			}
		}
		attempt++

		ctx, cancel := c.rpcCtx(ctx)
		defer cancel()
		reply, err := c.client.FetchKey(ctx, wrapperspb.Bytes(cur.Encode()))
		if err != nil {
			return nil, fromStatus(err)
		}
		return keyserver.DecodeResponse(reply.GetValue())
	})
}

func (c *Client) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
