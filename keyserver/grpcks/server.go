package grpcks

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keyserver"
)

// Server exposes a key server over the KeyServer gRPC service.
type Server struct {
	UnimplementedKeyServerServer
	Backend keyserver.Client
	Logger  *logrus.Logger
}

func (s *Server) log() *logrus.Logger { return logx.OrDiscard(s.Logger) }

func (s *Server) PublicKey(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing key server")
	}
	pk, err := s.Backend.PublicKey(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(pk), nil
}

func (s *Server) FetchKey(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing key server")
	}
	req, err := keyserver.DecodeRequest(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.Backend.FetchKey(ctx, req)
	if err != nil {
		if status.Code(toStatus(err)) == codes.Internal {
			s.log().WithError(err).WithField("server", s.Backend.ID()).Warn("fetch key failed")
		}
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(resp.Encode()), nil
}
