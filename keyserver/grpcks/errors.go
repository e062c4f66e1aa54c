package grpcks

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"xdao.co/sealgate/sealerr"
)

// toStatus maps a key-server error onto the gRPC status a remote caller
// will see.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	switch sealerr.CodeOf(err) {
	case sealerr.CodePolicyDenied:
		return status.Error(codes.PermissionDenied, err.Error())
	case sealerr.CodeMalformedCredential, sealerr.CodeUnsupportedCredential:
		return status.Error(codes.InvalidArgument, err.Error())
	case sealerr.CodeKeyServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, "key server failure")
}

// fromStatus is the client-side inverse of toStatus.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return sealerr.Wrap(sealerr.CodeKeyServiceUnavailable, "key server call failed", err)
	}
	switch st.Code() {
	case codes.PermissionDenied:
		return remoteError(sealerr.CodePolicyDenied, st.Message())
	case codes.InvalidArgument:
		return remoteError(sealerr.CodeMalformedCredential, st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return sealerr.Wrap(sealerr.CodeKeyServiceUnavailable, "key server call failed", err)
	}
}

// remoteError rebuilds a server error from its status message, which
// already carries the server's "<Code>: " prefix.
func remoteError(code sealerr.Code, msg string) error {
	if prefix, rest, ok := strings.Cut(msg, ": "); ok && sealerr.Code(prefix).Class() != sealerr.ClassUnknown {
		msg = rest
	}
	return sealerr.New(code, msg)
}
