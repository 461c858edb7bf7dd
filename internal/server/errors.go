package server

import (
	"context"
	"errors"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a service error onto a gRPC status. Errors that already
// carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrNotFound), errors.Is(err, bridge.ErrUnknownTransfer):
		return codes.NotFound
	case errors.Is(err, bridge.ErrRecordConflict):
		return codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return codes.InvalidArgument
	case fault.KindRetryable:
		return codes.Unavailable
	case fault.KindInvariant:
		return codes.FailedPrecondition
	case fault.KindUnauthorized:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}
