package server

import (
	"context"
	"errors"

	"SwapLedger/internal/order"
	"SwapLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrorKindKey is the trailer carrying order.KindOf of a failed call.
const ErrorKindKey = "swap-error-kind"

// codeOf maps a domain error onto a gRPC status code.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Code()
	case errors.Is(err, order.ErrDuplicateListing):
		return codes.AlreadyExists
	case errors.Is(err, order.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, order.ErrNotOpen):
		return codes.FailedPrecondition
	case errors.Is(err, order.ErrExpired):
		return codes.FailedPrecondition
	case errors.Is(err, order.ErrInsufficientPayment):
		return codes.InvalidArgument
	case errors.Is(err, order.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, order.ErrInvalidParameters):
		return codes.InvalidArgument
	case errors.Is(err, order.ErrLedgerFailure):
		return codes.Aborted
	case errors.Is(err, query.ErrUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts err for the wire and records its kind in the trailer.
// Errors that already are statuses pass through.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := order.KindOf(err)
	if kind != "internal" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorKindKey, kind))
	}
	return status.Error(codeOf(err), err.Error())
}

// FromStatus rebuilds the domain error of a failed call. trailer is the
// metadata captured with grpc.Trailer; without a kind the status is
// returned unchanged.
func FromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	kinds := trailer.Get(ErrorKindKey)
	if len(kinds) == 0 {
		return err
	}
	return order.FromKind(kinds[0], status.Convert(err).Message())
}
