package server

import (
	"context"
	"errors"

	"EscrowLedger/internal/core"
	escrowerr "EscrowLedger/internal/errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code maps a ledger error to its gRPC status code
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, escrowerr.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, escrowerr.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, escrowerr.ErrInvalidState), errors.Is(err, escrowerr.ErrSoldOut):
		return codes.FailedPrecondition
	case errors.Is(err, escrowerr.ErrTransferFailed):
		return codes.Aborted
	case errors.Is(err, escrowerr.ErrArbitrationUnavailable), errors.Is(err, core.ErrSequencerStopped):
		return codes.Unavailable
	case errors.Is(err, escrowerr.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	// overflow, invariant violations and anything unclassified
	return codes.Internal
}

// ToStatus converts err into a gRPC status error. Errors that already carry
// a status are returned unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}
