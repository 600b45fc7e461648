package server

import (
	"context"
	"errors"

	"SecuritiesVenue/internal/compliance"
	"SecuritiesVenue/internal/venue"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeTable = []struct {
	code codes.Code
	errs []error
}{
	{codes.AlreadyExists, []error{venue.ErrDuplicateRequest, venue.ErrMarketExists, venue.ErrPositionExists}},
	{codes.NotFound, []error{venue.ErrMarketNotFound, venue.ErrPositionNotFound, venue.ErrOrderNotFound}},
	{codes.PermissionDenied, []error{
		compliance.ErrNotVerified, compliance.ErrInsufficientKYC,
		compliance.ErrRestrictedRegion, compliance.ErrLeverageNotAllowed,
	}},
	{codes.InvalidArgument, []error{
		venue.ErrInvalidAmount, venue.ErrInvalidLeverage, venue.ErrInvalidFee,
		venue.ErrInvalidParams, venue.ErrMathOverflow,
	}},
	{codes.FailedPrecondition, []error{
		venue.ErrMarketNotActive, venue.ErrPoolNotActive, venue.ErrOrderNotActive, venue.ErrOrderExpired,
		venue.ErrInvalidTransition, venue.ErrAlreadySettled, venue.ErrNotSettleable,
		venue.ErrInsufficientLiquidity, venue.ErrSlippageExceeded, venue.ErrInsufficientCollateral,
		venue.ErrNotLiquidatable,
	}},
	{codes.Unavailable, []error{venue.ErrHalted}},
}

// Code classifies an engine, compliance or validation error.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return codes.InvalidArgument
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	for _, row := range codeTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return codes.Internal
}

// toStatus converts err into a gRPC status error. Internal errors keep a
// generic message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := Code(err)
	if code == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
