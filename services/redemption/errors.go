package redemption

import (
	"errors"
	"fmt"

	"getonblockchain/pkg/errutil"
)

type Code string

const (
	CodeNotAMember             Code = "NOT_A_MEMBER"
	CodeRewardNotFound         Code = "REWARD_NOT_FOUND"
	CodeRewardInactive         Code = "REWARD_INACTIVE"
	CodeRewardMerchantMismatch Code = "REWARD_MERCHANT_MISMATCH"
	CodeRewardNotEligible      Code = "REWARD_NOT_ELIGIBLE"
	CodeInsufficientPoints     Code = "INSUFFICIENT_POINTS"
	CodeInvalidQR              Code = "INVALID_QR"
	CodeWrongMerchant          Code = "WRONG_MERCHANT"
	CodeAlreadyRedeemed        Code = "ALREADY_REDEEMED"
	CodeDeclinedPreviously     Code = "DECLINED_PREVIOUSLY"
	CodeCancelledByMember      Code = "CANCELLED_BY_MEMBER"
	CodeExpired                Code = "EXPIRED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeInternal               Code = "INTERNAL"
)

// Error is the failure value of every redemption operation. Expected
// business outcomes carry their own Code; anything else is INTERNAL.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so callers can use errors.Is(err, ErrExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Status() errutil.CoreStatus {
	switch e.Code {
	case CodeNotFound, CodeRewardNotFound, CodeInvalidQR:
		return errutil.StatusNotFound
	case CodeUnauthorized, CodeWrongMerchant, CodeNotAMember:
		return errutil.StatusForbidden
	case CodeRewardInactive, CodeRewardMerchantMismatch, CodeRewardNotEligible, CodeInsufficientPoints:
		return errutil.StatusUnprocessableEntity
	case CodeAlreadyRedeemed, CodeDeclinedPreviously, CodeCancelledByMember, CodeInvalidState:
		return errutil.StatusConflict
	case CodeExpired:
		return errutil.StatusGone
	case CodeInvalidArgument:
		return errutil.StatusBadRequest
	default:
		return errutil.StatusInternal
	}
}

func (e *Error) ErrorCode() string {
	return string(e.Code)
}

// PublicMessage never includes the wrapped cause.
func (e *Error) PublicMessage() string {
	return e.Message
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrNotAMember             = newError(CodeNotAMember, "Member is not enrolled with this merchant")
	ErrRewardNotFound         = newError(CodeRewardNotFound, "Reward not found")
	ErrRewardInactive         = newError(CodeRewardInactive, "This reward is no longer available")
	ErrRewardMerchantMismatch = newError(CodeRewardMerchantMismatch, "Reward does not belong to this merchant")
	ErrRewardNotEligible      = newError(CodeRewardNotEligible, "Member is not eligible for this reward")
	ErrInsufficientPoints     = newError(CodeInsufficientPoints, "Insufficient points")
	ErrInvalidQR              = newError(CodeInvalidQR, "Invalid QR code")
	ErrWrongMerchant          = newError(CodeWrongMerchant, "This QR code belongs to a different merchant")
	ErrAlreadyRedeemed        = newError(CodeAlreadyRedeemed, "This reward has already been redeemed")
	ErrDeclinedPreviously     = newError(CodeDeclinedPreviously, "This redemption was declined")
	ErrCancelledByMember      = newError(CodeCancelledByMember, "This redemption was cancelled by the member")
	ErrExpired                = newError(CodeExpired, "This QR code has expired. Ask the member to generate a new one")
	ErrNotFound               = newError(CodeNotFound, "Redemption not found")
	ErrUnauthorized           = newError(CodeUnauthorized, "Not authorized for this redemption")
	ErrInvalidState           = newError(CodeInvalidState, "Redemption is no longer pending")
	ErrInvalidArgument        = newError(CodeInvalidArgument, "Invalid argument")
)

func insufficientPoints(has, needs int64) *Error {
	return newError(CodeInsufficientPoints, fmt.Sprintf("Insufficient points: has %d, needs %d", has, needs))
}

func invalidArgument(msg string) *Error {
	return newError(CodeInvalidArgument, msg)
}

func internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "An unexpected error occurred", Err: err}
}

// CodeOf returns the Code carried by err, or INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// verifyStatusError maps a non-pending status to the scanner-facing error.
func verifyStatusError(s Status) *Error {
	switch s {
	case StatusConfirmed:
		return ErrAlreadyRedeemed
	case StatusDeclined:
		return ErrDeclinedPreviously
	case StatusCancelled:
		return ErrCancelledByMember
	case StatusExpired:
		return ErrExpired
	default:
		return ErrInvalidState
	}
}

// transitionStatusError maps a non-pending status for confirm, decline and cancel.
func transitionStatusError(s Status) *Error {
	if s == StatusExpired {
		return ErrExpired
	}
	return ErrInvalidState
}
