package domain

import "errors"

// Storage and infrastructure errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Precondition violations. The whole transition is rejected and nothing is
// written.
var (
	ErrConditionNotFound       = errors.New("condition not prepared")
	ErrAlreadyPrepared         = errors.New("condition already prepared")
	ErrAlreadyResolved         = errors.New("condition already resolved")
	ErrConditionNotResolved    = errors.New("condition not resolved")
	ErrInvalidOutcomeSlotCount = errors.New("invalid outcome slot count")
	ErrInvalidPayoutLength     = errors.New("payout vector length does not match outcome slot count")
	ErrZeroPayout              = errors.New("payout vector is all zeroes")
	ErrInvalidIndexSet         = errors.New("invalid index set")
	ErrEmptyPartition          = errors.New("empty partition")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrNotOracle               = errors.New("caller is not the condition oracle")
	ErrNotApproved             = errors.New("caller is not owner nor approved")
	ErrZeroAddress             = errors.New("zero address")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInvalidParentCollection = errors.New("invalid parent collection id")
	ErrTokenAlreadyRegistered  = errors.New("token already registered")
	ErrInvalidComplement       = errors.New("invalid complement token")
)

// Insufficient-funds violations.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientCustody   = errors.New("insufficient collateral in custody")
	ErrOverflow              = errors.New("arithmetic overflow")
)

// ErrCollateralTransferFailed marks a rejection by the external collateral
// asset, as opposed to a mistake in the caller's request.
var ErrCollateralTransferFailed = errors.New("collateral transfer failed")

// ErrorKind classifies ledger errors for callers that need to distinguish
// "your request was wrong" from "the external asset refused the movement".
type ErrorKind string

const (
	KindPrecondition ErrorKind = "precondition"
	KindFunds        ErrorKind = "insufficient_funds"
	KindExternal     ErrorKind = "external"
	KindNotFound     ErrorKind = "not_found"
	KindInternal     ErrorKind = "internal"
)

var (
	preconditionErrs = []error{
		ErrAlreadyPrepared, ErrAlreadyResolved, ErrConditionNotResolved,
		ErrInvalidOutcomeSlotCount, ErrInvalidPayoutLength, ErrZeroPayout,
		ErrInvalidIndexSet, ErrEmptyPartition, ErrInvalidAmount, ErrNotOracle,
		ErrNotApproved, ErrZeroAddress, ErrInvalidArgument,
		ErrInvalidParentCollection, ErrTokenAlreadyRegistered,
		ErrInvalidComplement, ErrAlreadyExists, ErrUnauthorized,
	}
	fundsErrs = []error{
		ErrInsufficientBalance, ErrInsufficientAllowance,
		ErrInsufficientCustody, ErrOverflow,
	}
)

// KindOf returns the classification of err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	// External failures often wrap the token's own funds error, so check
	// them first.
	if errors.Is(err, ErrCollateralTransferFailed) {
		return KindExternal
	}
	if errors.Is(err, ErrConditionNotFound) || errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	for _, e := range preconditionErrs {
		if errors.Is(err, e) {
			return KindPrecondition
		}
	}
	for _, e := range fundsErrs {
		if errors.Is(err, e) {
			return KindFunds
		}
	}
	return KindInternal
}
