package domain

import "errors"

// Settlement engine conditions. Every one of them is returned before any state
// is mutated, so the caller can surface a message and let the cashier retry.
var (
	ErrPolarityConflict         = errors.New("cart cannot mix sale and return items")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrDepositCapExceeded       = errors.New("deposit tender exceeds available deposit")
	ErrInvalidPaymentAmount     = errors.New("invalid payment amount")
	ErrCommitFailure            = errors.New("sale commit failed")
	ErrInvalidTenderAmount      = errors.New("tender amount must be positive")
	ErrInvalidTenderMethod      = errors.New("unsupported tender method")
	ErrSettlementClosed         = errors.New("settlement is no longer open")
	ErrNoOpenSettlement         = errors.New("no open settlement")
	ErrFinalizeInFlight         = errors.New("finalize already in progress")
	ErrEmptyCart                = errors.New("cart is empty")
	ErrConfirmationRequired     = errors.New("confirmation required")
	ErrWalkInCredit             = errors.New("walk-in customer cannot carry credit: select a customer or collect the full amount")
	ErrInvalidDepositTransition = errors.New("invalid deposit status transition")
)
