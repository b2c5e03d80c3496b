package checkout

import (
	"errors"
	"fmt"
)

// CheckoutError represents a checkout-specific error
type CheckoutError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *CheckoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *CheckoutError) Unwrap() error {
	return e.Cause
}

// Is matches any CheckoutError carrying the same code, so sentinels work with errors.Is
func (e *CheckoutError) Is(target error) bool {
	t, ok := target.(*CheckoutError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	// Validation
	ErrCodeZeroAmount       = "zero_amount"
	ErrCodeInvalidAddress   = "invalid_address"
	ErrCodeMissingReference = "missing_reference"
	ErrCodeMissingAccount   = "missing_account"
	ErrCodeAmountPrecision  = "amount_precision"
	ErrCodeReferenceReused  = "reference_reused"

	// Ledger capability
	ErrCodeMetadataUnavailable     = "metadata_unavailable"
	ErrCodeAddressResolutionFailed = "address_resolution_failed"
	ErrCodeAnchorUnavailable       = "anchor_unavailable"

	// Orchestration
	ErrCodeFetchFailed     = "fetch_failed"
	ErrCodeFetchExhausted  = "fetch_exhausted"
	ErrCodeSignerRejected  = "signer_rejected"
	ErrCodeWatchTimedOut   = "watch_timed_out"
	ErrCodeWatcherStarted  = "watcher_started"
	ErrCodeLedgerTransport = "ledger_transport"
)

// Sentinels for errors.Is comparisons. Every error produced by this package with a matching
// code compares equal to these.
var (
	ErrZeroAmount       = &CheckoutError{Code: ErrCodeZeroAmount, Message: "can't checkout with charge of 0"}
	ErrInvalidAddress   = &CheckoutError{Code: ErrCodeInvalidAddress, Message: "invalid address"}
	ErrMissingReference = &CheckoutError{Code: ErrCodeMissingReference, Message: "no reference provided"}
	ErrMissingAccount   = &CheckoutError{Code: ErrCodeMissingAccount, Message: "no account provided"}
	ErrAmountPrecision  = &CheckoutError{Code: ErrCodeAmountPrecision, Message: "amount exceeds currency precision"}
	ErrReferenceReused  = &CheckoutError{Code: ErrCodeReferenceReused, Message: "reference already in use"}

	ErrMetadataUnavailable     = &CheckoutError{Code: ErrCodeMetadataUnavailable, Message: "error fetching currency metadata"}
	ErrAddressResolutionFailed = &CheckoutError{Code: ErrCodeAddressResolutionFailed, Message: "error resolving token account addresses"}
	ErrAnchorUnavailable       = &CheckoutError{Code: ErrCodeAnchorUnavailable, Message: "error fetching recent blockhash"}

	ErrFetchFailed     = &CheckoutError{Code: ErrCodeFetchFailed, Message: "failed to fetch transaction"}
	ErrFetchExhausted  = &CheckoutError{Code: ErrCodeFetchExhausted, Message: "unable to fetch transaction after multiple attempts"}
	ErrSignerRejected  = &CheckoutError{Code: ErrCodeSignerRejected, Message: "signer rejected the transaction"}
	ErrWatchTimedOut   = &CheckoutError{Code: ErrCodeWatchTimedOut, Message: "settlement not detected before timeout"}
	ErrWatcherStarted  = &CheckoutError{Code: ErrCodeWatcherStarted, Message: "watcher already started"}
	ErrLedgerTransport = &CheckoutError{Code: ErrCodeLedgerTransport, Message: "ledger request failed"}
)

// ErrNotFound is the normal negative result of a ledger lookup. It is not a failure.
var ErrNotFound = errors.New("checkout: not found")

// NewCheckoutError creates a new checkout error
func NewCheckoutError(code, message string, cause error) *CheckoutError {
	return &CheckoutError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// wrapError returns a copy of the sentinel carrying cause
func wrapError(sentinel *CheckoutError, cause error) *CheckoutError {
	return &CheckoutError{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Cause:   cause,
	}
}

// IsValidation reports whether err is a caller mistake that must not be retried
func IsValidation(err error) bool {
	var ce *CheckoutError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case ErrCodeZeroAmount, ErrCodeInvalidAddress, ErrCodeMissingReference,
		ErrCodeMissingAccount, ErrCodeAmountPrecision, ErrCodeReferenceReused:
		return true
	}
	return false
}

// IsCapability reports whether err came from a failed ledger read
func IsCapability(err error) bool {
	return errors.Is(err, ErrMetadataUnavailable) ||
		errors.Is(err, ErrAddressResolutionFailed) ||
		errors.Is(err, ErrAnchorUnavailable)
}

// permanentError marks an error the retry loop must give up on immediately
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether another attempt might succeed
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	return !IsValidation(err)
}

// SignerError carries a signer rejection whose message is shown to the user as-is
type SignerError struct {
	Err error
}

func (e *SignerError) Error() string { return e.Err.Error() }
func (e *SignerError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSignerRejected) match signer failures
func (e *SignerError) Is(target error) bool {
	return target == ErrSignerRejected
}
