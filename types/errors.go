package types

import "errors"

// Common error codes
const (
	ErrNoQuoteAvailable       = "NO_QUOTE_AVAILABLE"
	ErrReferenceNotFound      = "REFERENCE_NOT_FOUND"
	ErrInvalidReference       = "INVALID_REFERENCE"
	ErrOnChainExecutionFailed = "ONCHAIN_EXECUTION_FAILED"
	ErrRecipientMismatch      = "RECIPIENT_MISMATCH"
	ErrInsufficientAmount     = "INSUFFICIENT_AMOUNT"
	ErrTransientSource        = "TRANSIENT_SOURCE_ERROR"
	ErrLedgerIntegrity        = "LEDGER_INTEGRITY_VIOLATION"
	ErrConcurrentFinalization = "CONCURRENT_FINALIZATION_CONFLICT"
	ErrInvalidTransition      = "INVALID_TRANSITION"
	ErrIntentNotFound         = "INTENT_NOT_FOUND"
	ErrReferenceAlreadyUsed   = "REFERENCE_ALREADY_USED"
	ErrUnsupportedNetwork     = "UNSUPPORTED_NETWORK"
	ErrInvalidRequest         = "INVALID_REQUEST"
	ErrExpired                = "EXPIRED"
	ErrConfigError            = "CONFIG_ERROR"
)

// CryptoPayError carries a stable code alongside a human message.
type CryptoPayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func NewError(code, message string) *CryptoPayError {
	return &CryptoPayError{Code: code, Message: message}
}

// WrapError attaches a cause to a coded error.
func WrapError(code, message string, err error) *CryptoPayError {
	return &CryptoPayError{Code: code, Message: message, Err: err}
}

func (e *CryptoPayError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CryptoPayError) Unwrap() error { return e.Err }

// Is matches any CryptoPayError with the same code, so sentinels below work
// with errors.Is regardless of message.
func (e *CryptoPayError) Is(target error) bool {
	t, ok := target.(*CryptoPayError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNoQuote              = NewError(ErrNoQuoteAvailable, "no quote available")
	ErrNotFound             = NewError(ErrIntentNotFound, "intent not found")
	ErrTransition           = NewError(ErrInvalidTransition, "invalid status transition")
	ErrIntegrity            = NewError(ErrLedgerIntegrity, "ledger integrity violation")
	ErrFinalizationConflict = NewError(ErrConcurrentFinalization, "concurrent finalization conflict")
	ErrReferenceUsed        = NewError(ErrReferenceAlreadyUsed, "reference already bound to another intent")
	ErrNetworkUnsupported   = NewError(ErrUnsupportedNetwork, "unsupported network")
	ErrBadRequest           = NewError(ErrInvalidRequest, "invalid request")
)

// CodeOf returns the code of a CryptoPayError anywhere in the chain, or "".
func CodeOf(err error) string {
	var ce *CryptoPayError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
