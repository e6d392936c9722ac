package clients

import "errors"

var (
	// ErrTransactionNotFound means the chain has no record of the reference.
	// A reference that does not exist never becomes real, so callers treat
	// this as final.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionPending means the transaction is known but not yet
	// executed; callers should retry later.
	ErrTransactionPending = errors.New("transaction pending")

	// ErrInvalidReference means the reference cannot be parsed for the family.
	ErrInvalidReference = errors.New("invalid transaction reference")

	// ErrNoWebsocket is returned by subscriptions when no websocket endpoint
	// is configured.
	ErrNoWebsocket = errors.New("websocket endpoint not configured")
)
