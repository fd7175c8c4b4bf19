package mailbox

import "errors"

// Sentinel errors for the routing layer. Providers return these (usually
// wrapped with detail) so callers can branch with errors.Is regardless of
// which transport handled the operation.
var (
	// ErrProviderNotFound means the address scheme has no registered provider.
	ErrProviderNotFound = errors.New("mailbox: no provider registered for scheme")

	// ErrDuplicateProvider means a provider is already mounted at the scheme.
	ErrDuplicateProvider = errors.New("mailbox: provider already registered for scheme")

	// ErrInvalidAddress means the address could not be parsed or has no scheme.
	ErrInvalidAddress = errors.New("mailbox: invalid address")

	// ErrInvalidMessage means the outgoing mail failed validation.
	ErrInvalidMessage = errors.New("mailbox: invalid message")

	// ErrClosed means the mailbox, provider, or bus has been shut down.
	ErrClosed = errors.New("mailbox: closed")

	// ErrUnsupported means the provider does not implement the operation,
	// for example fetch on a push-only transport.
	ErrUnsupported = errors.New("mailbox: operation not supported by provider")
)
