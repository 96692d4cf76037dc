// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the protocol-neutral taxonomy.
// Adapters map kinds to their wire representation (HTTP status, RPC code);
// history records store the kind only, never the message, so metric label
// cardinality stays bounded.
type Kind string

const (
	KindInvalidArgument      Kind = "InvalidArgument"
	KindUnauthorized         Kind = "Unauthorized"
	KindPermissionDenied     Kind = "PermissionDenied"
	KindNotFound             Kind = "NotFound"
	KindResourceExhausted    Kind = "ResourceExhausted"
	KindTimeout              Kind = "Timeout"
	KindCanceled             Kind = "Canceled"
	KindBlockedByPolicy      Kind = "BlockedByPolicy"
	KindBrowserCrashed       Kind = "BrowserCrashed"
	KindScriptRuntimeError   Kind = "ScriptRuntimeError"
	KindUpstreamProxyFailure Kind = "UpstreamProxyFailure"
	KindInternal             Kind = "Internal"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrPoolClosed       = errors.New("browser pool is closed")
	ErrPoolExhausted    = errors.New("browser pool exhausted: waiter queue is full")
	ErrAcquireTimeout   = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy = errors.New("browser instance is unhealthy")
	ErrBrowserCrashed   = errors.New("browser process crashed")
	ErrLeaseReleased    = errors.New("lease has already been released")
	ErrLaunchFailed     = errors.New("browser launch failed")

	// Registry errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrTooManySessions = errors.New("maximum number of sessions reached")
	ErrContextNotFound = errors.New("context not found")
	ErrContextClosed   = errors.New("context is closed")
	ErrPageNotFound    = errors.New("page not found")
	ErrNotOwner        = errors.New("principal does not own the target")
	ErrNoPrincipal     = errors.New("missing or invalid principal")

	// Executor errors
	ErrUnsupportedAction = errors.New("unsupported action type")
	ErrInvalidURL        = errors.New("invalid URL")
	ErrBlockedByPolicy   = errors.New("blocked by policy")
	ErrScriptRejected    = errors.New("script rejected by validator")
	ErrElementNotFound   = errors.New("element not found")
	ErrDetached          = errors.New("element detached from document")
	ErrNoHistory         = errors.New("no history entry in that direction")
	ErrBatchTooLarge     = errors.New("batch exceeds maximum size")

	// Proxy errors
	ErrNoHealthyProxy = errors.New("no healthy proxy endpoint available")
	ErrProxyFailure   = errors.New("upstream proxy unreachable or refused")

	// Context errors
	ErrCanceled = errors.New("operation canceled")
)

// Error is the taxonomy-carrying error type. It wraps an underlying error
// and supports errors.Is/As through Unwrap.
type Error struct {
	Kind Kind
	Op   string // The operation that failed, e.g. "executor.navigate"
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a taxonomy error wrapping err.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a taxonomy error from a format string.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from an error. Sentinels without an explicit
// *Error wrapper are mapped by errors.Is; anything unrecognized is Internal
// so invariant violations never masquerade as caller mistakes.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrTooManySessions):
		return KindResourceExhausted
	case errors.Is(err, ErrAcquireTimeout):
		return KindTimeout
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	case errors.Is(err, ErrBrowserCrashed), errors.Is(err, ErrBrowserUnhealthy):
		return KindBrowserCrashed
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrContextNotFound),
		errors.Is(err, ErrPageNotFound), errors.Is(err, ErrSessionExpired):
		return KindNotFound
	case errors.Is(err, ErrNotOwner):
		return KindPermissionDenied
	case errors.Is(err, ErrNoPrincipal):
		return KindUnauthorized
	case errors.Is(err, ErrBlockedByPolicy), errors.Is(err, ErrScriptRejected):
		return KindBlockedByPolicy
	case errors.Is(err, ErrInvalidURL), errors.Is(err, ErrUnsupportedAction),
		errors.Is(err, ErrBatchTooLarge), errors.Is(err, ErrElementNotFound),
		errors.Is(err, ErrDetached), errors.Is(err, ErrNoHistory):
		return KindInvalidArgument
	case errors.Is(err, ErrProxyFailure), errors.Is(err, ErrNoHealthyProxy):
		return KindUpstreamProxyFailure
	default:
		return KindInternal
	}
}

// Recoverable reports whether a caller may usefully retry an operation
// that failed with this kind.
func (k Kind) Recoverable() bool {
	switch k {
	case KindInvalidArgument, KindUnauthorized, KindResourceExhausted,
		KindTimeout, KindBrowserCrashed, KindUpstreamProxyFailure:
		return true
	default:
		return false
	}
}
