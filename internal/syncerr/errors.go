// Package syncerr defines the error taxonomy shared across the
// synchronization engine: sentinel kinds that every layer (snapshot
// loader, coalescer, delta writer, connection handler) checks with
// errors.Is/errors.As instead of inspecting string messages.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the engine distinguishes when
// deciding how to propagate a failure (close the connection, roll back
// a session, or just log and continue).
type Kind int

const (
	// KindUnauthorized means the client's token was missing or invalid.
	KindUnauthorized Kind = iota
	// KindForbidden means the token was valid but the permission check failed.
	KindForbidden
	// KindAnchorNotFound means the root object does not exist in the
	// authoritative store during a COLD load.
	KindAnchorNotFound
	// KindTransient means the coordination store or document cache was
	// unavailable; the caller should retry.
	KindTransient
	// KindInternalInvariant means a state the engine declares impossible
	// was observed (negative readers, unexpected finish_cooling return,
	// missing delete pre-image).
	KindInternalInvariant
	// KindAction is returned by an RPC handler; it does not close the
	// connection, only the one call fails.
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindAnchorNotFound:
		return "anchor_not_found"
	case KindTransient:
		return "transient"
	case KindInternalInvariant:
		return "internal_invariant"
	case KindAction:
		return "action_error"
	default:
		return "unknown"
	}
}

// StatusCode is the wire status code sent to the client for the kinds
// that close the connection during the handshake (§4.7/§6 of the
// protocol this engine exposes).
func (k Kind) StatusCode() int {
	switch k {
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindAnchorNotFound:
		return 404
	default:
		return 0
	}
}

// Error wraps an underlying cause with a Kind and optional structured
// context, and is the type every layer constructs and every layer above
// it inspects via errors.As.
type Error struct {
	Kind    Kind
	Op      string // operation that produced the error, e.g. "snapshot.load"
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, syncerr.Transient) style checks against the
// sentinel values below, by comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error for op/kind with optional context fields
// (passed as alternating key, value pairs) and an optional wrapped cause.
func New(op string, kind Kind, cause error, kv ...any) *Error {
	e := &Error{Op: op, Kind: kind, Cause: cause}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Context[key] = kv[i+1]
		}
	}
	return e
}

// Sentinel values usable directly with errors.Is when no extra context
// or wrapped cause is needed.
var (
	Unauthorized      = &Error{Op: "sentinel", Kind: KindUnauthorized}
	Forbidden         = &Error{Op: "sentinel", Kind: KindForbidden}
	AnchorNotFound    = &Error{Op: "sentinel", Kind: KindAnchorNotFound}
	Transient         = &Error{Op: "sentinel", Kind: KindTransient}
	InternalInvariant = &Error{Op: "sentinel", Kind: KindInternalInvariant}
	ActionFailed      = &Error{Op: "sentinel", Kind: KindAction}
)

// KindOf extracts the Kind from err, defaulting to KindInternalInvariant
// for errors not produced by this package (an unclassified failure is
// treated as a bug, not a transient condition, so it isn't silently retried).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalInvariant
}
