package wsserver

import (
	"context"
	"encoding/json"
)

// Authenticator resolves a handshake token into the user identity and
// the set of anchors that user's connection should hydrate, or refuses
// the connection with a syncerr.Unauthorized/Forbidden/AnchorNotFound
// error (classified by syncerr.KindOf and mapped straight onto the
// handshake's status_code).
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (user string, anchors []string, err error)
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, []string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, []string, error) {
	return f(ctx, token)
}

// ActionHandler answers one client-initiated RPC call
// ({callId, action, params}). A non-nil error with syncerr.KindAction
// is reported back as {callId, error} without closing the connection;
// any other error kind is treated as an internal failure and reported
// the same way, since only the handshake's failures close a connection.
type ActionHandler func(ctx context.Context, user string, params json.RawMessage) (result any, err error)

// RuntimeVar is a schema-declared server value, with the wire shape
// {runtimeVar, value} declared in protocol.go. No code path in this
// package sends it to clients.
type RuntimeVar struct {
	Name  string
	Value any
}
