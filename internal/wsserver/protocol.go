// Package wsserver implements the per-client connection lifecycle:
// upgrade, handshake, initial-state streaming, live delta relay, and
// client-initiated RPC, directly adapting the teacher's Client/Server/
// pump structure to the anchor-based wire protocol this engine exposes.
package wsserver

import (
	"encoding/json"

	"github.com/riverfork/syncd/internal/docstore"
)

// handshakeRequest is the mandatory first client frame.
type handshakeRequest struct {
	Token      string   `json:"token"`
	LastUpdate *float64 `json:"last_update,omitempty"`
}

// statusFrame is sent once per connection, success or failure.
type statusFrame struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// initialAnchorsFrame follows a successful statusFrame.
type initialAnchorsFrame struct {
	InitialAnchors []string `json:"initialAnchors"`
}

// rpcRequest is every client frame after the handshake that isn't a
// recognized control message (subscribe/unsubscribe/heartbeat/reconnect).
type rpcRequest struct {
	CallID string          `json:"callId"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// rpcResponse answers an rpcRequest by the same callId.
type rpcResponse struct {
	CallID string `json:"callId"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// runtimeVarFrame pushes a schema-declared runtime variable.
type runtimeVarFrame struct {
	RuntimeVar string `json:"runtimeVar"`
	Value      any    `json:"value"`
}

// prependAnchorFrame tells the client a new list-anchor element should
// appear at the head of its anchor list.
type prependAnchorFrame struct {
	PrependAnchor string `json:"prependAnchor"`
}

// controlFrame is the envelope used for subscribe/unsubscribe/heartbeat/
// reconnect client frames, distinguished from rpcRequest by the
// presence of "type" rather than "callId".
type controlFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscribeData struct {
	Anchors []string `json:"anchors"`
}

type unsubscribeData struct {
	Anchors []string `json:"anchors"`
}

type reconnectData struct {
	Anchor     string  `json:"anchor"`
	LastUpdate float64 `json:"last_update"`
}

// endInitialStateSentinel builds the mandatory terminator batch that
// closes out one anchor's initial-state stream, carrying the
// snapshot's commit timestamp.
const operationEndInitialState = "end_initial_state"

func endInitialStateSentinel(tstamp float64) []docstore.Document {
	return []docstore.Document{{
		"_instance_type": "",
		"_tstamp":        tstamp,
		"_operation":     operationEndInitialState,
		"id":             float64(0),
	}}
}

func marshalOrNil(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
