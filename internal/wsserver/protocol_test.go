package wsserver

import (
	"encoding/json"
	"testing"
)

func TestEndInitialStateSentinel_Shape(t *testing.T) {
	batch := endInitialStateSentinel(123.456)
	if len(batch) != 1 {
		t.Fatalf("expected a single-element sentinel batch, got %d", len(batch))
	}
	doc := batch[0]
	if doc["_operation"] != operationEndInitialState {
		t.Errorf("_operation = %v, want %q", doc["_operation"], operationEndInitialState)
	}
	if doc["_instance_type"] != "" {
		t.Errorf("_instance_type = %v, want empty string", doc["_instance_type"])
	}
	if doc["_tstamp"] != 123.456 {
		t.Errorf("_tstamp = %v, want 123.456", doc["_tstamp"])
	}
	if doc["id"] != float64(0) {
		t.Errorf("id = %v, want 0", doc["id"])
	}

	raw, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal sentinel: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal sentinel: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["_operation"] != operationEndInitialState {
		t.Fatalf("round-tripped sentinel malformed: %v", decoded)
	}
}

func TestControlFrame_DistinguishesFromRPC(t *testing.T) {
	rpcRaw := []byte(`{"callId":"c1","action":"doThing","params":{"x":1}}`)
	var rpc rpcRequest
	if err := json.Unmarshal(rpcRaw, &rpc); err != nil {
		t.Fatalf("unmarshal rpc: %v", err)
	}
	if rpc.CallID != "c1" || rpc.Action != "doThing" {
		t.Fatalf("unexpected rpc decode: %+v", rpc)
	}

	var asControl controlFrame
	if err := json.Unmarshal(rpcRaw, &asControl); err != nil {
		t.Fatalf("unmarshal as control: %v", err)
	}
	if asControl.Type != "" {
		t.Fatalf("expected empty Type for an rpc frame decoded as control, got %q", asControl.Type)
	}

	ctrlRaw := []byte(`{"type":"subscribe","data":{"anchors":["room-1","room-2"]}}`)
	var ctrl controlFrame
	if err := json.Unmarshal(ctrlRaw, &ctrl); err != nil {
		t.Fatalf("unmarshal control: %v", err)
	}
	if ctrl.Type != "subscribe" {
		t.Fatalf("Type = %q, want subscribe", ctrl.Type)
	}
	var sub subscribeData
	if err := json.Unmarshal(ctrl.Data, &sub); err != nil {
		t.Fatalf("unmarshal subscribe data: %v", err)
	}
	if len(sub.Anchors) != 2 || sub.Anchors[0] != "room-1" || sub.Anchors[1] != "room-2" {
		t.Fatalf("unexpected anchors: %v", sub.Anchors)
	}
}

func TestStatusFrame_EncodesFailureWithError(t *testing.T) {
	raw, err := json.Marshal(statusFrame{StatusCode: 401, Error: "invalid token"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["status_code"] != float64(401) || decoded["error"] != "invalid token" {
		t.Fatalf("unexpected status frame: %v", decoded)
	}
}

func TestMarshalOrNil(t *testing.T) {
	if marshalOrNil(make(chan int)) != nil {
		t.Fatal("expected nil for an unmarshalable value")
	}
	b := marshalOrNil(map[string]int{"a": 1})
	if string(b) != `{"a":1}` {
		t.Fatalf("unexpected marshal result: %s", b)
	}
}
