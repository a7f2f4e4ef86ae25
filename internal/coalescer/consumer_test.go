package coalescer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/authoritative"
	"github.com/riverfork/syncd/internal/docstore"
)

type fakeMutationStore struct {
	events chan authoritative.MutationEvent
	rows   map[string]docstore.Document
}

func (f *fakeMutationStore) Get(ctx context.Context, instanceType, id string) (docstore.Document, bool, error) {
	doc, ok := f.rows[id]
	return doc, ok, nil
}

func (f *fakeMutationStore) Traverse(ctx context.Context, instanceType, id, edge string) ([]docstore.Document, error) {
	return nil, nil
}

func (f *fakeMutationStore) Mutations() <-chan authoritative.MutationEvent { return f.events }

func (f *fakeMutationStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func alwaysRoomOne(doc docstore.Document) ([]string, error) { return []string{"room-1"}, nil }

func messageUserKey(instanceType string) string {
	if instanceType == "Message" {
		return "author"
	}
	return ""
}

func TestConsumeMutations_CreateFlushesAndBroadcasts(t *testing.T) {
	store := &fakeMutationStore{
		events: make(chan authoritative.MutationEvent, 1),
		rows:   map[string]docstore.Document{"5": {"id": "5", "text": "hi", "author": "alice"}},
	}

	appliedID := make(chan string, 1)
	apply := func(ctx context.Context, channel string, anchors []string, doc docstore.Document) error {
		if doc.Operation() != string(OperationCreate) {
			t.Errorf("expected create operation, got %q", doc.Operation())
		}
		if len(anchors) != 1 || anchors[0] != "room-1" {
			t.Errorf("unexpected anchors: %v", anchors)
		}
		if uk, ok := doc.UserKey(); !ok || uk != "alice" {
			t.Errorf("expected _user_key=alice, got %v", doc["_user_key"])
		}
		appliedID <- doc.ID()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ConsumeMutations(ctx, store, "chat", alwaysRoomOne, messageUserKey, apply, zerolog.Nop())
		close(done)
	}()

	store.events <- authoritative.MutationEvent{
		InstanceType: "Message",
		ID:           "5",
		After:        docstore.Document{"id": "5"},
		Created:      true,
	}

	select {
	case id := <-appliedID:
		if id != "5" {
			t.Fatalf("unexpected applied id: %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for apply")
	}

	cancel()
	<-done
}

func TestPendingFromEvent_DeleteUsesPreImage(t *testing.T) {
	store := &fakeMutationStore{events: make(chan authoritative.MutationEvent)}
	ev := authoritative.MutationEvent{
		InstanceType: "Message",
		ID:           "9",
		Before:       docstore.Document{"id": "9", "text": "bye", "author": "bob"},
	}
	p, err := pendingFromEvent("chat", store, ev, alwaysRoomOne, messageUserKey)
	if err != nil {
		t.Fatalf("pendingFromEvent: %v", err)
	}
	if p.Operation != OperationDelete {
		t.Fatalf("expected delete, got %v", p.Operation)
	}
	if p.DeleteSerialized.InstanceType() != "Message" {
		t.Fatalf("expected stamped instance type, got %v", p.DeleteSerialized["_instance_type"])
	}
	if uk, ok := p.DeleteSerialized.UserKey(); !ok || uk != "bob" {
		t.Fatalf("expected stamped _user_key=bob, got %v", p.DeleteSerialized["_user_key"])
	}
	if len(p.Anchors) != 1 || p.Anchors[0] != "room-1" {
		t.Fatalf("unexpected anchors: %v", p.Anchors)
	}
}
