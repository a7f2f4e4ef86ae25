package router

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/docstore"
)

type fakeSubscriber struct {
	id      string
	sent    [][]byte
	failing bool
}

func (f *fakeSubscriber) SubscriberID() string { return f.id }

func (f *fakeSubscriber) Send(frame []byte) error {
	if f.failing {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func TestGroupKeyConstruction(t *testing.T) {
	if got := AnchorGroup("Room", "42"); got != "Room_42" {
		t.Errorf("AnchorGroup = %q, want Room_42", got)
	}
	if got := UserGroup("Room", "42", "alice"); got != "Room_42_alice" {
		t.Errorf("UserGroup = %q, want Room_42_alice", got)
	}
}

func TestSubscribeAndGet(t *testing.T) {
	r := New(zerolog.Nop())
	sub := &fakeSubscriber{id: "c1"}
	r.Subscribe("Room_42", sub)

	got := r.Get("Room_42")
	if len(got) != 1 || got[0] != sub {
		t.Fatalf("expected [sub], got %v", got)
	}
	if r.Count("Room_42") != 1 {
		t.Errorf("expected count 1")
	}
}

func TestSubscribe_DoesNotDuplicate(t *testing.T) {
	r := New(zerolog.Nop())
	sub := &fakeSubscriber{id: "c1"}
	r.Subscribe("Room_42", sub)
	r.Subscribe("Room_42", sub)

	if r.Count("Room_42") != 1 {
		t.Errorf("expected duplicate subscribe to be a no-op, got count %d", r.Count("Room_42"))
	}
}

func TestUnsubscribe_RemovesChannelWhenEmpty(t *testing.T) {
	r := New(zerolog.Nop())
	sub := &fakeSubscriber{id: "c1"}
	r.Subscribe("Room_42", sub)
	r.Unsubscribe("Room_42", sub)

	if r.Count("Room_42") != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe")
	}
	if got := r.Get("Room_42"); got != nil {
		t.Errorf("expected nil snapshot for an emptied group, got %v", got)
	}
}

func TestUnsubscribeAll_RemovesFromEveryGroup(t *testing.T) {
	r := New(zerolog.Nop())
	sub := &fakeSubscriber{id: "c1"}
	r.SubscribeMultiple([]string{"Room_42", "Room_42_alice", SystemGroup}, sub)

	r.UnsubscribeAll(sub)

	for _, g := range []string{"Room_42", "Room_42_alice", SystemGroup} {
		if r.Count(g) != 0 {
			t.Errorf("expected group %q empty after UnsubscribeAll, got %d", g, r.Count(g))
		}
	}
}

func TestBroadcast_SkipsFailingSubscriberButDeliversToOthers(t *testing.T) {
	r := New(zerolog.Nop())
	good := &fakeSubscriber{id: "good"}
	bad := &fakeSubscriber{id: "bad", failing: true}
	r.Subscribe("Room_42", good)
	r.Subscribe("Room_42", bad)

	doc := docstore.Document{"id": "1", "_instance_type": "Message", "text": "hi"}
	if err := r.Broadcast("Room_42", doc); err != nil {
		t.Fatalf("Broadcast returned an error: %v", err)
	}

	if len(good.sent) != 1 {
		t.Fatalf("expected the healthy subscriber to receive the frame, got %d sends", len(good.sent))
	}
}

func TestSendSystem_UsesSystemGroup(t *testing.T) {
	r := New(zerolog.Nop())
	sub := &fakeSubscriber{id: "admin"}
	r.Subscribe(SystemGroup, sub)

	doc := docstore.Document{"id": "1", "_instance_type": "AdminEvent"}
	if err := r.SendSystem(doc); err != nil {
		t.Fatalf("SendSystem: %v", err)
	}
	if len(sub.sent) != 1 {
		t.Fatalf("expected admin subscriber to receive the system broadcast")
	}
}
