package coalescer

import (
	"testing"

	"github.com/riverfork/syncd/internal/docstore"
)

func TestUserGroup_AddressesUserKeyValue(t *testing.T) {
	doc := docstore.Document{"_user_key": "u-7"}
	group, ok := userGroup("chat", "room-1", doc)
	if !ok {
		t.Fatal("expected a user group")
	}
	if want := "chat_room-1_u-7"; group != want {
		t.Fatalf("group = %q, want %q", group, want)
	}
}

func TestUserGroup_AbsentWhenNoUserKey(t *testing.T) {
	doc := docstore.Document{"id": "1"}
	if _, ok := userGroup("chat", "room-1", doc); ok {
		t.Fatal("expected no user group without a _user_key")
	}
}

func TestUserGroup_AbsentWhenUserKeyEmpty(t *testing.T) {
	doc := docstore.Document{"_user_key": ""}
	if _, ok := userGroup("chat", "room-1", doc); ok {
		t.Fatal("expected no user group when _user_key is empty")
	}
}
