package comms

import (
	"testing"
	"time"
)

func msgAt(id, sender, body string, at time.Time) *Message {
	return &Message{ID: id, Sender: sender, Body: body, SentAt: at}
}

func TestStoreInsertKeepsTimeOrder(t *testing.T) {
	store := NewStore()
	ref := General()
	base := time.Now()

	store.Insert(ref, msgAt("m2", "ada", "second", base.Add(2*time.Second)))
	store.Insert(ref, msgAt("m1", "ada", "first", base.Add(1*time.Second)))
	store.Insert(ref, msgAt("m3", "ada", "third", base.Add(3*time.Second)))

	snap := store.Snapshot(ref)
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap.Messages))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snap.Messages[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, snap.Messages[i].ID)
		}
	}
}

func TestStoreInsertEqualTimestampsKeepArrivalOrder(t *testing.T) {
	store := NewStore()
	ref := General()
	at := time.Now()

	store.Insert(ref, msgAt("a", "ada", "one", at))
	store.Insert(ref, msgAt("b", "ada", "two", at))

	snap := store.Snapshot(ref)
	if snap.Messages[0].ID != "a" || snap.Messages[1].ID != "b" {
		t.Errorf("expected arrival order a,b; got %s,%s", snap.Messages[0].ID, snap.Messages[1].ID)
	}
}

func TestStoreConfirmPreservesPosition(t *testing.T) {
	store := NewStore()
	ref := Direct("grace")
	base := time.Now()

	store.Insert(ref, msgAt("m1", "grace", "hi", base))
	optimistic := &Message{ClientID: "local-1", Sender: "ada", Body: "hello", SentAt: base.Add(time.Second), Pending: true}
	store.Insert(ref, optimistic)
	store.Insert(ref, msgAt("m3", "grace", "bye", base.Add(2*time.Second)))

	entry := store.Confirm(ref, "local-1", Message{
		ID:     "m2",
		Sender: "ada",
		Body:   "hello",
		SentAt: base.Add(90 * time.Second), // server clock differs
	})
	if entry == nil {
		t.Fatal("expected confirmation to find the optimistic entry")
	}
	if entry.Pending {
		t.Error("confirmed entry still pending")
	}
	if entry.ClientID != "local-1" {
		t.Errorf("client id not preserved: %q", entry.ClientID)
	}

	snap := store.Snapshot(ref)
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[1].ID != "m2" {
		t.Errorf("confirmed entry moved: middle is %q", snap.Messages[1].ID)
	}
	if store.ByID(ref, "m2") == nil {
		t.Error("server id not indexed after confirmation")
	}
}

func TestStoreConfirmUnknownClientID(t *testing.T) {
	store := NewStore()
	if entry := store.Confirm(General(), "nope", Message{ID: "x"}); entry != nil {
		t.Errorf("expected nil for unknown client id, got %+v", entry)
	}
}

func TestStoreRemoveTombstones(t *testing.T) {
	store := NewStore()
	ref := Group("eng")
	store.Insert(ref, msgAt("m1", "ada", "hello", time.Now()))
	store.Pin(ref, "m1")
	store.Highlight(ref, "m1", true)

	if !store.Remove(ref, "m1") {
		t.Fatal("expected removal to report success")
	}
	if store.Len(ref) != 0 {
		t.Errorf("message still present after removal")
	}
	if !store.Tombstoned(ref, "m1") {
		t.Error("expected tombstone for removed id")
	}

	snap := store.Snapshot(ref)
	if snap.PinnedID != "" {
		t.Errorf("pin survived removal: %q", snap.PinnedID)
	}
	if len(snap.Highlights) != 0 {
		t.Errorf("highlight survived removal: %v", snap.Highlights)
	}

	// Removing an absent id is a no-op, but still tombstones it.
	if store.Remove(ref, "never-seen") {
		t.Error("expected removal of unknown id to report false")
	}
	if !store.Tombstoned(ref, "never-seen") {
		t.Error("expected tombstone for unknown removed id")
	}
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	store := NewStore()
	ref := General()
	store.Insert(ref, msgAt("m1", "ada", "original", time.Now()))

	snap := store.Snapshot(ref)
	snap.Messages[0].Body = "mutated"

	if got := store.Snapshot(ref).Messages[0].Body; got != "original" {
		t.Errorf("snapshot mutation leaked into store: %q", got)
	}
}

func TestStoreUpdateByIDNormalizesMarkup(t *testing.T) {
	store := NewStore()
	ref := General()
	store.Insert(ref, msgAt("m1", "ada", "plain", time.Now()))

	ok := store.UpdateByID(ref, "m1", func(m *Message) { m.Body = "hey @grace" })
	if !ok {
		t.Fatal("expected update to succeed")
	}
	msg := store.ByID(ref, "m1")
	if len(msg.Segments) != 2 || msg.Segments[1].Kind != SegMention {
		t.Errorf("segments not re-normalized after update: %+v", msg.Segments)
	}
}
