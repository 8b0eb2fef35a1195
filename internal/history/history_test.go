package history

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if _, changed := RedactPII("make it shorter"); changed {
		t.Fatalf("changed = true for plain text")
	}
}

func TestInMemoryMessages(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveMessage(ctx, MessageRecord{ID: id, SurfaceID: "chat-1", Sender: "user", Status: "sending"}); err != nil {
			t.Fatalf("SaveMessage(%s) error = %v", id, err)
		}
	}
	if err := s.UpdateMessageStatus(ctx, "b", "sent"); err != nil {
		t.Fatalf("UpdateMessageStatus() error = %v", err)
	}
	if err := s.UpdateMessageStatus(ctx, "zzz", "sent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateMessageStatus(unknown) error = %v, want ErrNotFound", err)
	}

	got, err := s.RecentMessages(ctx, "chat-1", 2)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("RecentMessages() = %+v, want b, c", got)
	}
	if got[0].Status != "sent" {
		t.Fatalf("status = %q, want sent", got[0].Status)
	}
	if other, _ := s.RecentMessages(ctx, "chat-2", 10); len(other) != 0 {
		t.Fatalf("other surface messages = %d, want 0", len(other))
	}
}

func TestRedactingStoreMasksBeforeSave(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemoryStore()
	s := Redacting(mem)

	if err := s.SaveMessage(ctx, MessageRecord{SurfaceID: "s", Content: "mail sam@example.com"}); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if err := s.SaveTurn(ctx, TurnRecord{SurfaceID: "s", Transcript: "call +1 555 123 9876"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	msgs, _ := mem.RecentMessages(ctx, "s", 0)
	if len(msgs) != 1 || !msgs[0].PIIRedacted || strings.Contains(msgs[0].Content, "@") {
		t.Fatalf("stored message = %+v, want redacted", msgs)
	}
	turns, _ := mem.RecentTurns(ctx, "s", 0)
	if len(turns) != 1 || !turns[0].PIIRedacted || !strings.Contains(turns[0].Transcript, "[REDACTED_PHONE]") {
		t.Fatalf("stored turn = %+v, want redacted", turns)
	}
}
