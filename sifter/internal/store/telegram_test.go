package store

import (
	"context"
	"testing"
)

func TestTelegramUpdates_BufferAndOffset(t *testing.T) {
	// WHAT: Buffered updates come back per chat, edits pass the cursor, the offset only moves forward.
	// WHY: Confirmed updates are gone from the Bot API; the buffer is the only copy.
	s := NewStore(openTestDB(t))
	ctx := context.Background()

	if off, err := s.TelegramOffset(ctx); err != nil || off != 0 {
		t.Fatalf("initial offset: %d err=%v", off, err)
	}
	page := []TelegramUpdate{
		{UpdateID: 10, ChatID: -1009, ChatUsername: "alpha_calls", MessageID: 101, Payload: `{"message_id":101}`},
		{UpdateID: 11, ChatID: -2002, MessageID: 7, Payload: `{"message_id":7}`},
		{UpdateID: 12, ChatID: -1009, ChatUsername: "alpha_calls", MessageID: 104, Payload: `{"message_id":104}`},
		{UpdateID: 13, ChatID: -1009, ChatUsername: "alpha_calls", MessageID: 101, Edited: true, Payload: `{"message_id":101,"edit_date":1}`},
	}
	if err := s.AppendTelegramUpdates(ctx, page, 14); err != nil {
		t.Fatal(err)
	}
	// Replayed page and stale offset are ignored.
	if err := s.AppendTelegramUpdates(ctx, page[:1], 11); err != nil {
		t.Fatal(err)
	}
	if off, _ := s.TelegramOffset(ctx); off != 14 {
		t.Errorf("offset = %d, want 14", off)
	}

	got, err := s.TelegramUpdates(ctx, 0, "ALPHA_CALLS", 103)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].MessageID != 104 || got[1].MessageID != 101 || !got[1].Edited {
		t.Fatalf("by username above 103: %+v", got)
	}
	byID, err := s.TelegramUpdates(ctx, -1009, "", 0)
	if err != nil || len(byID) != 3 {
		t.Fatalf("by id: %d err=%v", len(byID), err)
	}

	n, err := s.PruneTelegramUpdates(ctx, byID[0].ReceivedAt+1)
	if err != nil || n != 4 {
		t.Fatalf("prune: %d err=%v", n, err)
	}
}
