package store

import (
	"context"
	"testing"
)

func seedActivity(t *testing.T, s *Store) (a, b, c *Channel) {
	t.Helper()
	ctx := context.Background()
	a = newTestChannel(t, s)
	b, _ = s.EnsureChannel(ctx, "discord", "1/2", "Bots")
	c, _ = s.EnsureChannel(ctx, "telegram", "@quiet", "")

	senders := []string{"alice", "bob", "alice", "alice"}
	for i, sender := range senders {
		m := testMessage(a.ID, int64(i+1), "chatter about the launch")
		m.SenderUsername = sender
		if i == 1 {
			parent := int64(1)
			m.ReplyToID = &parent
		}
		if _, err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(1); i <= 6; i++ {
		m := testMessage(b.ID, i, "price alert")
		m.SenderUsername = ""
		m.SenderID = "carol#1"
		s.InsertMessage(ctx, m)
	}
	s.InsertMessage(ctx, testMessage(c.ID, 1, "hello"))
	return a, b, c
}

func TestChannelActivity_RanksByParticipants(t *testing.T) {
	// WHAT: Four messages from two people outrank six from one bot; channels under the threshold are left out.
	// WHY: The dashboard surfaces conversations, not broadcast volume.
	s := NewStore(openTestDB(t))
	ctx := context.Background()
	a, b, _ := seedActivity(t, s)

	got, err := s.ChannelActivity(ctx, ActivityFilter{MinMessages: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d channels, want 2", len(got))
	}
	if got[0].Channel.ID != a.ID || got[1].Channel.ID != b.ID {
		t.Fatalf("order: %s, %s", got[0].Channel.ID, got[1].Channel.ID)
	}
	top := got[0]
	if top.Messages != 4 || top.Participants != 2 || top.Replies != 1 || top.ReplyRatio != 0.25 {
		t.Errorf("top channel: %+v", top)
	}
	if top.Score != EngagementScore(2, 4, 0.25) {
		t.Errorf("score = %v", top.Score)
	}
	if len(top.TopContributors) != 2 || top.TopContributors[0] != (Contributor{Sender: "alice", Messages: 3}) {
		t.Errorf("contributors: %+v", top.TopContributors)
	}
	if got[1].Participants != 1 || got[1].TopContributors[0].Sender != "carol#1" {
		t.Errorf("sender id fallback: %+v", got[1])
	}
}

func TestChannelActivity_Window(t *testing.T) {
	s := NewStore(openTestDB(t))
	ctx := context.Background()
	a, _, _ := seedActivity(t, s)

	base := testMessage(a.ID, 0, "").SentAt
	got, err := s.ChannelActivity(ctx, ActivityFilter{Since: base + 3000, MinMessages: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range got {
		if ch.Channel.ID == a.ID && (ch.Messages != 2 || ch.Participants != 1) {
			t.Errorf("windowed: %+v", ch)
		}
	}
	got, _ = s.ChannelActivity(ctx, ActivityFilter{MinMessages: 5})
	if len(got) != 1 || got[0].Messages != 6 {
		t.Fatalf("threshold 5: %+v", got)
	}
}

func TestActivityTotals(t *testing.T) {
	s := NewStore(openTestDB(t))
	ctx := context.Background()
	seedActivity(t, s)

	tot, err := s.ActivityTotals(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := ActivityTotals{Messages: 11, Participants: 3, Replies: 1, ReplyRatio: 0.091, ActiveChannels: 3, TotalChannels: 3}
	if *tot != want {
		t.Fatalf("totals = %+v, want %+v", *tot, want)
	}
}

func TestListMessages_AfterKey(t *testing.T) {
	// WHAT: Paging resumes after the last (sent_at, id) seen, including ties on sent_at.
	// WHY: Export walks whole channels page by page without skipping or repeating rows.
	s := NewStore(openTestDB(t))
	ctx := context.Background()
	ch := newTestChannel(t, s)
	for i := int64(1); i <= 5; i++ {
		m := testMessage(ch.ID, i, "x")
		m.SentAt = 1000
		s.InsertMessage(ctx, m)
	}

	var seen []int64
	f := MessageFilter{ChannelID: ch.ID, Limit: 2}
	for {
		page, err := s.ListMessages(ctx, f)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			seen = append(seen, m.SourceMessageID)
		}
		last := page[len(page)-1]
		f.AfterSentAt, f.AfterID = last.SentAt, last.ID
	}
	if len(seen) != 5 || seen[0] != 1 || seen[4] != 5 {
		t.Fatalf("paged ids: %v", seen)
	}
}

func TestEntitiesByMessageAndTop(t *testing.T) {
	s := NewStore(openTestDB(t))
	ctx := context.Background()
	ch := newTestChannel(t, s)
	m1 := testMessage(ch.ID, 1, "a")
	m2 := testMessage(ch.ID, 2, "b")
	s.InsertMessage(ctx, m1)
	s.InsertMessage(ctx, m2)
	url := Entity{Kind: KindURL, RawValue: "x.y", NormalizedValue: "https://x.y", Confidence: 1}
	s.CompleteEnrichment(ctx, m1.ID, "", []Entity{url, {Kind: KindMention, RawValue: "@bob", NormalizedValue: "bob", Confidence: 1}})
	s.CompleteEnrichment(ctx, m2.ID, "", []Entity{url})

	byMsg, err := s.EntitiesByMessage(ctx, []int64{m1.ID, m2.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(byMsg[m1.ID]) != 2 || len(byMsg[m2.ID]) != 1 {
		t.Fatalf("by message: %v", byMsg)
	}
	top, err := s.TopEntities(ctx, ch.ID, 0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0] != (EntityCount{Kind: KindURL, Value: "https://x.y", Count: 2}) {
		t.Fatalf("top: %+v", top)
	}
}
