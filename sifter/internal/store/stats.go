package store

import (
	"context"
	"fmt"
	"math"
	"sort"

	sq "github.com/Masterminds/squirrel"
)

// senderKey identifies a participant: the platform sender id when known,
// the username otherwise. Anonymous messages yield NULL and are not counted.
const senderKey = "COALESCE(NULLIF(sender_id, ''), NULLIF(sender_username, ''))"

// topContributors is how many senders ChannelActivity lists per channel.
const topContributors = 5

// ChannelStats returns counters and the latest runs for one channel.
func (s *Store) ChannelStats(ctx context.Context, ch *Channel) (*ChannelStats, error) {
	st := &ChannelStats{Channel: ch}
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN analyzed = 0 THEN 1 ELSE 0 END), 0)
		FROM messages WHERE channel_id = ?`, ch.ID).
		Scan(&st.Messages, &st.Unprocessed, &st.Unanalyzed)
	if err != nil {
		return nil, fmt.Errorf("store: channel stats: %w", err)
	}
	err = s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities e JOIN messages m ON m.id = e.message_id
		WHERE m.channel_id = ?`, ch.ID).Scan(&st.Entities)
	if err != nil {
		return nil, fmt.Errorf("store: channel entity count: %w", err)
	}

	logs, err := s.ExtractionHistory(ctx, ch.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		st.LastIngest = logs[0]
	}
	runs, err := s.ListAnalysisRuns(ctx, ch.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		runs[0].ReportText = ""
		st.LastRun = runs[0]
	}
	return st, nil
}

// CountUnprocessed returns how many messages await enrichment.
func (s *Store) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE processed = 0`).Scan(&n)
	return n, err
}

// CountUnanalyzed returns how many messages of a channel await analysis.
func (s *Store) CountUnanalyzed(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = ? AND analyzed = 0`, channelID).Scan(&n)
	return n, err
}

// EngagementScore weighs distinct participants twice, messages once and the
// reply ratio 1.5 times, rounded to two decimals.
func EngagementScore(participants, messages int, replyRatio float64) float64 {
	score := float64(participants)*2 + float64(messages) + replyRatio*1.5
	return math.Round(score*100) / 100
}

func windowed(b sq.SelectBuilder, since, until int64) sq.SelectBuilder {
	if since > 0 {
		b = b.Where(sq.GtOrEq{"sent_at": since})
	}
	if until > 0 {
		b = b.Where(sq.Lt{"sent_at": until})
	}
	return b
}

// ChannelActivity ranks the channels that received at least f.MinMessages
// messages in the window, highest engagement score first. Ties go to the
// busier channel, then to the channel id.
func (s *Store) ChannelActivity(ctx context.Context, f ActivityFilter) ([]*ChannelActivity, error) {
	minMessages := f.MinMessages
	if minMessages < 1 {
		minMessages = 1
	}
	q, args, err := windowed(sq.Select(
		"channel_id",
		"COUNT(*)",
		"COUNT(DISTINCT "+senderKey+")",
		"COALESCE(SUM(CASE WHEN reply_to_id IS NOT NULL THEN 1 ELSE 0 END), 0)",
		"COALESCE(AVG(CASE WHEN raw_text != '' THEN LENGTH(raw_text) END), 0)",
	).From("messages"), f.Since, f.Until).
		GroupBy("channel_id").
		Having("COUNT(*) >= ?", minMessages).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build activity query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: channel activity: %w", err)
	}
	var out []*ChannelActivity
	var ids []string
	for rows.Next() {
		var a ChannelActivity
		var id string
		if err := rows.Scan(&id, &a.Messages, &a.Participants, &a.Replies, &a.AvgLength); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan channel activity: %w", err)
		}
		a.ReplyRatio = float64(a.Replies) / float64(a.Messages)
		a.AvgLength = math.Round(a.AvgLength*10) / 10
		a.Score = EngagementScore(a.Participants, a.Messages, a.ReplyRatio)
		out = append(out, &a)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: channel activity: %w", err)
	}

	for i, a := range out {
		if a.Channel, err = s.GetChannel(ctx, ids[i]); err != nil {
			return nil, err
		}
		if a.Channel == nil {
			a.Channel = &Channel{ID: ids[i]}
		}
		if a.TopContributors, err = s.contributors(ctx, ids[i], f.Since, f.Until); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Messages != out[j].Messages {
			return out[i].Messages > out[j].Messages
		}
		return out[i].Channel.ID < out[j].Channel.ID
	})
	return out, nil
}

func (s *Store) contributors(ctx context.Context, channelID string, since, until int64) ([]Contributor, error) {
	q, args, err := windowed(sq.Select(
		"MAX(COALESCE(NULLIF(sender_username, ''), NULLIF(sender_display_name, ''), sender_id))",
		"COUNT(*) AS n",
	).From("messages").
		Where(sq.Eq{"channel_id": channelID}).
		Where(senderKey+" IS NOT NULL"), since, until).
		GroupBy(senderKey).
		OrderBy("n DESC", "MIN(sent_at)").
		Limit(topContributors).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build contributor query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: contributors: %w", err)
	}
	defer rows.Close()

	out := []Contributor{}
	for rows.Next() {
		var c Contributor
		if err := rows.Scan(&c.Sender, &c.Messages); err != nil {
			return nil, fmt.Errorf("store: scan contributor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActivityTotals aggregates every message in the window, whatever the
// channel's volume.
func (s *Store) ActivityTotals(ctx context.Context, since, until int64) (*ActivityTotals, error) {
	q, args, err := windowed(sq.Select(
		"COUNT(*)",
		"COUNT(DISTINCT "+senderKey+")",
		"COALESCE(SUM(CASE WHEN reply_to_id IS NOT NULL THEN 1 ELSE 0 END), 0)",
		"COUNT(DISTINCT channel_id)",
	).From("messages"), since, until).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build activity totals: %w", err)
	}
	var t ActivityTotals
	if err := s.DB.QueryRowContext(ctx, q, args...).
		Scan(&t.Messages, &t.Participants, &t.Replies, &t.ActiveChannels); err != nil {
		return nil, fmt.Errorf("store: activity totals: %w", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&t.TotalChannels); err != nil {
		return nil, fmt.Errorf("store: channel count: %w", err)
	}
	if t.Messages > 0 {
		t.ReplyRatio = math.Round(float64(t.Replies)/float64(t.Messages)*1000) / 1000
	}
	return &t, nil
}
