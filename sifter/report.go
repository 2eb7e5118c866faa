package sifter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/artifact"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

const (
	exportPageSize  = 500
	exportTopValues = 100
	exportTopSender = 20
	stampLayout     = "2006-01-02 15:04:05 MST"
)

func (svc *Service) now() time.Time {
	if svc.clockNow != nil {
		return svc.clockNow()
	}
	return time.Now()
}

func (svc *Service) location() *time.Location {
	if loc := svc.analyzer.Limits().Location; loc != nil {
		return loc
	}
	return time.UTC
}

// activityWindow resolves a request into a [since, until) range in Unix ms.
func (svc *Service) activityWindow(req ActivityRequest) (int64, int64, error) {
	loc := svc.location()
	switch {
	case req.Day != "":
		day, err := time.ParseInLocation(time.DateOnly, req.Day, loc)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: day %q: want YYYY-MM-DD", ErrInvalidInput, req.Day)
		}
		return day.UnixMilli(), day.AddDate(0, 0, 1).UnixMilli(), nil
	case req.Since != 0 || req.Until != 0:
		if req.Since < 0 || req.Until < 0 || (req.Until != 0 && req.Until <= req.Since) {
			return 0, 0, fmt.Errorf("%w: empty activity window", ErrInvalidInput)
		}
		return req.Since, req.Until, nil
	}
	y, m, d := svc.now().In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start.UnixMilli(), start.AddDate(0, 0, 1).UnixMilli(), nil
}

// Activity ranks the channels that reached the message threshold in the
// window by engagement score.
func (svc *Service) Activity(ctx context.Context, req ActivityRequest) (*ActivityReport, error) {
	if req.MinMessages < 0 {
		return nil, fmt.Errorf("%w: min messages must be positive", ErrInvalidInput)
	}
	if req.MinMessages == 0 {
		req.MinMessages = svc.cfg.Activity.MinMessages
	}
	since, until, err := svc.activityWindow(req)
	if err != nil {
		return nil, err
	}
	totals, err := svc.store.ActivityTotals(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("sifter: activity: %w", err)
	}
	ranked, err := svc.store.ChannelActivity(ctx, store.ActivityFilter{Since: since, Until: until, MinMessages: req.MinMessages})
	if err != nil {
		return nil, fmt.Errorf("sifter: activity: %w", err)
	}
	if ranked == nil {
		ranked = []*ChannelActivity{}
	}
	return &ActivityReport{
		Since:       since,
		Until:       until,
		Timezone:    svc.location().String(),
		MinMessages: req.MinMessages,
		GeneratedAt: svc.now().UnixMilli(),
		Totals:      totals,
		Channels:    ranked,
	}, nil
}

// Dashboard builds the activity report and writes it as Markdown under dir
// (the configured activity report directory when empty). Returns the file
// path with the report.
func (svc *Service) Dashboard(ctx context.Context, req ActivityRequest, dir string) (string, *ActivityReport, error) {
	rep, err := svc.Activity(ctx, req)
	if err != nil {
		return "", nil, err
	}
	if dir == "" {
		dir = svc.cfg.Activity.ReportDir
	}
	day := time.UnixMilli(rep.Since).In(svc.location()).Format(time.DateOnly)
	path, err := artifact.NewWriter(dir).WriteDocument("", day+"_activity_report", nil, RenderActivity(rep, svc.location()))
	if err != nil {
		return "", nil, fmt.Errorf("sifter: dashboard: %w", err)
	}
	svc.logger.Info("sifter: activity report written", "path", path, "channels", len(rep.Channels))
	return path, rep, nil
}

// RenderActivity formats an activity report as Markdown.
func RenderActivity(rep *ActivityReport, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	day := time.UnixMilli(rep.Since).In(loc).Format(time.DateOnly)
	fmt.Fprintf(&b, "# Daily Activity Report - %s\n\n", day)
	fmt.Fprintf(&b, "Generated: %s  \n", time.UnixMilli(rep.GeneratedAt).UTC().Format(stampLayout))
	fmt.Fprintf(&b, "Window: %s to %s (%s)  \n", fmtMillis(rep.Since, loc), fmtMillis(rep.Until, loc), rep.Timezone)
	fmt.Fprintf(&b, "Minimum activity threshold: %d messages\n\n", rep.MinMessages)

	t := rep.Totals
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Total messages**: %d\n", t.Messages)
	fmt.Fprintf(&b, "- **Total participants**: %d\n", t.Participants)
	fmt.Fprintf(&b, "- **Active channels**: %d/%d\n", t.ActiveChannels, t.TotalChannels)
	fmt.Fprintf(&b, "- **Total replies**: %d\n", t.Replies)
	fmt.Fprintf(&b, "- **Overall reply ratio**: %.1f%%\n", t.ReplyRatio*100)
	fmt.Fprintf(&b, "- **Channels above threshold**: %d\n", len(rep.Channels))
	if t.ActiveChannels > 0 {
		fmt.Fprintf(&b, "- **Average messages per active channel**: %.1f\n", float64(t.Messages)/float64(t.ActiveChannels))
	}
	b.WriteString("\n## Channel rankings\n\n")
	b.WriteString("*Engagement score: participants x 2 + messages + reply ratio x 1.5*\n\n")
	if len(rep.Channels) == 0 {
		b.WriteString("No channels met the minimum activity threshold.\n")
		return b.String()
	}
	for i, c := range rep.Channels {
		fmt.Fprintf(&b, "### #%d %s\n\n", i+1, channelLabel(c.Channel))
		fmt.Fprintf(&b, "- **Engagement score**: %.2f\n", c.Score)
		fmt.Fprintf(&b, "- **Messages**: %d\n", c.Messages)
		fmt.Fprintf(&b, "- **Unique participants**: %d\n", c.Participants)
		fmt.Fprintf(&b, "- **Replies**: %d (%.1f%%)\n", c.Replies, c.ReplyRatio*100)
		fmt.Fprintf(&b, "- **Average message length**: %.1f characters\n\n", c.AvgLength)
		b.WriteString("**Top contributors:**\n")
		if len(c.TopContributors) == 0 {
			b.WriteString("- No identified contributors\n")
		}
		for _, tc := range c.TopContributors {
			fmt.Fprintf(&b, "- %s: %d messages\n", tc.Sender, tc.Messages)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// exportFront is the front matter of an exported channel document.
type exportFront struct {
	ChannelID    string `yaml:"channel_id"`
	Channel      string `yaml:"channel"`
	Platform     string `yaml:"platform"`
	ExternalID   string `yaml:"external_id"`
	GeneratedAt  string `yaml:"generated_at"`
	FirstMessage string `yaml:"first_message"`
	LastMessage  string `yaml:"last_message"`
	Messages     int    `yaml:"messages"`
	Participants int    `yaml:"participants"`
	Entities     int    `yaml:"entities"`
}

// Export writes one Markdown document per channel holding its messages in
// chronological order with their extracted entities, for reading or for
// loading into a notebook tool. Channels with no message in the window are
// skipped.
func (svc *Service) Export(ctx context.Context, req ExportRequest) ([]*ExportResult, error) {
	if req.Until != 0 && req.Until <= req.Since {
		return nil, fmt.Errorf("%w: empty export window", ErrInvalidInput)
	}
	var channels []*store.Channel
	if req.Channel != "" {
		ch, err := svc.resolveChannel(ctx, req.Channel)
		if err != nil {
			return nil, err
		}
		channels = []*store.Channel{ch}
	} else {
		all, err := svc.store.ListChannels(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("sifter: export: %w", err)
		}
		channels = all
	}
	dir := req.Dir
	if dir == "" {
		dir = svc.cfg.Export.Dir
	}
	w := artifact.NewWriter(dir)

	results := []*ExportResult{}
	for _, ch := range channels {
		res, err := svc.exportChannel(ctx, w, ch, req)
		if err != nil {
			return results, fmt.Errorf("sifter: export %s: %w", ch.ID, err)
		}
		if res == nil {
			continue
		}
		svc.logger.Info("sifter: channel exported", "channel", ch.ID, "path", res.Path, "messages", res.Messages)
		results = append(results, res)
	}
	return results, nil
}

func (svc *Service) exportChannel(ctx context.Context, w *artifact.Writer, ch *store.Channel, req ExportRequest) (*ExportResult, error) {
	var body strings.Builder
	senders := make(map[string]int)
	var hours [24]int
	var first, last int64
	res := &ExportResult{ChannelID: ch.ID}

	f := MessageFilter{ChannelID: ch.ID, Since: req.Since, Until: req.Until, Limit: exportPageSize}
	for {
		page, err := svc.store.ListMessages(ctx, f)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		ids := make([]int64, len(page))
		for i, m := range page {
			ids[i] = m.ID
		}
		ents, err := svc.store.EntitiesByMessage(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if res.Messages == 0 {
				first = m.SentAt
			}
			last = m.SentAt
			res.Messages++
			res.Entities += len(ents[m.ID])
			senders[senderLabel(m)]++
			hours[time.UnixMilli(m.SentAt).UTC().Hour()]++
			writeExportMessage(&body, m, ents[m.ID])
		}
		if len(page) < exportPageSize {
			break
		}
		tail := page[len(page)-1]
		f.AfterSentAt, f.AfterID = tail.SentAt, tail.ID
	}
	if res.Messages == 0 {
		return nil, nil
	}
	res.Participants = len(senders)

	top, err := svc.store.TopEntities(ctx, ch.ID, req.Since, req.Until, exportTopValues)
	if err != nil {
		return nil, err
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "# %s\n\n", channelLabel(ch))
	doc.WriteString("## Overview\n\n")
	fmt.Fprintf(&doc, "- **Platform**: %s\n", ch.Platform)
	fmt.Fprintf(&doc, "- **Channel**: %s\n", ch.ExternalID)
	fmt.Fprintf(&doc, "- **Messages**: %d\n", res.Messages)
	fmt.Fprintf(&doc, "- **Date range**: %s to %s\n", fmtMillis(first, time.UTC), fmtMillis(last, time.UTC))
	fmt.Fprintf(&doc, "- **Participants**: %d\n", res.Participants)
	fmt.Fprintf(&doc, "- **Extracted entities**: %d\n\n", res.Entities)

	doc.WriteString("## Most active senders\n\n")
	for _, s := range rankSenders(senders, exportTopSender) {
		fmt.Fprintf(&doc, "- **%s**: %d messages (%.1f%%)\n", s.Sender, s.Messages, float64(s.Messages)*100/float64(res.Messages))
	}

	doc.WriteString("\n## Activity by hour (UTC)\n\n")
	for h, n := range hours {
		if n == 0 {
			continue
		}
		fmt.Fprintf(&doc, "- **%02d:00-%02d:59**: %d messages (%.1f%%)\n", h, h, n, float64(n)*100/float64(res.Messages))
	}

	if len(top) > 0 {
		doc.WriteString("\n## Entities\n\n")
		kind := ""
		for _, e := range top {
			if e.Kind != kind {
				kind = e.Kind
				fmt.Fprintf(&doc, "\n### %s\n\n", kind)
			}
			fmt.Fprintf(&doc, "- `%s` (%d)\n", e.Value, e.Count)
		}
	}

	doc.WriteString("\n## Messages\n\n")
	doc.WriteString(body.String())

	front := exportFront{
		ChannelID:    ch.ID,
		Channel:      ch.DisplayName,
		Platform:     ch.Platform,
		ExternalID:   ch.ExternalID,
		GeneratedAt:  svc.now().UTC().Format(time.RFC3339),
		FirstMessage: time.UnixMilli(first).UTC().Format(time.RFC3339),
		LastMessage:  time.UnixMilli(last).UTC().Format(time.RFC3339),
		Messages:     res.Messages,
		Participants: res.Participants,
		Entities:     res.Entities,
	}
	res.Path, err = w.WriteDocument("", ch.Platform+"_"+ch.ExternalID, front, doc.String())
	if err != nil {
		return nil, err
	}
	return res, nil
}

func writeExportMessage(b *strings.Builder, m *Message, ents []*Entity) {
	fmt.Fprintf(b, "**%s** (%s) #%d\n", senderLabel(m), fmtMillis(m.SentAt, time.UTC), m.SourceMessageID)
	text := strings.TrimSpace(m.RawText)
	if text == "" {
		text = "[No content captured]"
	}
	b.WriteString(text)
	b.WriteString("\n")
	if m.ReplyToID != nil {
		fmt.Fprintf(b, "*[Reply to #%d]*\n", *m.ReplyToID)
	}
	if m.IsForwarded {
		from := m.ForwardFrom
		if from == "" {
			from = "unknown"
		}
		fmt.Fprintf(b, "*[Forwarded from %s]*\n", from)
	}
	if m.EditedAt != nil {
		fmt.Fprintf(b, "*[Edited: %s]*\n", fmtMillis(*m.EditedAt, time.UTC))
	}
	if m.MediaKind != "" || m.MediaRef != "" {
		kind := m.MediaKind
		if kind == "" {
			kind = "file"
		}
		fmt.Fprintf(b, "*[Attachment: %s]*\n", kind)
	}
	if ocr := strings.TrimSpace(m.OCRText); ocr != "" {
		fmt.Fprintf(b, "*[Image text: %s]*\n", strings.Join(strings.Fields(ocr), " "))
	}
	if len(ents) > 0 {
		parts := make([]string, len(ents))
		for i, e := range ents {
			parts[i] = e.Kind + " " + e.NormalizedValue
		}
		fmt.Fprintf(b, "*[Entities: %s]*\n", strings.Join(parts, "; "))
	}
	b.WriteString("\n")
}

// senderLabel names a message's author for humans: username, then display
// name, then the tail of the platform id.
func senderLabel(m *Message) string {
	switch {
	case m.SenderUsername != "":
		return m.SenderUsername
	case m.SenderDisplayName != "":
		return m.SenderDisplayName
	case m.SenderID != "":
		id := m.SenderID
		if len(id) > 8 {
			id = id[len(id)-8:]
		}
		return "User_" + id
	}
	return "unknown"
}

func rankSenders(counts map[string]int, limit int) []Contributor {
	out := make([]Contributor, 0, len(counts))
	for s, n := range counts {
		out = append(out, Contributor{Sender: s, Messages: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Messages != out[j].Messages {
			return out[i].Messages > out[j].Messages
		}
		return out[i].Sender < out[j].Sender
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func channelLabel(ch *Channel) string {
	if ch == nil {
		return "unknown channel"
	}
	ref := ch.Platform + ":" + ch.ExternalID
	if ch.DisplayName != "" && ch.DisplayName != ch.ExternalID {
		return ch.DisplayName + " (" + ref + ")"
	}
	return ref
}

func fmtMillis(ms int64, loc *time.Location) string {
	if ms == 0 {
		return "open"
	}
	return time.UnixMilli(ms).In(loc).Format(stampLayout)
}
