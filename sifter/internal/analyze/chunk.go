package analyze

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

const lineTimeLayout = "2006-01-02 15:04:05"

// FormatLine renders a message as "[YYYY-MM-DD HH:MM:SS UTC] @user: text".
// The sender falls back from username to display name to "Unknown"; OCR
// text is appended as "[image: ...]".
func FormatLine(m *store.Message) string {
	sender := m.SenderUsername
	if sender == "" {
		sender = m.SenderDisplayName
	}
	if sender == "" {
		sender = "Unknown"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.UnixMilli(m.SentAt).UTC().Format(lineTimeLayout))
	b.WriteString(" UTC] @")
	b.WriteString(sender)
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(m.RawText))
	if ocr := strings.TrimSpace(m.OCRText); ocr != "" {
		b.WriteString(" [image: ")
		b.WriteString(ocr)
		b.WriteString("]")
	}
	return b.String()
}

// EstimateTokens approximates tokens as ceil(characters / 4).
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

const lineSeparator = "\n\n"

// Chunk is one batch of a channel's messages bound for a single call.
type Chunk struct {
	Messages    []*store.Message
	Text        string
	Tokens      int
	Truncated   bool
	StartCursor int64
	EndCursor   int64
	StartTime   time.Time
	EndTime     time.Time
}

// IDs returns the store IDs of the chunk's messages.
func (c *Chunk) IDs() []int64 {
	ids := make([]int64, len(c.Messages))
	for i, m := range c.Messages {
		ids[i] = m.ID
	}
	return ids
}

// ChunkLimits bound a chunk.
type ChunkLimits struct {
	TokenBudget   int
	MaxMessages   int
	MaxCallTokens int
}

// NextChunk greedily packs msgs, in order, into one chunk. The first
// message is always taken even when its line alone exceeds the budget; a
// line beyond MaxCallTokens is cut to that limit and the chunk flagged
// truncated. Returns nil for an empty input.
func NextChunk(msgs []*store.Message, lim ChunkLimits) *Chunk {
	if len(msgs) == 0 {
		return nil
	}
	c := &Chunk{}
	var b strings.Builder
	for _, m := range msgs {
		if lim.MaxMessages > 0 && len(c.Messages) >= lim.MaxMessages {
			break
		}
		line := FormatLine(m)
		tokens := EstimateTokens(line)
		if len(c.Messages) > 0 {
			tokens += EstimateTokens(lineSeparator)
			if lim.TokenBudget > 0 && c.Tokens+tokens > lim.TokenBudget {
				break
			}
		} else if lim.MaxCallTokens > 0 && tokens > lim.MaxCallTokens {
			line = truncateRunes(line, lim.MaxCallTokens*4)
			tokens = EstimateTokens(line)
			c.Truncated = true
		}

		if len(c.Messages) > 0 {
			b.WriteString(lineSeparator)
		}
		b.WriteString(line)
		c.Tokens += tokens
		c.Messages = append(c.Messages, m)

		if c.StartCursor == 0 || m.SourceMessageID < c.StartCursor {
			c.StartCursor = m.SourceMessageID
		}
		if m.SourceMessageID > c.EndCursor {
			c.EndCursor = m.SourceMessageID
		}
		// An oversize first line fills the chunk on its own.
		if len(c.Messages) == 1 && lim.TokenBudget > 0 && c.Tokens >= lim.TokenBudget {
			break
		}
	}
	c.Text = b.String()
	c.StartTime = time.UnixMilli(c.Messages[0].SentAt).UTC()
	c.EndTime = time.UnixMilli(c.Messages[len(c.Messages)-1].SentAt).UTC()
	return c
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
