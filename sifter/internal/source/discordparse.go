package source

import (
	"fmt"
	"html"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// discordParser turns a snapshot of the Discord web client's message list
// into RawMessages.
type discordParser struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

func newDiscordParser() *discordParser {
	return &discordParser{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Parse reads every message item in doc, ascending by id. Grouped messages
// without their own header inherit the author of the item above them.
func (p *discordParser) Parse(doc string) ([]RawMessage, error) {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse discord html: %w", err)
	}

	var (
		out      []RawMessage
		seen     = make(map[int64]bool)
		lastName string
		lastID   string
	)
	root.Find(`li[id^="chat-messages-"], li[data-list-item-id^="chat-messages"]`).Each(func(_ int, li *goquery.Selection) {
		idAttr, _ := li.Attr("id")
		if idAttr == "" {
			idAttr, _ = li.Attr("data-list-item-id")
		}
		id, ok := parseSnowflake(idAttr)
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		key := fmt.Sprint(id)

		raw := RawMessage{ID: id, Timestamp: snowflakeTime(id)}
		reply := li.Find(`[id^="message-reply-context-"], [data-testid="reply-reference"]`)

		own := li.Find(`time[id^="message-timestamp-"]`).First()
		if own.Length() == 0 {
			own = li.Find("time[datetime]").Not(`[class*="edited"] time`).First()
		}
		if ts, ok := parseDiscordTime(own); ok {
			raw.Timestamp = ts
		}
		if ts, ok := parseDiscordTime(li.Find(`[class*="edited"] time[datetime]`).First()); ok {
			raw.EditTimestamp = &ts
		}

		name := strings.TrimSpace(li.Find(`[id="message-username-` + key + `"]`).First().Text())
		if name == "" {
			name = strings.TrimSpace(li.Find(`span[class*="username"]`).NotSelection(reply.Find("*")).First().Text())
		}
		if name != "" {
			lastName = name
			lastID = avatarUserID(li.Find(`img[class*="avatar"]`).NotSelection(reply.Find("*")).First())
		}
		raw.SenderName = lastName
		raw.SenderUsername = lastName
		raw.SenderID = lastID

		content := li.Find(`[id="message-content-` + key + `"]`).First()
		if content.Length() == 0 {
			content = li.Find(`div[id^="message-content-"]`).NotSelection(reply.Find("*")).First()
		}
		raw.Text = p.markdown(content)

		if ref := reply.Find(`[id^="message-content-"]`).First(); ref.Length() > 0 {
			refID, _ := ref.Attr("id")
			if rid, ok := parseSnowflake(refID); ok {
				raw.ReplyToID = rid
			}
		}
		if li.Find(`[class*="forwarded"], [class*="Forwarded"]`).Length() > 0 {
			raw.IsForwarded = true
		}

		raw.MediaRef, raw.MediaKind = firstAttachment(li)
		out = append(out, raw)
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *discordParser) markdown(content *goquery.Selection) string {
	if content.Length() == 0 {
		return ""
	}
	content = content.Clone()
	// Custom emoji are images; keep their shortcode.
	content.Find("img").Each(func(_ int, img *goquery.Selection) {
		alt, _ := img.Attr("alt")
		img.ReplaceWithHtml(html.EscapeString(alt))
	})
	inner, err := content.Html()
	if err != nil {
		return strings.TrimSpace(content.Text())
	}
	md, err := p.md.ConvertString(p.policy.Sanitize(inner))
	if err != nil {
		return strings.TrimSpace(content.Text())
	}
	return strings.TrimSpace(md)
}

func parseDiscordTime(sel *goquery.Selection) (time.Time, bool) {
	v, ok := sel.Attr("datetime")
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// avatarUserID reads the user id out of .../avatars/<id>/<hash>.png.
func avatarUserID(img *goquery.Selection) string {
	src, _ := img.Attr("src")
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "avatars" {
			return parts[i+1]
		}
	}
	return ""
}

func firstAttachment(li *goquery.Selection) (string, string) {
	var ref string
	li.Find(`a[href*="/attachments/"], img[src*="/attachments/"], video[src*="/attachments/"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, ok := s.Attr("href")
		if !ok {
			v, _ = s.Attr("src")
		}
		if strings.Contains(v, "cdn.discordapp.com/attachments/") || strings.Contains(v, "media.discordapp.net/attachments/") {
			ref = v
			return false
		}
		return true
	})
	if ref == "" {
		return "", ""
	}
	return ref, attachmentKind(ref)
}

func attachmentKind(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return MediaOther
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return MediaImage
	case ".mp4", ".webm", ".mov":
		return MediaVideo
	case "":
		return MediaOther
	}
	return MediaDocument
}
