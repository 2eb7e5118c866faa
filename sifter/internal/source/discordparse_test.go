package source

import (
	"strings"
	"testing"
	"time"
)

const discordFixture = `<html><body><main>
<ol data-list-id="chat-messages" class="scrollerInner_abc">
  <li id="chat-messages-900-1001" class="messageListItem_x">
    <div class="message_x">
      <div class="contents_x">
        <img class="avatar_x" src="https://cdn.discordapp.com/avatars/5551/abc.webp?size=80">
        <h3 class="header_x">
          <span class="headerText_x"><span id="message-username-1001" class="username_x">whale</span></span>
          <span class="timestamp_x"><time id="message-timestamp-1001" datetime="2025-12-07T12:00:00.000Z">Today</time></span>
        </h3>
        <div id="message-content-1001" class="markup_x messageContent_x">gm <strong>frens</strong> <img class="emoji" alt=":rocket:" src="https://cdn.discordapp.com/emojis/1.webp"><script>alert(1)</script></div>
      </div>
    </div>
  </li>
  <li id="chat-messages-900-1002" class="messageListItem_x">
    <div class="message_x">
      <div class="contents_x">
        <span class="timestamp_x"><time id="message-timestamp-1002" datetime="2025-12-07T12:00:05.000Z">12:00</time></span>
        <div id="message-content-1002" class="markup_x messageContent_x">chart attached</div>
      </div>
      <div id="message-accessories-1002">
        <a href="https://cdn.discordapp.com/attachments/900/77/chart.png?ex=1">chart.png</a>
      </div>
    </div>
  </li>
  <li id="chat-messages-900-1003" class="messageListItem_x">
    <div class="message_x">
      <div id="message-reply-context-1003" class="repliedMessage_x">
        <img class="avatar_x" src="https://cdn.discordapp.com/avatars/5551/abc.webp">
        <span class="username_x">whale</span>
        <div id="message-content-1001" class="repliedTextContent_x">gm frens</div>
      </div>
      <div class="contents_x">
        <img class="avatar_x" src="https://cdn.discordapp.com/avatars/7777/def.webp">
        <h3 class="header_x">
          <span class="headerText_x"><span id="message-username-1003" class="username_x">shrimp</span></span>
          <span class="timestamp_x"><time id="message-timestamp-1003" datetime="2025-12-07T12:01:00.000Z">12:01</time></span>
        </h3>
        <div id="message-content-1003" class="markup_x messageContent_x">send it</div>
        <span class="edited_x"><time datetime="2025-12-07T12:02:00.000Z">(edited)</time></span>
      </div>
    </div>
  </li>
  <li id="chat-messages-900-1001" class="messageListItem_x"><div id="message-content-1001">dup</div></li>
  <li class="divider_x">New messages</li>
</ol>
</main></body></html>`

func TestDiscordParser_Parse(t *testing.T) {
	// WHAT: Message items become ascending RawMessages with author carry-over, replies, edits and attachments.
	// WHY: The web client only renders a header on the first message of a group.
	msgs, err := newDiscordParser().Parse(discordFixture)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	first := msgs[0]
	if first.ID != 1001 || first.SenderName != "whale" || first.SenderID != "5551" {
		t.Errorf("first: %+v", first)
	}
	if !first.Timestamp.Equal(time.Date(2025, 12, 7, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp: %s", first.Timestamp)
	}
	if !strings.Contains(first.Text, "gm") || !strings.Contains(first.Text, "**frens**") || !strings.Contains(first.Text, ":rocket:") {
		t.Errorf("markdown: %q", first.Text)
	}
	if strings.Contains(first.Text, "alert") {
		t.Errorf("script survived sanitizing: %q", first.Text)
	}

	grouped := msgs[1]
	if grouped.SenderName != "whale" || grouped.SenderID != "5551" {
		t.Errorf("grouped author not carried: %+v", grouped)
	}
	if grouped.MediaKind != MediaImage || !strings.Contains(grouped.MediaRef, "/attachments/900/77/chart.png") {
		t.Errorf("attachment: %q %q", grouped.MediaRef, grouped.MediaKind)
	}

	reply := msgs[2]
	if reply.SenderName != "shrimp" || reply.SenderID != "7777" {
		t.Errorf("reply author: %+v", reply)
	}
	if reply.ReplyToID != 1001 || reply.Text != "send it" {
		t.Errorf("reply: to=%d text=%q", reply.ReplyToID, reply.Text)
	}
	if reply.EditTimestamp == nil || !reply.EditTimestamp.Equal(time.Date(2025, 12, 7, 12, 2, 0, 0, time.UTC)) {
		t.Errorf("edit time: %v", reply.EditTimestamp)
	}
	if !reply.Timestamp.Equal(time.Date(2025, 12, 7, 12, 1, 0, 0, time.UTC)) {
		t.Errorf("sent time picked the edit marker: %s", reply.Timestamp)
	}
}

func TestDiscordParser_SnowflakeFallback(t *testing.T) {
	doc := `<ol><li id="chat-messages-1-175928847299117063"><div id="message-content-175928847299117063">hi</div></li></ol>`
	msgs, err := newDiscordParser().Parse(doc)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("msgs=%v err=%v", msgs, err)
	}
	if want := snowflakeTime(175928847299117063); !msgs[0].Timestamp.Equal(want) {
		t.Errorf("got %s, want %s", msgs[0].Timestamp, want)
	}
	if msgs[0].SenderName != "" {
		t.Errorf("sender: %q", msgs[0].SenderName)
	}
}

func TestAttachmentKind(t *testing.T) {
	cases := map[string]string{
		"https://cdn.discordapp.com/attachments/1/2/a.JPG?ex=1": MediaImage,
		"https://cdn.discordapp.com/attachments/1/2/v.mp4":      MediaVideo,
		"https://cdn.discordapp.com/attachments/1/2/r.pdf":      MediaDocument,
		"https://cdn.discordapp.com/attachments/1/2/noext":      MediaOther,
	}
	for in, want := range cases {
		if got := attachmentKind(in); got != want {
			t.Errorf("attachmentKind(%q) = %q, want %q", in, got, want)
		}
	}
}
