package enrich

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/net/idna"

	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

// Matcher extracts one kind of entity from text. Matchers are independent:
// each sees the full text and none consumes another's matches.
type Matcher struct {
	Kind string
	Find func(text string) []store.Entity
}

// DefaultMatchers returns the extraction set in its fixed order.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Kind: store.KindURL, Find: findURLs},
		{Kind: store.KindAddress, Find: findAddresses},
		{Kind: store.KindMention, Find: findMentions},
		{Kind: store.KindDate, Find: findDates},
		{Kind: store.KindInvite, Find: findInvites},
		{Kind: store.KindEmoji, Find: findEmoji},
	}
}

// Extract runs matchers over text in order. A (kind, raw value) pair is
// reported once; different kinds may share a raw value.
func Extract(text string, matchers []Matcher) []store.Entity {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []store.Entity
	for _, m := range matchers {
		for _, e := range m.Find(text) {
			key := e.Kind + "\x00" + e.RawValue
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	return out
}

func entity(kind, raw, normalized string, confidence float64) store.Entity {
	return store.Entity{Kind: kind, RawValue: raw, NormalizedValue: normalized, Confidence: confidence}
}

// --- URL ---

var urlRe = regexp.MustCompile(`https?://[^\s<>"]+`)

const urlTrailing = `.,;:!?)]}'"`

func findURLs(text string) []store.Entity {
	var out []store.Entity
	for _, raw := range urlRe.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, urlTrailing)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, entity(store.KindURL, raw, normalizeURL(u), 1.0))
	}
	return out
}

// normalizeURL lowercases the scheme and renders the host in ASCII form.
func normalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	if port := n.Port(); port != "" {
		host += ":" + port
	}
	n.Host = host
	return n.String()
}

// --- addresses ---

var (
	hexAddressRe = regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)
	walletRe     = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{25,44}\b`)
)

// base58CheckVersions are the version bytes of pay-to-pubkey-hash and
// pay-to-script-hash addresses on Bitcoin, Litecoin and Dogecoin, and of
// TRON accounts.
var base58CheckVersions = map[byte]bool{
	0x00: true, 0x05: true, // bitcoin
	0x30: true, 0x32: true, // litecoin
	0x1e: true, 0x16: true, // dogecoin
	0x41: true, // tron
}

// findAddresses reports 0x addresses anywhere, and base58 wallets outside
// URLs when they carry a valid checksum or have the shape of a 32-byte key.
func findAddresses(text string) []store.Entity {
	var out []store.Entity
	for _, raw := range hexAddressRe.FindAllString(text, -1) {
		if !common.IsHexAddress(raw) {
			continue
		}
		out = append(out, entity(store.KindAddress, raw, strings.ToLower(raw), 1.0))
	}
	for _, raw := range walletRe.FindAllString(maskURLs(text), -1) {
		switch {
		case isBase58Check(raw):
			out = append(out, entity(store.KindAddress, raw, raw, 0.9))
		case isBase58Key(raw):
			out = append(out, entity(store.KindAddress, raw, raw, 0.6))
		}
	}
	return out
}

func isBase58Check(s string) bool {
	payload, version, err := base58.CheckDecode(s)
	return err == nil && len(payload) == 20 && base58CheckVersions[version]
}

// isBase58Key matches Solana-style public keys: 32 bytes once decoded and
// a mix of digits, upper and lower case letters.
func isBase58Key(s string) bool {
	if len(s) < 32 || len(base58.Decode(s)) != 32 {
		return false
	}
	var digit, upper, lower bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		}
	}
	return digit && upper && lower
}

// maskURLs blanks URL spans so that path segments are not read as tokens.
func maskURLs(text string) string {
	return urlRe.ReplaceAllStringFunc(text, func(u string) string { return strings.Repeat(" ", len(u)) })
}

// --- mentions ---

var (
	discordUserRe    = regexp.MustCompile(`<@!?(\d+)>`)
	discordChannelRe = regexp.MustCompile(`<#(\d+)>`)
	discordRoleRe    = regexp.MustCompile(`<@&(\d+)>`)
	telegramHandleRe = regexp.MustCompile(`(^|[^\w@/.])@([A-Za-z][A-Za-z0-9_]{3,31})\b`)
)

func findMentions(text string) []store.Entity {
	var out []store.Entity
	for _, m := range discordUserRe.FindAllStringSubmatch(text, -1) {
		out = append(out, entity(store.KindMention, m[0], "user:"+m[1], 0.9))
	}
	for _, m := range discordChannelRe.FindAllStringSubmatch(text, -1) {
		out = append(out, entity(store.KindMention, m[0], "channel:"+m[1], 0.9))
	}
	for _, m := range discordRoleRe.FindAllStringSubmatch(text, -1) {
		out = append(out, entity(store.KindMention, m[0], "role:"+m[1], 0.9))
	}
	for _, m := range telegramHandleRe.FindAllStringSubmatch(text, -1) {
		out = append(out, entity(store.KindMention, "@"+m[2], "user:"+strings.ToLower(m[2]), 0.9))
	}
	return out
}

// --- dates ---

var (
	isoDateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?)?\b`)
	slashDateRe = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	monthDateRe = regexp.MustCompile(`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.? \d{1,2},? \d{4}\b`)
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
}

func findDates(text string) []store.Entity {
	var out []store.Entity
	for _, re := range []*regexp.Regexp{isoDateRe, slashDateRe, monthDateRe} {
		for _, raw := range re.FindAllString(text, -1) {
			if norm, ok := normalizeDate(raw); ok {
				out = append(out, entity(store.KindDate, raw, norm, 0.8))
			}
		}
	}
	return out
}

// normalizeDate parses raw with the known layouts. Date-only values render
// as YYYY-MM-DD, timestamps as RFC 3339 in UTC.
func normalizeDate(raw string) (string, bool) {
	s := strings.Replace(raw, ".", "", 1)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if !strings.Contains(layout, "15") {
			return t.Format("2006-01-02"), true
		}
		return t.UTC().Format(time.RFC3339), true
	}
	return "", false
}

// --- invites ---

var inviteRe = regexp.MustCompile(`(?:discord\.gg/|discord\.com/invite/|t\.me/joinchat/|t\.me/\+)([A-Za-z0-9_-]+)`)

func findInvites(text string) []store.Entity {
	var out []store.Entity
	for _, m := range inviteRe.FindAllStringSubmatch(text, -1) {
		out = append(out, entity(store.KindInvite, m[0], m[1], 0.9))
	}
	return out
}

// --- emoji ---

var (
	customEmojiRe = regexp.MustCompile(`<a?:(\w+):(\d+)>`)
	// A run of :shortcode: tokens standing on its own, not glued to a word
	// or another colon.
	shortcodeRunRe = regexp.MustCompile(`(?:^|[^\w:])((?::[a-z0-9_+-]*[a-z][a-z0-9_+-]*:)+)`)
	shortcodeRe    = regexp.MustCompile(`:([a-z0-9_+-]*[a-z][a-z0-9_+-]*):`)
)

func findEmoji(text string) []store.Entity {
	var out []store.Entity
	for _, m := range customEmojiRe.FindAllStringSubmatch(text, -1) {
		out = append(out, entity(store.KindEmoji, m[1]+":"+m[2], strings.ToLower(m[1]), 0.8))
	}
	rest := maskURLs(customEmojiRe.ReplaceAllString(text, " "))
	for _, idx := range shortcodeRunRe.FindAllStringSubmatchIndex(rest, -1) {
		start, end := idx[2], idx[3]
		if end < len(rest) && continuesToken(rest[end]) {
			continue
		}
		for _, m := range shortcodeRe.FindAllStringSubmatch(rest[start:end], -1) {
			out = append(out, entity(store.KindEmoji, m[0], m[1], 0.8))
		}
	}
	return out
}

func continuesToken(b byte) bool {
	return b == '_' || b == ':' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
