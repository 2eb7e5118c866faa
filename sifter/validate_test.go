package sifter

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateChannelInput(t *testing.T) {
	ok := []struct{ platform, id, wantID string }{
		{"telegram", "-1001234567890", "-1001234567890"},
		{"Telegram", "alpha_calls", "@alpha_calls"},
		{"telegram", "@alpha_calls", "@alpha_calls"},
		{"discord", "112233445566778899/998877665544332211", "112233445566778899/998877665544332211"},
		{"discord", "@me/998877665544332211", "@me/998877665544332211"},
	}
	for _, c := range ok {
		p, id, err := validateChannelInput(c.platform, c.id, "")
		if err != nil || id != c.wantID || p != strings.ToLower(c.platform) {
			t.Errorf("%s %s: got %s %s %v", c.platform, c.id, p, id, err)
		}
	}
	bad := []struct{ platform, id string }{
		{"telegram", "a b"},
		{"telegram", "@ab"},
		{"discord", "998877665544332211"},
		{"discord", "guild/channel"},
		{"irc", "#chan"},
	}
	for _, c := range bad {
		if _, _, err := validateChannelInput(c.platform, c.id, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s %s: got %v, want ErrInvalidInput", c.platform, c.id, err)
		}
	}
	if _, _, err := validateChannelInput("telegram", "-1", strings.Repeat("n", maxNameLen+1)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("long name accepted")
	}
}
