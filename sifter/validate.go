package sifter

import (
	"fmt"
	"regexp"
	"strings"
)

const maxNameLen = 256

// Supported platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

var (
	telegramChatID   = regexp.MustCompile(`^-?\d{1,20}$`)
	telegramUsername = regexp.MustCompile(`^@?[A-Za-z][A-Za-z0-9_]{3,31}$`)
	discordChannelID = regexp.MustCompile(`^(\d{15,20}|@me)/\d{15,20}$`)
)

// validateChannelInput checks a channel before registration and returns
// the normalized platform and external id.
func validateChannelInput(platform, externalID, name string) (string, string, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	externalID = strings.TrimSpace(externalID)
	if len(name) > maxNameLen {
		return "", "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxNameLen)
	}
	switch platform {
	case PlatformTelegram:
		switch {
		case telegramChatID.MatchString(externalID):
		case telegramUsername.MatchString(externalID):
			externalID = "@" + strings.TrimPrefix(externalID, "@")
		default:
			return "", "", fmt.Errorf("%w: telegram channel must be a numeric chat id or @username, got %q", ErrInvalidInput, externalID)
		}
	case PlatformDiscord:
		if !discordChannelID.MatchString(externalID) {
			return "", "", fmt.Errorf("%w: discord channel must be <guild_id>/<channel_id>, got %q", ErrInvalidInput, externalID)
		}
	default:
		return "", "", fmt.Errorf("%w: unknown platform %q (want telegram or discord)", ErrInvalidInput, platform)
	}
	return platform, externalID, nil
}
