package source

import (
	"strconv"
	"strings"
	"time"
)

// discordEpochMillis is 2015-01-01T00:00:00Z.
const discordEpochMillis = 1420070400000

// snowflakeTime returns the creation time embedded in a Discord id.
func snowflakeTime(id int64) time.Time {
	return time.UnixMilli((id >> 22) + discordEpochMillis).UTC()
}

// parseSnowflake extracts the trailing numeric segment of ids such as
// "chat-messages-123-456" or "chat-messages___456".
func parseSnowflake(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, "-_"); i >= 0 {
		s = s[i+1:]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
