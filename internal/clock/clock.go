package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// All wall-clock decisions (trigger matching, quota resets, special dates)
// use a single fixed UTC+8 offset. No DST.
var Zone = time.FixedZone("UTC+8", 8*3600)

func Now() time.Time {
	return time.Now().In(Zone)
}

// Stamp renders a timestamp the way it appears in prompts and chat logs.
func Stamp(t time.Time) string {
	return t.In(Zone).Format("Mon 2006-01-02 15:04:05")
}

// DateKey is the YYYY-MM-DD form used by one-shot triggers.
func DateKey(t time.Time) string {
	return t.In(Zone).Format("2006-01-02")
}

// DayKey is the MM-DD form used by annual special dates.
func DayKey(t time.Time) string {
	return t.In(Zone).Format("01-02")
}

// Minute is the zero-padded HH:MM form triggers are matched against.
func Minute(t time.Time) string {
	return t.In(Zone).Format("15:04")
}

// NormalizeClock canonicalizes loosely formatted clock values ("9:5",
// "09:05") to zero-padded HH:MM. Returns false for anything that is not a
// valid 24-hour time.
func NormalizeClock(s string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return "", false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

// ParseInstant resolves a trigger's date + clock pair to an instant in the
// fixed zone.
func ParseInstant(date, hhmm string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, Zone)
}
