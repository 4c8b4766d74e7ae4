package counters

import (
	"strconv"
	"strings"
	"time"
)

// LocalDate converts an epoch-ms timestamp to a YYYY-MM-DD date string.
// A tz of the form "+05:30" or "-04:00" is applied as a fixed offset;
// anything else resolves as UTC.
func LocalDate(tsMillis int64, tz string) string {
	t := time.UnixMilli(tsMillis).UTC()
	if offset, ok := parseFixedOffset(tz); ok {
		t = t.Add(offset)
	}
	return t.Format("2006-01-02")
}

func parseFixedOffset(tz string) (time.Duration, bool) {
	tz = strings.TrimSpace(tz)
	if len(tz) < 3 || (tz[0] != '+' && tz[0] != '-') || !strings.Contains(tz, ":") {
		return 0, false
	}
	sign := time.Duration(1)
	if tz[0] == '-' {
		sign = -1
	}
	hh, mm, ok := strings.Cut(tz[1:], ":")
	if !ok {
		return 0, false
	}
	hours, err := strconv.Atoi(hh)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(mm)
	if err != nil {
		return 0, false
	}
	return sign * (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute), true
}
