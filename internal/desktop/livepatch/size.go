package livepatch

import (
	"strconv"
	"strings"

	appErr "vdesk/pkg/errors"
)

// ParseSize converts a size string such as "4g", "512m", "1k" or "1048576"
// to bytes. Suffixes are case-insensitive powers of 1024 and may carry a
// trailing "b".
func ParseSize(s string) (int64, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return 0, appErr.New(appErr.InvalidSize).WithDetail("value", s)
	}
	if n := len(text); n > 1 && text[n-1] == 'b' {
		text = text[:n-1]
	}

	multiplier := int64(1)
	switch text[len(text)-1] {
	case 'k':
		multiplier = 1 << 10
	case 'm':
		multiplier = 1 << 20
	case 'g':
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		text = text[:len(text)-1]
	}

	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil || value < 0 {
		return 0, appErr.Newf(appErr.InvalidSize, "invalid size %q", s).WithDetail("value", s)
	}
	if value > (1<<63-1)/multiplier {
		return 0, appErr.Newf(appErr.InvalidSize, "size %q overflows", s).WithDetail("value", s)
	}
	return value * multiplier, nil
}
