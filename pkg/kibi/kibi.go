// Package kibi formats and parses byte sizes with binary (1024) multipliers
package kibi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")

type unit struct {
	name       string
	short      string
	multiplier int64
}

// Largest first
var units = []unit{
	{"PB", "p", 1 << 50},
	{"TB", "t", 1 << 40},
	{"GB", "g", 1 << 30},
	{"MB", "m", 1 << 20},
	{"KB", "k", 1 << 10},
}

// FormatBytes returns b in the largest unit that it fills, rounded down. eg "10 MB"
func FormatBytes(b int64) string {
	for _, u := range units {
		if b >= u.multiplier {
			return fmt.Sprintf("%v %v", b/u.multiplier, u.name)
		}
	}
	return fmt.Sprintf("%v bytes", b)
}

// ParseBytes parses strings such as "123", "123 bytes", "10 mb", "10MB", or "10 m".
// Only whole numbers are accepted.
func ParseBytes(v string) (int64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseInt(v[:end], 10, 64)
	if err != nil {
		return 0, err
	}
	suffix := strings.TrimSpace(v[end:])
	if suffix == "" || suffix == "bytes" {
		return value, nil
	}
	for _, u := range units {
		if suffix == u.short || suffix == strings.ToLower(u.name) {
			return value * u.multiplier, nil
		}
	}
	return 0, ErrInvalidByteSizeString
}
