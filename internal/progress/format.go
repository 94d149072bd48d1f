package progress

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type unit struct {
	suffix string
	size   int64
}

// units is ordered largest first; ParseBytes relies on "B" coming last.
var units = []unit{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// FormatBytes renders b with binary units and two decimals, e.g. "1.50 KB".
// Values below one kilobyte are printed as whole bytes.
func FormatBytes(b int64) string {
	for _, u := range units[:len(units)-1] {
		if b >= u.size {
			return fmt.Sprintf("%.2f %s", float64(b)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}

// ParseBytes parses sizes such as "256MB", "1.5 KB" or "100". Units are
// binary and case-insensitive.
func ParseBytes(s string) (int64, error) {
	num := strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	for _, u := range units {
		if strings.HasSuffix(num, u.suffix) {
			multiplier = u.size
			num = strings.TrimSpace(strings.TrimSuffix(num, u.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative byte string: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}

// formatDuration renders d as "5s", "1m 30s" or "2h 3m 4s".
func formatDuration(d time.Duration) string {
	secs := int64(d.Seconds())
	h, m, sec := secs/3600, secs/60%60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
