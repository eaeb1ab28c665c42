package auth

import "fmt"

// HumanizeDuration renders a whole number of seconds for log output,
// e.g. 3661 becomes "1 hour, 1 minute, and 1 seconds".
func HumanizeDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := seconds % 3600 / 60
	s := seconds % 60

	hours := ""
	if h > 0 {
		hours = plural(h, "hour")
	}
	minutes := ""
	if m > 0 {
		minutes = plural(m, "minute")
	}

	switch {
	case hours != "" && minutes != "" && s > 0:
		return fmt.Sprintf("%s, %s, and %d seconds", hours, minutes, s)
	case hours != "" && minutes != "":
		return fmt.Sprintf("%s and %s", hours, minutes)
	case minutes != "":
		return minutes
	case hours != "":
		return hours
	}
	return fmt.Sprintf("%d seconds", s)
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
