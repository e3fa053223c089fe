package tmux

import "strings"

// fieldSeparator is the ASCII unit separator; it does not collide with pane
// titles, commands or paths.
const fieldSeparator = "\x1f"

func joinFormat(fields ...string) string {
	return strings.Join(fields, fieldSeparator)
}

// splitFields splits one formatted line. Older tmux builds print the
// separator escaped or as a tab, so those are accepted too.
func splitFields(line string, n int) []string {
	if n <= 0 {
		return nil
	}
	switch {
	case strings.Contains(line, fieldSeparator):
		return strings.SplitN(line, fieldSeparator, n)
	case strings.Contains(line, `\037`):
		return strings.SplitN(line, `\037`, n)
	case strings.Contains(line, "\t"):
		return strings.SplitN(line, "\t", n)
	default:
		return []string{line}
	}
}
