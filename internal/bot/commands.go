package bot

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var commandPattern = regexp.MustCompile(`(?s)^/([A-Za-z0-9_]+)(?:@[A-Za-z0-9_]+)?(.*)$`)

// command is a parsed "/name@bot args" message.
type command struct {
	name string
	// args is everything after the name with leading whitespace removed.
	args string
}

func parseCommand(text string) (command, bool) {
	m := commandPattern.FindStringSubmatch(text)
	if m == nil {
		return command{}, false
	}
	return command{
		name: strings.ToLower(m[1]),
		args: strings.TrimLeft(m[2], " \t\r\n"),
	}, true
}

// keyCommands map single-key commands to tmux key names.
var keyCommands = map[string]string{
	"enter": "Enter",
	"up":    "Up",
	"down":  "Down",
	"left":  "Left",
	"right": "Right",
	"esc":   "Escape",
	"tab":   "Tab",
}

// modifierPrefixes map modifier commands to tmux key prefixes. cmd has no
// terminal equivalent and acts as ctrl.
var modifierPrefixes = map[string]string{
	"ctrl":  "C-",
	"alt":   "M-",
	"shift": "S-",
	"cmd":   "C-",
}

// parseModifierKey accepts "+ c", "c" and "+c" and returns the lower-cased
// key, or "" when none was given.
func parseModifierKey(args string) string {
	key := strings.TrimSpace(args)
	key = strings.TrimPrefix(key, "+")
	return strings.ToLower(strings.TrimSpace(key))
}

// expandCustom builds the shell line for a custom command. A template with
// $args gets every occurrence replaced; otherwise args are appended.
func expandCustom(template, args string) string {
	if strings.Contains(template, "$args") {
		return strings.ReplaceAll(template, "$args", args)
	}
	if args == "" {
		return template
	}
	return template + " " + args
}

// parsePages reads the /screen argument. Anything unparsable means one page.
func parsePages(args string, limit int) int {
	n, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 1
	}
	n = math.Round(n)
	if n < 1 {
		return 1
	}
	if limit > 0 && n > float64(limit) {
		return limit
	}
	return int(n)
}
