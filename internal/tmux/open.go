package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNoTerminal = errors.New("no terminal program configured")

// Terminal presets understood by OpenInTerminal. Any other value is a shell
// command that sees the session in $SESSION and the socket in $SOCKET.
const (
	TerminalITerm2 = "iterm2"
	TerminalApple  = "terminal"
)

// AttachCommand returns the shell line that attaches a terminal to session.
// tmux is named by absolute path because GUI terminals start with a bare PATH.
func (c *Client) AttachCommand(session string) string {
	tmuxPath := "tmux"
	if p, err := c.lookPath("tmux"); err == nil {
		tmuxPath = p
	}
	parts := []string{shellQuote(tmuxPath)}
	if c.socket != "" {
		parts = append(parts, "-S", shellQuote(c.socket))
	}
	parts = append(parts, "attach-session", "-t", shellQuote("="+session))
	return strings.Join(parts, " ")
}

// OpenInTerminal opens a window of the host's terminal program attached to
// session.
func (c *Client) OpenInTerminal(ctx context.Context, terminal, session string) error {
	terminal = strings.TrimSpace(terminal)
	var err error
	switch strings.ToLower(terminal) {
	case "":
		return ErrNoTerminal
	case TerminalITerm2:
		_, err = c.exec.RunProgram(ctx, "osascript", "-e", fmt.Sprintf(`tell application "iTerm2"
	create window with default profile command "%s"
	activate
end tell`, appleScriptEscape(c.AttachCommand(session))))
	case TerminalApple:
		_, err = c.exec.RunProgram(ctx, "osascript", "-e", fmt.Sprintf(`tell application "Terminal"
	do script "%s"
	activate
end tell`, appleScriptEscape(c.AttachCommand(session))))
	default:
		_, err = c.exec.RunProgram(ctx, "env", "SESSION="+session, "SOCKET="+c.socket, "sh", "-c", terminal)
	}
	if err != nil {
		return fmt.Errorf("open terminal: %w", err)
	}
	return nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '-' || r == '_' || r == '.' || r == '=' || r == ':' ||
			r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var appleScriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func appleScriptEscape(s string) string {
	return appleScriptEscaper.Replace(s)
}
