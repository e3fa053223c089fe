package tmux

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/tmuxgram/internal/model"
)

// enterGap separates typed text from the Enter key. Some shells drop the
// newline when both arrive in the same read.
const enterGap = 100 * time.Millisecond

type SessionInfo struct {
	Name     string
	Windows  int
	Attached bool
	Created  time.Time
}

// Client drives one tmux server, either the default one or the server behind
// an explicit socket path.
type Client struct {
	exec     *Executor
	socket   string
	lookPath func(string) (string, error)
}

func NewClient(executor *Executor, socket string) *Client {
	return &Client{exec: executor, socket: strings.TrimSpace(socket), lookPath: exec.LookPath}
}

func (c *Client) run(ctx context.Context, args ...string) (RunResult, error) {
	if c.socket != "" {
		args = append([]string{"-S", c.socket}, args...)
	}
	return c.exec.Run(ctx, args...)
}

// isMissing reports tmux output that means the session or the whole server is
// gone. Both are expected answers, not failures.
func isMissing(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "can't find session") ||
		strings.Contains(out, "no server running") ||
		strings.Contains(out, "session not found") ||
		strings.Contains(out, "error connecting to")
}

func (c *Client) SessionExists(ctx context.Context, name string) (bool, error) {
	res, err := c.run(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if isMissing(res.Output) {
		return false, nil
	}
	return false, err
}

func (c *Client) CreateSession(ctx context.Context, name string) error {
	if c.socket != "" {
		if err := os.MkdirAll(filepath.Dir(c.socket), 0o700); err != nil {
			return fmt.Errorf("%w: create socket dir: %w", model.ErrBackendUnavailable, err)
		}
	}
	_, err := c.run(ctx, "new-session", "-d", "-s", name, "-n", "shell")
	return err
}

// KillSession is idempotent: an absent session or server is success.
func (c *Client) KillSession(ctx context.Context, name string) error {
	res, err := c.run(ctx, "kill-session", "-t", "="+name)
	if err != nil && !isMissing(res.Output) {
		return err
	}
	return nil
}

// CaptureFull returns up to maxLines of scrollback plus the visible screen,
// with wrapped lines joined.
func (c *Client) CaptureFull(ctx context.Context, target model.Target, maxLines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", target.String()}
	if maxLines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(maxLines))
	}
	res, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

func (c *Client) CaptureVisible(ctx context.Context, target model.Target) (string, error) {
	res, err := c.run(ctx, "capture-pane", "-p", "-J", "-t", target.String())
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// Capture dispatches on the method. Full captures are bounded by maxLines.
func (c *Client) Capture(ctx context.Context, target model.Target, method model.CaptureMethod, maxLines int) (string, error) {
	if method == model.CaptureVisible {
		return c.CaptureVisible(ctx, target)
	}
	return c.CaptureFull(ctx, target, maxLines)
}

var signatureFormat = joinFormat(
	"#{session_id}",
	"#{window_id}",
	"#{pane_id}",
	"#{history_size}",
	"#{cursor_x}",
	"#{cursor_y}",
	"#{pane_width}",
	"#{pane_height}",
	"#{pane_dead}",
	"#{pane_current_command}",
	"#{window_activity}",
)

// PaneState reads the cheap pane metadata used for change gating.
func (c *Client) PaneState(ctx context.Context, target model.Target) (model.PaneState, error) {
	res, err := c.run(ctx, "display-message", "-p", "-t", target.String(), signatureFormat)
	if err != nil {
		return model.PaneState{}, err
	}
	return parsePaneState(res.Output)
}

// Signature is a digest of PaneState. Equal signatures mean the pane very
// likely shows the same content.
func (c *Client) Signature(ctx context.Context, target model.Target) (string, error) {
	state, err := c.PaneState(ctx, target)
	if err != nil {
		return "", err
	}
	return Digest(state), nil
}

// SendLiteralText types text without key-name interpretation.
func (c *Client) SendLiteralText(ctx context.Context, target model.Target, text string) error {
	_, err := c.run(ctx, "send-keys", "-t", target.String(), "-l", "--", text)
	return err
}

// SendKey sends a tmux key name such as Enter, Up or C-c.
func (c *Client) SendKey(ctx context.Context, target model.Target, key string) error {
	_, err := c.run(ctx, "send-keys", "-t", target.String(), key)
	return err
}

func (c *Client) SendTextAndEnter(ctx context.Context, target model.Target, text string) error {
	if err := c.SendLiteralText(ctx, target, text); err != nil {
		return err
	}
	t := time.NewTimer(enterGap)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return c.SendKey(ctx, target, "Enter")
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	res, err := c.run(ctx, "list-sessions", "-F", joinFormat(
		"#{session_name}",
		"#{session_windows}",
		"#{session_attached}",
		"#{session_created}",
	))
	if err != nil {
		if isMissing(res.Output) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessions(res.Output)
}

// Version returns the `tmux -V` string.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := c.exec.Run(ctx, "-V")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Output), nil
}

func parseSessions(output string) ([]SessionInfo, error) {
	var sessions []SessionInfo
	s := bufio.NewScanner(strings.NewReader(output))
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := splitFields(line, 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid tmux list-sessions line: %q", line)
		}
		info := SessionInfo{Name: parts[0]}
		info.Windows, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
		attached, _ := strconv.Atoi(strings.TrimSpace(parts[2]))
		info.Attached = attached > 0
		if created, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64); err == nil && created > 0 {
			info.Created = time.Unix(created, 0).UTC()
		}
		sessions = append(sessions, info)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan tmux output: %w", err)
	}
	return sessions, nil
}
