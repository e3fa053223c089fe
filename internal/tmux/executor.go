package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/tmuxgram/internal/model"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

type RunResult struct {
	Output   string
	Duration time.Duration
}

// Executor runs tmux subcommands with a per-attempt timeout. Read-only
// subcommands are retried with the configured backoff.
type Executor struct {
	runner         Runner
	commandTimeout time.Duration
	retryBackoff   []time.Duration
}

func NewExecutor(commandTimeout time.Duration, retryBackoff []time.Duration) *Executor {
	return NewExecutorWithRunner(OSRunner{}, commandTimeout, retryBackoff)
}

func NewExecutorWithRunner(runner Runner, commandTimeout time.Duration, retryBackoff []time.Duration) *Executor {
	if commandTimeout <= 0 {
		commandTimeout = 5 * time.Second
	}
	return &Executor{
		runner:         runner,
		commandTimeout: commandTimeout,
		retryBackoff:   retryBackoff,
	}
}

// Run executes tmux with args. On failure the result still carries the
// command output so callers can recognise benign conditions such as a
// missing session.
func (e *Executor) Run(ctx context.Context, args ...string) (RunResult, error) {
	if len(args) == 0 {
		return RunResult{}, fmt.Errorf("empty tmux command")
	}

	sub := subcommand(args)
	maxAttempts := 1
	if isRetryable(sub) {
		maxAttempts += len(e.retryBackoff)
	}
	var (
		lastErr error
		lastOut string
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
		out, err := e.runner.Run(runCtx, "tmux", args...)
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = err
		lastOut = string(out)

		if attempt < maxAttempts {
			backoff := e.retryBackoff[attempt-1]
			jitter := time.Duration(0)
			if maxJitter := int64(backoff / 4); maxJitter > 0 {
				jitter = time.Duration(time.Now().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{Output: lastOut}, fmt.Errorf("%w: %w", model.ErrBackendUnavailable, ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}
	}

	detail := strings.TrimSpace(lastOut)
	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) || detail == "" {
		return RunResult{Output: lastOut}, fmt.Errorf("%w: tmux %s: %w", model.ErrBackendUnavailable, sub, lastErr)
	}
	return RunResult{Output: lastOut}, fmt.Errorf("%w: tmux %s: %w (%s)", model.ErrBackendUnavailable, sub, lastErr, detail)
}

// RunProgram runs a helper program other than tmux once, under the same
// per-command timeout.
func (e *Executor) RunProgram(ctx context.Context, name string, args ...string) (RunResult, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()
	out, err := e.runner.Run(runCtx, name, args...)
	res := RunResult{Output: string(out), Duration: time.Since(start)}
	if err != nil {
		if detail := strings.TrimSpace(res.Output); detail != "" {
			return res, fmt.Errorf("%s: %w (%s)", name, err, detail)
		}
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// subcommand skips the server selection flags in front of the tmux verb.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-S" || args[i] == "-L" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// isRetryable reports whether the subcommand is a pure read. Writes such as
// send-keys must never be replayed.
func isRetryable(sub string) bool {
	switch strings.ToLower(sub) {
	case "list-panes", "list-windows", "list-sessions", "display-message", "capture-pane":
		return true
	default:
		return false
	}
}
