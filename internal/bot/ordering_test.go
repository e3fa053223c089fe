package bot

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/monitor"
)

// livePane is a pane whose screen changes as soon as a line is typed. It
// serves as terminal, monitor backend, notifier and output at once so every
// delivery lands in one ordered list.
type livePane struct {
	*world

	mu        sync.Mutex
	sig       int
	screen    string
	delivered []string
}

func (p *livePane) SendTextAndEnter(_ context.Context, _ model.Target, text string) error {
	p.mu.Lock()
	p.sig++
	p.screen += "$ " + text + "\n"
	p.mu.Unlock()
	// Gap between the literal text and Enter, during which ticks keep firing.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (p *livePane) Signature(context.Context, model.Target) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strconv.Itoa(p.sig), nil
}

func (p *livePane) Capture(context.Context, model.Target, model.CaptureMethod, int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screen, nil
}

func (p *livePane) Deliver(_ context.Context, _ model.ChatID, raw, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, label+" "+raw)
	return nil
}

func (p *livePane) CaptureAndSend(context.Context, model.ChatID, model.Target, time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, "reply")
	return nil
}

func (p *livePane) deliveries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.delivered...)
}

func TestCommandReplyPrecedesScreenUpdates(t *testing.T) {
	p := &livePane{world: newWorld()}
	m := monitor.New(p, p, nil, monitor.Options{PollInterval: 5 * time.Millisecond, IdleTimeout: time.Minute}, nil)
	t.Cleanup(m.Close)

	d := NewDispatcher(Deps{
		Sessions: p, Terminal: p, Output: p, Watcher: m, Modes: p,
		Auth: allowOnly(testChat), Reply: p,
	}, Options{}, nil)

	send(d, "/exec true")
	require.True(t, m.Running(testChat))

	// The poll loop is live now; the second command changes the pane while
	// ticks are due.
	send(d, "/exec make")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"reply", "reply"}, p.deliveries(),
		"the watch must not report a command's output ahead of its reply")
}
