// Package monitor watches a chat's pane and pushes screen changes to the chat.
//
// Each chat has at most one watch and one poll loop. A tick first compares the
// cheap pane signature and only captures the pane when it moved. Watches stop
// themselves after an idle period or when tmux can no longer be queried.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/output"
)

var ErrClosed = errors.New("monitor closed")

type Backend interface {
	Signature(ctx context.Context, target model.Target) (string, error)
	Capture(ctx context.Context, target model.Target, method model.CaptureMethod, maxLines int) (string, error)
}

// Notifier delivers a changed screen. Label marks it as an update or as a
// prompt waiting for input.
type Notifier interface {
	Deliver(ctx context.Context, chat model.ChatID, raw, label string) error
}

type ModeResolver interface {
	Mode(chat model.ChatID) model.OutputMode
}

type Options struct {
	PollInterval time.Duration
	IdleTimeout  time.Duration
	// CaptureLines bounds full-history captures.
	CaptureLines int
}

// Status is a point-in-time view of one watch.
type Status struct {
	Chat         model.ChatID
	WatchID      string
	Target       model.Target
	Method       model.CaptureMethod
	LastChangeAt time.Time
}

type Monitor struct {
	backend  Backend
	notifier Notifier
	modes    ModeResolver
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loops  atomic.Int64

	mu      sync.Mutex
	closed  bool
	watches map[model.ChatID]*watch
}

// watch is the per-chat state. Every field below mu is guarded by it; ticks,
// re-baselines and stops for one chat therefore never interleave. Lock order
// is watch.mu then Monitor.mu.
type watch struct {
	id     string
	chat   model.ChatID
	ctx    context.Context
	cancel context.CancelFunc
	rearm  chan struct{}

	mu            sync.Mutex
	stopped       bool
	target        model.Target
	method        model.CaptureMethod
	lastSignature string
	lastContent   string
	lastChangeAt  time.Time
}

func New(backend Backend, notifier Notifier, modes ModeResolver, opts Options, logger *slog.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		backend:  backend,
		notifier: notifier,
		modes:    modes,
		opts:     opts,
		logger:   logger.With("component", "monitor"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		watches:  map[model.ChatID]*watch{},
	}
}

// Start begins watching target for chat, or re-baselines the existing watch.
func (m *Monitor) Start(ctx context.Context, chat model.ChatID, target model.Target) error {
	return m.StartWith(ctx, chat, target, nil)
}

// StartWith runs immediate while holding the chat's watch, then takes a new
// baseline and re-arms the poll timer. Output sent by immediate therefore
// always precedes the next tick. When immediate fails its error is returned
// and a watch created by this call is discarded.
func (m *Monitor) StartWith(ctx context.Context, chat model.ChatID, target model.Target, immediate func(context.Context) error) error {
	for {
		w, created, err := m.acquire(chat)
		if err != nil {
			return err
		}
		if w.stopped {
			w.mu.Unlock()
			m.forget(w)
			continue
		}

		if immediate != nil {
			if err := immediate(ctx); err != nil {
				if created {
					w.stopped = true
					w.cancel()
				}
				w.mu.Unlock()
				if created {
					m.forget(w)
					m.wg.Done()
				}
				return err
			}
		}
		m.baseline(ctx, w, target)
		w.mu.Unlock()

		if created {
			m.loops.Add(1)
			go m.loop(w)
			m.logger.Debug("watch started", "chat", chat, "watch", w.id, "target", target)
		} else {
			select {
			case w.rearm <- struct{}{}:
			default:
			}
		}
		return nil
	}
}

// acquire returns the chat's watch with its lock held, creating it if needed.
// A created watch is counted in m.wg before m.mu is released so Close cannot
// miss its loop.
func (m *Monitor) acquire(chat model.ChatID) (*watch, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}
	if w, ok := m.watches[chat]; ok {
		m.mu.Unlock()
		w.mu.Lock()
		return w, false, nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{
		id:     uuid.NewString(),
		chat:   chat,
		ctx:    ctx,
		cancel: cancel,
		rearm:  make(chan struct{}, 1),
	}
	w.mu.Lock()
	m.watches[chat] = w
	m.wg.Add(1)
	m.mu.Unlock()
	return w, true, nil
}

// forget removes w from the registry unless the chat already has a newer watch.
func (m *Monitor) forget(w *watch) {
	m.mu.Lock()
	if m.watches[w.chat] == w {
		delete(m.watches, w.chat)
	}
	m.mu.Unlock()
}

// baseline records what the chat currently sees. Failures leave an empty
// baseline so the next tick reports whatever is on screen.
func (m *Monitor) baseline(ctx context.Context, w *watch, target model.Target) {
	w.target = target
	w.method = m.mode(w.chat).CaptureMethod()
	w.lastChangeAt = m.now()
	w.lastSignature = ""
	w.lastContent = ""

	sig, err := m.backend.Signature(ctx, target)
	if err != nil {
		m.logger.Warn("baseline signature failed", "chat", w.chat, "watch", w.id, "target", target, "err", err)
		return
	}
	raw, err := m.backend.Capture(ctx, target, w.method, m.opts.CaptureLines)
	if err != nil {
		m.logger.Warn("baseline capture failed", "chat", w.chat, "watch", w.id, "target", target, "err", err)
		return
	}
	w.lastSignature = sig
	w.lastContent = output.TrimOutput(raw)
}

func (m *Monitor) mode(chat model.ChatID) model.OutputMode {
	if m.modes == nil {
		return model.OutputModeText
	}
	return m.modes.Mode(chat)
}

func (m *Monitor) loop(w *watch) {
	defer m.wg.Done()
	defer m.loops.Add(-1)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.rearm:
			ticker.Reset(m.opts.PollInterval)
		case <-ticker.C:
			m.tick(w)
		}
	}
}

func (m *Monitor) tick(w *watch) {
	w.mu.Lock()
	stopped := m.poll(w)
	w.mu.Unlock()
	if stopped {
		m.forget(w)
	}
}

// poll runs one tick with w.mu held and reports whether the watch stopped
// itself.
func (m *Monitor) poll(w *watch) bool {
	if w.stopped {
		return false
	}
	log := m.logger.With("chat", w.chat, "watch", w.id, "target", w.target)

	if idle := m.now().Sub(w.lastChangeAt); idle > m.opts.IdleTimeout {
		log.Debug("watch idle, stopping", "idle", idle)
		return w.stopLocked()
	}

	sig, err := m.backend.Signature(w.ctx, w.target)
	if err != nil {
		if w.ctx.Err() != nil {
			return false
		}
		log.Warn("pane signature failed, stopping watch", "err", err)
		return w.stopLocked()
	}
	if sig == w.lastSignature {
		return false
	}

	if method := m.mode(w.chat).CaptureMethod(); method != w.method {
		log.Debug("output mode changed, re-baselining", "method", method)
		m.baseline(w.ctx, w, w.target)
		return false
	}
	w.lastSignature = sig

	raw, err := m.backend.Capture(w.ctx, w.target, w.method, m.opts.CaptureLines)
	if err != nil {
		if w.ctx.Err() != nil {
			return false
		}
		log.Warn("pane capture failed, stopping watch", "err", err)
		return w.stopLocked()
	}
	content := output.TrimOutput(raw)
	if content == w.lastContent {
		return false
	}
	w.lastContent = content
	w.lastChangeAt = m.now()
	if content == "" {
		return false
	}

	if err := m.notifier.Deliver(w.ctx, w.chat, content, output.UpdateLabel(content)); err != nil {
		log.Warn("deliver screen update failed", "err", err)
	}
	return false
}

func (w *watch) stopLocked() bool {
	w.stopped = true
	w.cancel()
	return true
}

// Stop ends the chat's watch. It reports false when nothing was running.
// Removal and the stopped flag change together under the watch lock, so a
// tick never observes a removed watch that still runs.
func (m *Monitor) Stop(chat model.ChatID) bool {
	m.mu.Lock()
	w, ok := m.watches[chat]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.cancel()

	w.mu.Lock()
	m.mu.Lock()
	if m.watches[chat] == w {
		delete(m.watches, chat)
	}
	m.mu.Unlock()
	wasRunning := !w.stopped
	w.stopped = true
	w.mu.Unlock()

	if wasRunning {
		m.logger.Debug("watch stopped", "chat", chat, "watch", w.id)
	}
	return wasRunning
}

// Active returns a snapshot of the running watches.
func (m *Monitor) Active() []Status {
	m.mu.Lock()
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(watches))
	for _, w := range watches {
		w.mu.Lock()
		if !w.stopped {
			statuses = append(statuses, Status{
				Chat:         w.chat,
				WatchID:      w.id,
				Target:       w.target,
				Method:       w.method,
				LastChangeAt: w.lastChangeAt,
			})
		}
		w.mu.Unlock()
	}
	return statuses
}

// Running reports whether chat has a live watch.
func (m *Monitor) Running(chat model.ChatID) bool {
	m.mu.Lock()
	_, ok := m.watches[chat]
	m.mu.Unlock()
	return ok
}

// Close stops every watch and waits for the poll loops to exit. Start fails
// with ErrClosed afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	watches := m.watches
	m.watches = map[model.ChatID]*watch{}
	m.mu.Unlock()

	m.cancel()
	for _, w := range watches {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}
	m.wg.Wait()
}
