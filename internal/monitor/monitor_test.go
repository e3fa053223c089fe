package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/output"
)

type fakeBackend struct {
	mu       sync.Mutex
	sig      string
	content  map[model.CaptureMethod]string
	sigErr   error
	capErr   error
	captures int
	events   *[]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sig: "s1",
		content: map[model.CaptureMethod]string{
			model.CaptureFull:    "$ ",
			model.CaptureVisible: "$ ",
		},
	}
}

func (b *fakeBackend) Signature(context.Context, model.Target) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil {
		*b.events = append(*b.events, "signature")
	}
	return b.sig, b.sigErr
}

func (b *fakeBackend) Capture(_ context.Context, _ model.Target, method model.CaptureMethod, _ int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captures++
	if b.capErr != nil {
		return "", b.capErr
	}
	return b.content[method], nil
}

func (b *fakeBackend) set(sig, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sig = sig
	b.content[model.CaptureFull] = content
	b.content[model.CaptureVisible] = content
}

func (b *fakeBackend) captureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captures
}

type delivery struct {
	chat    model.ChatID
	content string
	label   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	got  []delivery
	err  error
	seen chan struct{}
}

func (n *fakeNotifier) Deliver(_ context.Context, chat model.ChatID, raw, label string) error {
	n.mu.Lock()
	n.got = append(n.got, delivery{chat: chat, content: raw, label: label})
	n.mu.Unlock()
	if n.seen != nil {
		select {
		case n.seen <- struct{}{}:
		default:
		}
	}
	return n.err
}

func (n *fakeNotifier) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.got...)
}

type modeMap struct {
	mu    sync.Mutex
	modes map[model.ChatID]model.OutputMode
}

func (m *modeMap) Mode(chat model.ChatID) model.OutputMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode, ok := m.modes[chat]; ok {
		return mode
	}
	return model.OutputModeText
}

func (m *modeMap) set(chat model.ChatID, mode model.OutputMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[chat] = mode
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m       *Monitor
	backend *fakeBackend
	notify  *fakeNotifier
	modes   *modeMap
	clock   *fakeClock
}

// newHarness uses an hour-long poll interval so ticks only happen when a
// test calls tick directly.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		notify:  &fakeNotifier{},
		modes:   &modeMap{modes: map[model.ChatID]model.OutputMode{}},
		clock:   &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	h.m = New(h.backend, h.notify, h.modes, Options{PollInterval: time.Hour, IdleTimeout: 30 * time.Second}, nil)
	h.m.now = h.clock.Now
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) watch(t *testing.T, chat model.ChatID) *watch {
	t.Helper()
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	w, ok := h.m.watches[chat]
	require.True(t, ok, "no watch for chat %d", chat)
	return w
}

const target = model.Target("tg-1:0.0")

func TestUnchangedSignatureSkipsCapture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	baseline := h.backend.captureCount()

	h.m.tick(h.watch(t, 1))
	h.m.tick(h.watch(t, 1))

	assert.Equal(t, baseline, h.backend.captureCount(), "no capture when signature is unchanged")
	assert.Empty(t, h.notify.deliveries())
}

func TestEqualContentDoesNotRefreshIdleClock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	started := h.clock.Now()

	h.clock.Advance(10 * time.Second)
	h.backend.set("s2", "$ ")
	h.m.tick(h.watch(t, 1))

	w := h.watch(t, 1)
	assert.Empty(t, h.notify.deliveries())
	assert.Equal(t, started, w.lastChangeAt)
	assert.Equal(t, "s2", w.lastSignature)
}

func TestChangedContentIsDelivered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))

	h.clock.Advance(time.Second)
	h.backend.set("s2", "$ make\nbuilding\n\n")
	h.m.tick(h.watch(t, 1))

	got := h.notify.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, delivery{chat: 1, content: "$ make\nbuilding", label: output.LabelUpdated}, got[0])
	assert.Equal(t, h.clock.Now(), h.watch(t, 1).lastChangeAt)

	h.backend.set("s3", "Do you want to continue? [Y/n]")
	h.m.tick(h.watch(t, 1))
	got = h.notify.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, output.LabelInteractive, got[1].label)
}

func TestEmptyContentIsNotDelivered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))

	h.backend.set("s2", "\n\n")
	h.m.tick(h.watch(t, 1))
	assert.Empty(t, h.notify.deliveries())
	assert.Equal(t, "", h.watch(t, 1).lastContent)
}

func TestIdleWatchStopsItself(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	w := h.watch(t, 1)

	h.clock.Advance(31 * time.Second)
	h.backend.set("s2", "new output")
	h.m.tick(w)

	assert.False(t, h.m.Running(1))
	assert.Empty(t, h.notify.deliveries(), "the idle tick sends nothing")
	assert.False(t, h.m.Stop(1))

	captures := h.backend.captureCount()
	h.m.tick(w)
	assert.Equal(t, captures, h.backend.captureCount(), "ticks after stop are no-ops")
	assert.Empty(t, h.notify.deliveries())

	require.NoError(t, h.m.Start(context.Background(), 1, target))
	assert.NotEqual(t, w.id, h.watch(t, 1).id)
}

func TestBackendFailureStopsWatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	h.backend.mu.Lock()
	h.backend.sigErr = model.ErrBackendUnavailable
	h.backend.mu.Unlock()

	h.m.tick(h.watch(t, 1))
	assert.False(t, h.m.Running(1))

	h2 := newHarness(t)
	require.NoError(t, h2.m.Start(context.Background(), 2, target))
	h2.backend.mu.Lock()
	h2.backend.sig = "s2"
	h2.backend.capErr = model.ErrBackendUnavailable
	h2.backend.mu.Unlock()
	h2.m.tick(h2.watch(t, 2))
	assert.False(t, h2.m.Running(2))
}

func TestDeliveryFailureKeepsWatch(t *testing.T) {
	h := newHarness(t)
	h.notify.err = errors.New("telegram down")
	require.NoError(t, h.m.Start(context.Background(), 1, target))

	h.backend.set("s2", "changed")
	h.m.tick(h.watch(t, 1))
	assert.True(t, h.m.Running(1))
	assert.Len(t, h.notify.deliveries(), 1)
}

func TestStartTwiceKeepsOneLoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	first := h.watch(t, 1)
	require.NoError(t, h.m.Start(context.Background(), 1, "work:0.0"))

	assert.EqualValues(t, 1, h.m.loops.Load())
	assert.Same(t, first, h.watch(t, 1))
	assert.Equal(t, model.Target("work:0.0"), first.target)

	require.NoError(t, h.m.Start(context.Background(), 2, target))
	assert.EqualValues(t, 2, h.m.loops.Load())
	assert.Len(t, h.m.Active(), 2)

	assert.True(t, h.m.Stop(1))
	assert.False(t, h.m.Stop(1))
	assert.Eventually(t, func() bool { return h.m.loops.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStartRebaselinesExistingWatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))

	h.clock.Advance(20 * time.Second)
	h.backend.set("s2", "after command")
	require.NoError(t, h.m.Start(context.Background(), 1, target))

	w := h.watch(t, 1)
	assert.Equal(t, "s2", w.lastSignature)
	assert.Equal(t, "after command", w.lastContent)
	assert.Equal(t, h.clock.Now(), w.lastChangeAt)

	h.m.tick(w)
	assert.Empty(t, h.notify.deliveries(), "content seen at baseline is not re-sent")
}

func TestStartWithRunsImmediateBeforeBaseline(t *testing.T) {
	h := newHarness(t)
	var events []string
	h.backend.events = &events

	err := h.m.StartWith(context.Background(), 1, target, func(context.Context) error {
		h.backend.mu.Lock()
		events = append(events, "immediate")
		h.backend.mu.Unlock()
		h.backend.set("s2", "output of command")
		return nil
	})
	require.NoError(t, err)

	h.backend.mu.Lock()
	assert.Equal(t, []string{"immediate", "signature"}, events)
	h.backend.mu.Unlock()
	w := h.watch(t, 1)
	assert.Equal(t, "output of command", w.lastContent)
}

func TestStartWithFailureDiscardsNewWatch(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("send failed")

	err := h.m.StartWith(context.Background(), 1, target, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, h.m.Running(1))
	assert.EqualValues(t, 0, h.m.loops.Load())

	require.NoError(t, h.m.Start(context.Background(), 1, target))
	err = h.m.StartWith(context.Background(), 1, target, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, h.m.Running(1), "an existing watch survives a failed command")
}

func TestModeChangeRebaselines(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	assert.Equal(t, model.CaptureFull, h.watch(t, 1).method)

	h.modes.set(1, model.OutputModeImage)
	h.backend.set("s2", "visible screen")
	h.m.tick(h.watch(t, 1))

	w := h.watch(t, 1)
	assert.Equal(t, model.CaptureVisible, w.method)
	assert.Equal(t, "visible screen", w.lastContent)
	assert.Empty(t, h.notify.deliveries(), "switching capture method is not a screen change")
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	require.NoError(t, h.m.Start(context.Background(), 2, target))

	h.m.Close()
	assert.EqualValues(t, 0, h.m.loops.Load())
	assert.Empty(t, h.m.Active())
	assert.ErrorIs(t, h.m.Start(context.Background(), 3, target), ErrClosed)
}

func TestPollLoopDeliversChanges(t *testing.T) {
	backend := newFakeBackend()
	notify := &fakeNotifier{seen: make(chan struct{}, 1)}
	m := New(backend, notify, nil, Options{PollInterval: 10 * time.Millisecond, IdleTimeout: time.Minute}, nil)
	defer m.Close()

	require.NoError(t, m.Start(context.Background(), 7, target))
	backend.set("s2", "hello from the loop")

	select {
	case <-notify.seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery from poll loop")
	}
	got := notify.deliveries()
	require.NotEmpty(t, got)
	assert.Equal(t, "hello from the loop", got[0].content)
}

func TestStopRemovesAndStopsTogether(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	w := h.watch(t, 1)

	require.True(t, h.m.Stop(1))

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	assert.True(t, stopped)
	assert.False(t, h.m.Running(1))
	assert.Empty(t, h.m.Active())

	h.backend.set("s2", "late output")
	h.m.tick(w)
	assert.Empty(t, h.notify.deliveries(), "a stopped watch never delivers")
}

func TestStopAfterIdleReportsNothingRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background(), 1, target))
	w := h.watch(t, 1)

	w.mu.Lock()
	w.stopLocked()
	w.mu.Unlock()

	assert.False(t, h.m.Stop(1))
	assert.False(t, h.m.Running(1))
}

func TestCloseWaitsForConcurrentStarts(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.m.Start(context.Background(), model.ChatID(100+i), target)
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}()
	}
	h.m.Close()
	wg.Wait()
	h.m.Close()

	assert.EqualValues(t, 0, h.m.loops.Load())
	assert.ErrorIs(t, h.m.Start(context.Background(), 1, target), ErrClosed)
}
