package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/transport"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.sendErr
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.updates)
	}
}

func newTestClient(f *fakeAPI) *Client {
	return newClient(f, Options{
		SendRate:  1000,
		SendBurst: 100,
		Health:    config.HealthPolicy{DownWindow: time.Minute, DownFailures: 2, RecoverSuccesses: 1},
	}, nil)
}

func TestSendTextUsesHTML(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(f)

	if err := c.SendText(context.Background(), 42, "<pre>hi</pre>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, ok := f.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected message config, got %T", f.sent[0])
	}
	if msg.ChatID != 42 || msg.Text != "<pre>hi</pre>" || msg.ParseMode != tgbotapi.ModeHTML {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSendImageCaption(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(f)

	if err := c.SendImage(context.Background(), 7, []byte{1, 2}, "[screen 1/2]"); err != nil {
		t.Fatalf("send: %v", err)
	}
	photo, ok := f.sent[0].(tgbotapi.PhotoConfig)
	if !ok {
		t.Fatalf("expected photo config, got %T", f.sent[0])
	}
	if photo.ChatID != 7 || photo.Caption != "[screen 1/2]" {
		t.Fatalf("unexpected photo: %+v", photo)
	}
	file, ok := photo.File.(tgbotapi.FileBytes)
	if !ok || file.Name != photoName || len(file.Bytes) != 2 {
		t.Fatalf("unexpected file: %+v", photo.File)
	}
}

func TestSendFailureTracksHealth(t *testing.T) {
	f := &fakeAPI{sendErr: errors.New("bad gateway")}
	c := newTestClient(f)
	ctx := context.Background()

	if err := c.SendText(ctx, 1, "x"); err == nil {
		t.Fatalf("expected error")
	}
	if got := c.Health(1); got != transport.HealthDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	_ = c.SendText(ctx, 1, "x")
	if got := c.Health(1); got != transport.HealthDown {
		t.Fatalf("expected down, got %s", got)
	}
	if got := c.Health(2); got != transport.HealthOK {
		t.Fatalf("other chats stay healthy, got %s", got)
	}

	f.sendErr = nil
	if err := c.SendText(ctx, 1, "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := c.Health(1); got != transport.HealthOK {
		t.Fatalf("expected recovery, got %s", got)
	}
}

func TestSendHonoursCancel(t *testing.T) {
	f := &fakeAPI{}
	c := newClient(f, Options{SendRate: 0.001, SendBurst: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	if err := c.SendText(ctx, 1, "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	cancel()
	if err := c.SendText(ctx, 1, "second"); err == nil {
		t.Fatalf("expected paced send to fail after cancel")
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(f.sent))
	}
}

func TestSetCommands(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(f)

	err := c.SetCommands(context.Background(), []Command{{Name: "screen", Description: "Show the screen"}})
	if err != nil {
		t.Fatalf("set commands: %v", err)
	}
	cfg, ok := f.requests[0].(tgbotapi.SetMyCommandsConfig)
	if !ok || len(cfg.Commands) != 1 || cfg.Commands[0].Command != "screen" {
		t.Fatalf("unexpected request: %+v", f.requests[0])
	}
}

func TestListenDeliversTextMessages(t *testing.T) {
	f := &fakeAPI{updates: make(chan tgbotapi.Update, 3)}
	c := newTestClient(f)
	f.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 5},
		From: &tgbotapi.User{ID: 9, UserName: "ops"},
		Text: "/screen",
	}}
	f.updates <- tgbotapi.Update{}
	f.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}, Text: "ls"}}

	ctx, cancel := context.WithCancel(context.Background())
	var got []model.Message
	done := make(chan error, 1)
	go func() {
		done <- c.Listen(ctx, func(_ context.Context, m model.Message) {
			got = append(got, m)
			if len(got) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listen did not return after cancel")
	}
	if len(got) != 2 {
		t.Fatalf("expected two messages, got %+v", got)
	}
	if got[0].Chat != 5 || got[0].UserID != 9 || got[0].Username != "ops" || got[0].Text != "/screen" {
		t.Fatalf("unexpected first message: %+v", got[0])
	}
}

func TestListenReportsClosedStream(t *testing.T) {
	f := &fakeAPI{updates: make(chan tgbotapi.Update)}
	c := newTestClient(f)
	close(f.updates)
	f.stopped = true

	if err := c.Listen(context.Background(), func(context.Context, model.Message) {}); err == nil {
		t.Fatalf("expected error when stream closes unexpectedly")
	}
}
