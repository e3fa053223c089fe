package output

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/g960059/tmuxgram/internal/model"
)

// EmptyScreenText is sent when an explicit screen request finds nothing.
const EmptyScreenText = "(screen is empty)"

// Transport sends finished messages to a chat.
type Transport interface {
	SendText(ctx context.Context, chat model.ChatID, html string) error
	SendImage(ctx context.Context, chat model.ChatID, png []byte, caption string) error
}

type Renderer interface {
	Render(text string) ([]byte, error)
}

// ModeResolver returns the chat's output mode at the moment of delivery.
type ModeResolver interface {
	Mode(chat model.ChatID) model.OutputMode
}

type Capturer interface {
	Capture(ctx context.Context, target model.Target, method model.CaptureMethod, maxLines int) (string, error)
}

type Options struct {
	MaxMessageLength int
	// CaptureLines bounds full-history captures after a command.
	CaptureLines int
	// ScreenLines is one page of an explicit screen request.
	ScreenLines int
}

type Deliverer struct {
	transport Transport
	renderer  Renderer
	modes     ModeResolver
	capturer  Capturer
	opts      Options
	logger    *slog.Logger
}

func NewDeliverer(transport Transport, renderer Renderer, modes ModeResolver, capturer Capturer, opts Options, logger *slog.Logger) *Deliverer {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4096
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 200
	}
	if opts.ScreenLines <= 0 {
		opts.ScreenLines = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		transport: transport,
		renderer:  renderer,
		modes:     modes,
		capturer:  capturer,
		opts:      opts,
		logger:    logger.With("component", "output"),
	}
}

// DeliverText sends raw as preformatted HTML, split into as many messages as
// needed. A non-empty label becomes a bold header on the first message. The
// first failed send aborts the sequence.
func (d *Deliverer) DeliverText(ctx context.Context, chat model.ChatID, raw, label string) error {
	text := TrimOutput(raw)
	if text == "" {
		return nil
	}
	header := ""
	limit := d.opts.MaxMessageLength
	if label != "" {
		header = "<b>" + EscapeHTML(label) + "</b>\n"
		limit -= utf8.RuneCountInString(header)
	}
	for i, chunk := range Chunk(EscapeHTML(text), limit) {
		msg := WrapPre(chunk)
		if i == 0 {
			msg = header + msg
		}
		if err := d.transport.SendText(ctx, chat, msg); err != nil {
			return fmt.Errorf("send chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// DeliverImage renders raw and sends it as one photo. It reports false when
// rendering or sending fails so the caller can fall back to text.
func (d *Deliverer) DeliverImage(ctx context.Context, chat model.ChatID, raw, caption string) bool {
	png, err := d.renderer.Render(TrimOutput(raw))
	if err != nil {
		d.logger.Warn("image render failed, falling back to text", "chat", chat, "err", err)
		return false
	}
	return d.sendImage(ctx, chat, png, caption)
}

func (d *Deliverer) sendImage(ctx context.Context, chat model.ChatID, png []byte, caption string) bool {
	if err := d.transport.SendImage(ctx, chat, png, caption); err != nil {
		d.logger.Warn("image send failed, falling back to text", "chat", chat, "err", err)
		return false
	}
	return true
}

// attempt is one delivery strategy. done reports whether delivery finished.
type attempt func() (done bool, err error)

// runAttempts tries each strategy in order until one finishes.
func runAttempts(attempts ...attempt) error {
	for _, try := range attempts {
		done, err := try()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// Deliver sends already captured content in the chat's current mode. The
// label is the image caption or the text header.
func (d *Deliverer) Deliver(ctx context.Context, chat model.ChatID, raw, label string) error {
	text := TrimOutput(raw)
	if text == "" {
		return nil
	}
	var attempts []attempt
	if d.modes.Mode(chat) == model.OutputModeImage {
		attempts = append(attempts, func() (bool, error) {
			return d.DeliverImage(ctx, chat, text, label), nil
		})
	}
	attempts = append(attempts, func() (bool, error) {
		return true, d.DeliverText(ctx, chat, text, label)
	})
	return runAttempts(attempts...)
}

// CaptureAndSend waits for the shell to react, captures the pane and sends
// it. Image mode renders the visible screen; text mode and the text fallback
// send the bounded scroll-back.
func (d *Deliverer) CaptureAndSend(ctx context.Context, chat model.ChatID, target model.Target, delay time.Duration) error {
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	var attempts []attempt
	if d.modes.Mode(chat) == model.OutputModeImage {
		attempts = append(attempts, func() (bool, error) {
			raw, err := d.capturer.Capture(ctx, target, model.CaptureVisible, 0)
			if err != nil {
				return false, err
			}
			text := TrimOutput(raw)
			if text == "" {
				return true, nil
			}
			return d.DeliverImage(ctx, chat, text, ""), nil
		})
	}
	attempts = append(attempts, func() (bool, error) {
		raw, err := d.capturer.Capture(ctx, target, model.CaptureFull, d.opts.CaptureLines)
		if err != nil {
			return false, err
		}
		return true, d.DeliverText(ctx, chat, raw, "")
	})
	return runAttempts(attempts...)
}

// SendScreen answers an explicit screen request of the given number of
// pages. Only the newest pages*ScreenLines lines are kept. In image mode
// every page is rendered before anything is sent; a render failure sends the
// whole range as text instead.
func (d *Deliverer) SendScreen(ctx context.Context, chat model.ChatID, target model.Target, pages int) error {
	pages = max(1, pages)
	perPage := d.opts.ScreenLines
	want := pages * perPage

	raw, err := d.capturer.Capture(ctx, target, model.CaptureFull, want)
	if err != nil {
		return err
	}
	text := TrimOutput(raw)
	if text == "" {
		return d.transport.SendText(ctx, chat, EmptyScreenText)
	}
	lines := strings.Split(text, "\n")
	if len(lines) > want {
		lines = lines[len(lines)-want:]
	}

	var attempts []attempt
	if d.modes.Mode(chat) == model.OutputModeImage {
		attempts = append(attempts, func() (bool, error) {
			return d.sendPages(ctx, chat, paginate(lines, perPage)), nil
		})
	}
	attempts = append(attempts, func() (bool, error) {
		return true, d.DeliverText(ctx, chat, strings.Join(lines, "\n"), "")
	})
	return runAttempts(attempts...)
}

func (d *Deliverer) sendPages(ctx context.Context, chat model.ChatID, pages []string) bool {
	images := make([][]byte, 0, len(pages))
	for i, page := range pages {
		png, err := d.renderer.Render(page)
		if err != nil {
			d.logger.Warn("screen page render failed, falling back to text", "chat", chat, "page", i+1, "err", err)
			return false
		}
		images = append(images, png)
	}
	for i, png := range images {
		caption := ""
		if len(images) > 1 {
			caption = fmt.Sprintf("[screen %d/%d]", i+1, len(images))
		}
		if !d.sendImage(ctx, chat, png, caption) {
			return false
		}
	}
	return true
}

func paginate(lines []string, perPage int) []string {
	var pages []string
	for start := 0; start < len(lines); start += perPage {
		end := min(start+perPage, len(lines))
		pages = append(pages, strings.Join(lines[start:end], "\n"))
	}
	return pages
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
