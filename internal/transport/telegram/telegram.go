// Package telegram is the Bot API transport: paced sends, long-poll updates
// and per-chat delivery health.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/transport"
)

const (
	// MaxMessageLength is the Bot API limit for one text message.
	MaxMessageLength = 4096

	photoName        = "terminal.png"
	longPollTimeout  = 60
	maxCaptionRunes  = 1024
	parseModeHTML    = tgbotapi.ModeHTML
	defaultSendRate  = 20
	defaultSendBurst = 5
)

// api is the part of *tgbotapi.BotAPI the transport uses.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Command is one entry of the bot's command menu.
type Command struct {
	Name        string
	Description string
}

type Options struct {
	SendRate  float64
	SendBurst int
	Health    config.HealthPolicy
}

type Client struct {
	api     api
	limiter *rate.Limiter
	health  *transport.Tracker
	logger  *slog.Logger
}

// Dial authenticates token against the Bot API and returns a ready client.
func Dial(token string, opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: bot token is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	// The library logs long-poll failures on its own; route them through slog
	// so the redacting handler sees them.
	_ = tgbotapi.SetLogger(botLogger{logger: logger.With("component", "telegram-api")})
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return newClient(bot, opts, logger), nil
}

func newClient(a api, opts Options, logger *slog.Logger) *Client {
	if opts.SendRate <= 0 {
		opts.SendRate = defaultSendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = defaultSendBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     a,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		health:  transport.NewTracker(opts.Health),
		logger:  logger.With("component", "telegram"),
	}
}

// SendText sends one HTML message.
func (c *Client) SendText(ctx context.Context, chat model.ChatID, html string) error {
	msg := tgbotapi.NewMessage(int64(chat), html)
	msg.ParseMode = parseModeHTML
	msg.DisableWebPagePreview = true
	return c.send(ctx, chat, "message", msg)
}

// SendImage uploads png as a photo. Captions longer than the API allows are
// cut.
func (c *Client) SendImage(ctx context.Context, chat model.ChatID, png []byte, caption string) error {
	photo := tgbotapi.NewPhoto(int64(chat), tgbotapi.FileBytes{Name: photoName, Bytes: png})
	photo.Caption = truncateRunes(caption, maxCaptionRunes)
	return c.send(ctx, chat, "photo", photo)
}

func (c *Client) send(ctx context.Context, chat model.ChatID, kind string, msg tgbotapi.Chattable) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.api.Send(msg)
	c.record(chat, err == nil)
	if err != nil {
		return fmt.Errorf("telegram: send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) record(chat model.ChatID, success bool) {
	prev, next := c.health.Record(chat, success)
	if prev == next {
		return
	}
	if next == transport.HealthOK {
		c.logger.Info("chat delivery recovered", "chat", chat, "from", prev)
		return
	}
	c.logger.Warn("chat delivery health changed", "chat", chat, "from", prev, "to", next)
}

// Health reports delivery health for chat.
func (c *Client) Health(chat model.ChatID) transport.Health {
	return c.health.Health(chat)
}

// SetCommands publishes the command menu.
func (c *Client) SetCommands(ctx context.Context, commands []Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	list := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, cmd := range commands {
		list = append(list, tgbotapi.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	if _, err := c.api.Request(tgbotapi.NewSetMyCommands(list...)); err != nil {
		return fmt.Errorf("telegram: set commands: %w", err)
	}
	return nil
}

// Listen long-polls for updates and hands every text message to handle until
// ctx ends. Handle runs on the polling goroutine and must not block for long.
func (c *Client) Listen(ctx context.Context, handle func(context.Context, model.Message)) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = longPollTimeout
	cfg.AllowedUpdates = []string{"message"}
	updates := c.api.GetUpdatesChan(cfg)
	stop := context.AfterFunc(ctx, c.api.StopReceivingUpdates)
	defer stop()

	c.logger.Info("listening for updates")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram: update stream closed")
			}
			msg, ok := toMessage(update)
			if !ok {
				continue
			}
			handle(ctx, msg)
		}
	}
}

func toMessage(update tgbotapi.Update) (model.Message, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || m.Text == "" {
		return model.Message{}, false
	}
	msg := model.Message{Chat: model.ChatID(m.Chat.ID), Text: m.Text}
	if m.From != nil {
		msg.UserID = m.From.ID
		msg.Username = m.From.UserName
	}
	return msg, true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type botLogger struct {
	logger *slog.Logger
}

func (l botLogger) Println(v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
