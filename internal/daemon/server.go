// Package daemon assembles the bot process: one chat transport, one tmux
// server, one monitor.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/tmuxgram/internal/auth"
	"github.com/g960059/tmuxgram/internal/bot"
	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/db"
	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/monitor"
	"github.com/g960059/tmuxgram/internal/output"
	"github.com/g960059/tmuxgram/internal/prefs"
	"github.com/g960059/tmuxgram/internal/render"
	"github.com/g960059/tmuxgram/internal/session"
	"github.com/g960059/tmuxgram/internal/tmux"
	"github.com/g960059/tmuxgram/internal/transport"
	"github.com/g960059/tmuxgram/internal/transport/telegram"
)

var ErrAlreadyRunning = errors.New("daemon already running")

// Chat is the transport the daemon serves.
type Chat interface {
	output.Transport
	SetCommands(ctx context.Context, commands []telegram.Command) error
	Listen(ctx context.Context, handle func(context.Context, model.Message)) error
	Health(chat model.ChatID) transport.Health
}

// Deps overrides the real collaborators. Zero fields are built from the
// config.
type Deps struct {
	Store  *db.Store
	Runner tmux.Runner
	Chat   Chat
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger

	lock       *flock.Flock
	store      *db.Store
	ownsStore  bool
	chat       Chat
	monitor    *monitor.Monitor
	dispatcher *bot.Dispatcher
	router     *bot.Router

	shutdown    sync.Once
	shutdownErr error
}

// New takes the instance lock and wires every component. Only one daemon may
// long-poll a bot token, so a second instance fails with ErrAlreadyRunning.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "daemon")}
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	if err := s.build(ctx, deps); err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, deps Deps) error {
	cfg := s.cfg
	logger := s.logger

	s.store = deps.Store
	if s.store == nil {
		store, err := db.OpenMigrated(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		s.store = store
		s.ownsStore = true
	}

	modes, err := prefs.Load(ctx, cfg, s.store, logger)
	if err != nil {
		return fmt.Errorf("load output modes: %w", err)
	}
	authorizer := auth.New(cfg.AllowedChats, s.store, logger)

	runner := deps.Runner
	if runner == nil {
		runner = tmux.OSRunner{}
	}
	client := tmux.NewClient(tmux.NewExecutorWithRunner(runner, cfg.CommandTimeout, cfg.RetryBackoff), cfg.TmuxSocket)
	registry := session.NewRegistry(client, cfg.SessionPrefix)

	s.chat = deps.Chat
	if s.chat == nil {
		chat, err := telegram.Dial(cfg.BotToken, telegram.Options{
			SendRate:  cfg.SendRate,
			SendBurst: cfg.SendBurst,
			Health:    cfg.Health,
		}, logger)
		if err != nil {
			return err
		}
		s.chat = chat
	}

	deliverer := output.NewDeliverer(s.chat, s.renderer(), modes, client, output.Options{
		MaxMessageLength: min(cfg.MaxMessageLength, telegram.MaxMessageLength),
		CaptureLines:     cfg.CaptureLines,
		ScreenLines:      cfg.ScreenLines,
	}, logger)
	s.monitor = monitor.New(client, deliverer, modes, monitor.Options{
		PollInterval: cfg.PollInterval,
		IdleTimeout:  cfg.IdleTimeout,
		CaptureLines: cfg.CaptureLines,
	}, logger)
	s.dispatcher = bot.NewDispatcher(bot.Deps{
		Sessions: registry,
		Terminal: client,
		Output:   deliverer,
		Watcher:  s.monitor,
		Modes:    modes,
		Auth:     authorizer,
		Reply:    s.chat,
		Health:   s.chat,
	}, bot.Options{
		OutputDelay:    cfg.OutputDelay,
		CustomCommands: cfg.CustomCommands,
		Terminal:       cfg.Terminal,
	}, logger)
	s.router = bot.NewRouter(s.dispatcher, logger)
	return nil
}

// renderer loads the configured font and falls back to the bitmap face.
func (s *Server) renderer() *render.Renderer {
	opts := render.Options{
		FontPath:   s.cfg.Font.Path,
		Size:       s.cfg.Font.Size,
		LineHeight: s.cfg.Font.LineHeight,
		DPI:        s.cfg.Font.DPI,
		Scale:      s.cfg.Font.Scale,
	}
	r, err := render.New(opts)
	if err == nil {
		return r
	}
	s.logger.Warn("font unusable, using bitmap face", "path", opts.FontPath, "err", err)
	r, _ = render.New(render.Options{Scale: opts.Scale})
	return r
}

// Run serves chats until ctx ends or the update stream fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.Shutdown() //nolint:errcheck

	menu := s.dispatcher.Menu()
	commands := make([]telegram.Command, 0, len(menu))
	for _, entry := range menu {
		commands = append(commands, telegram.Command{Name: entry.Name, Description: entry.Description})
	}
	if err := s.chat.SetCommands(ctx, commands); err != nil {
		s.logger.Warn("publishing command menu failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.chat.Listen(gctx, func(ctx context.Context, msg model.Message) {
			s.router.Dispatch(ctx, msg)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		s.monitor.Close()
		return nil
	})
	s.logger.Info("daemon started", "allowed_chats", len(s.cfg.AllowedChats), "tmux_socket", s.cfg.TmuxSocket)

	err := g.Wait()
	s.router.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("daemon stopped")
	return nil
}

// Shutdown releases the store and the instance lock. It is safe to call more
// than once.
func (s *Server) Shutdown() error {
	s.shutdown.Do(func() {
		var errs []error
		if s.monitor != nil {
			s.monitor.Close()
		}
		if s.ownsStore && s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	if s.cfg.LockPath == "" {
		return errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.LockPath), 0o700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(s.cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("take lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, s.cfg.LockPath)
	}
	s.lock = lock
	return nil
}

func (s *Server) releaseLock() error {
	if s.lock == nil {
		return nil
	}
	lock := s.lock
	s.lock = nil
	return lock.Unlock()
}
