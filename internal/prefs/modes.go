// Package prefs resolves per-chat output modes.
package prefs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
)

// Store persists chat overrides.
type Store interface {
	SetOutputMode(ctx context.Context, chat model.ChatID, mode model.OutputMode) error
	ClearOutputMode(ctx context.Context, chat model.ChatID) error
	ListOutputModes(ctx context.Context) (map[model.ChatID]model.OutputMode, error)
}

// Modes answers "which mode does this chat use right now". A chat override
// set with /mode wins over the config file, which wins over the global
// default. Reads never touch the database.
type Modes struct {
	cfg    config.Config
	store  Store
	logger *slog.Logger

	mu        sync.RWMutex
	overrides map[model.ChatID]model.OutputMode
}

// Load builds Modes with the overrides already persisted in store. A nil
// store keeps overrides in memory only.
func Load(ctx context.Context, cfg config.Config, store Store, logger *slog.Logger) (*Modes, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Modes{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "prefs"),
		overrides: map[model.ChatID]model.OutputMode{},
	}
	if store == nil {
		return m, nil
	}
	saved, err := store.ListOutputModes(ctx)
	if err != nil {
		return nil, err
	}
	for chat, mode := range saved {
		if parsed, ok := model.ParseOutputMode(string(mode)); ok {
			m.overrides[chat] = parsed
		}
	}
	return m, nil
}

func (m *Modes) Mode(chat model.ChatID) model.OutputMode {
	m.mu.RLock()
	mode, ok := m.overrides[chat]
	m.mu.RUnlock()
	if ok {
		return mode
	}
	return m.cfg.OutputModeFor(chat)
}

// Override reports the chat's explicit override, if any.
func (m *Modes) Override(chat model.ChatID) (model.OutputMode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mode, ok := m.overrides[chat]
	return mode, ok
}

// Set writes through to the store before it changes what Mode returns.
func (m *Modes) Set(ctx context.Context, chat model.ChatID, mode model.OutputMode) error {
	if m.store != nil {
		if err := m.store.SetOutputMode(ctx, chat, mode); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.overrides[chat] = mode
	m.mu.Unlock()
	m.logger.Info("output mode set", "chat", chat, "mode", mode)
	return nil
}

// Clear returns the chat to its configured mode.
func (m *Modes) Clear(ctx context.Context, chat model.ChatID) error {
	if m.store != nil {
		if err := m.store.ClearOutputMode(ctx, chat); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.overrides, chat)
	m.mu.Unlock()
	return nil
}
