// Package auth decides which chats may drive the terminal.
package auth

import (
	"context"
	"log/slog"

	"github.com/g960059/tmuxgram/internal/model"
)

type AllowList interface {
	IsChatAllowed(ctx context.Context, chat model.ChatID) (bool, error)
}

// Authorizer admits chats listed in the config file or in the allow-list
// table. The table is queried on every check so `tmuxgram allow` takes
// effect without restarting the daemon.
type Authorizer struct {
	static map[model.ChatID]struct{}
	list   AllowList
	logger *slog.Logger
}

func New(configured []model.ChatID, list AllowList, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	static := make(map[model.ChatID]struct{}, len(configured))
	for _, chat := range configured {
		static[chat] = struct{}{}
	}
	return &Authorizer{static: static, list: list, logger: logger.With("component", "auth")}
}

// IsAuthorized fails closed: a store error denies the chat.
func (a *Authorizer) IsAuthorized(ctx context.Context, chat model.ChatID) bool {
	if _, ok := a.static[chat]; ok {
		return true
	}
	if a.list == nil {
		return false
	}
	ok, err := a.list.IsChatAllowed(ctx, chat)
	if err != nil {
		a.logger.Warn("allow-list lookup failed, denying chat", "chat", chat, "err", err)
		return false
	}
	return ok
}
