// Package session maps chats to the tmux session they drive.
package session

import (
	"context"
	"sync"

	"github.com/g960059/tmuxgram/internal/model"
)

// Backend is the part of the tmux client the registry needs.
type Backend interface {
	SessionExists(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name string) error
	KillSession(ctx context.Context, name string) error
}

// Registry holds manual chat bindings. A chat without a binding uses its
// default session "<prefix><chatID>". Bindings live only as long as the
// process.
type Registry struct {
	backend Backend
	prefix  string

	mu       sync.Mutex
	bindings map[model.ChatID]string
}

func NewRegistry(backend Backend, prefix string) *Registry {
	return &Registry{
		backend:  backend,
		prefix:   prefix,
		bindings: map[model.ChatID]string{},
	}
}

// DefaultSession is the session name a chat falls back to.
func (r *Registry) DefaultSession(chat model.ChatID) string {
	return r.prefix + chat.String()
}

// Resolve returns the target the chat should drive. A binding whose session
// vanished is dropped and the default session is used, created if needed.
func (r *Registry) Resolve(ctx context.Context, chat model.ChatID) (model.Target, error) {
	if bound, ok := r.CurrentBinding(chat); ok {
		exists, err := r.backend.SessionExists(ctx, bound)
		if err != nil {
			return "", err
		}
		if exists {
			return model.TargetForSession(bound), nil
		}
		r.clearIf(chat, bound)
	}

	name := r.DefaultSession(chat)
	exists, err := r.backend.SessionExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := r.backend.CreateSession(ctx, name); err != nil {
			return "", err
		}
	}
	return model.TargetForSession(name), nil
}

// Reset drops the binding and recreates the default session from scratch.
func (r *Registry) Reset(ctx context.Context, chat model.ChatID) (model.Target, error) {
	r.Detach(chat)
	name := r.DefaultSession(chat)
	if err := r.backend.KillSession(ctx, name); err != nil {
		return "", err
	}
	if err := r.backend.CreateSession(ctx, name); err != nil {
		return "", err
	}
	return model.TargetForSession(name), nil
}

// Attach binds the chat to an existing session. It reports false and leaves
// the binding untouched when the session does not exist.
func (r *Registry) Attach(ctx context.Context, chat model.ChatID, name string) (bool, error) {
	exists, err := r.backend.SessionExists(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	r.mu.Lock()
	r.bindings[chat] = name
	r.mu.Unlock()
	return true, nil
}

func (r *Registry) Detach(chat model.ChatID) {
	r.mu.Lock()
	delete(r.bindings, chat)
	r.mu.Unlock()
}

func (r *Registry) CurrentBinding(chat model.ChatID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.bindings[chat]
	return name, ok
}

// SessionName is the bound session if any, else the default one.
func (r *Registry) SessionName(chat model.ChatID) string {
	if bound, ok := r.CurrentBinding(chat); ok {
		return bound
	}
	return r.DefaultSession(chat)
}

// clearIf removes the binding only if nobody rebound the chat meanwhile.
func (r *Registry) clearIf(chat model.ChatID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindings[chat] == name {
		delete(r.bindings, chat)
	}
}
