// Package transport tracks the health of the chat transport per chat.
package transport

import (
	"sync"
	"time"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

type HealthState struct {
	Current              Health
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth folds one send result into state. A failure degrades a healthy
// chat; enough failures inside the down window mark it down; enough
// successes bring it back.
func NextHealth(policy config.HealthPolicy, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != HealthOK && state.ConsecutiveSuccesses >= policy.RecoverSuccesses {
			state.Current = HealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case HealthOK:
		state.Current = HealthDegraded
		state.LastTransitionAt = now
	case HealthDegraded:
		if now.Sub(state.LastTransitionAt) > policy.DownWindow {
			// Window expired; this failure opens a new one.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= policy.DownFailures {
			state.Current = HealthDown
			state.LastTransitionAt = now
		}
	case HealthDown:
	}
	return state
}

// Tracker keeps a HealthState per chat.
type Tracker struct {
	policy config.HealthPolicy
	now    func() time.Time

	mu     sync.Mutex
	states map[model.ChatID]HealthState
}

func NewTracker(policy config.HealthPolicy) *Tracker {
	return &Tracker{policy: policy, now: time.Now, states: map[model.ChatID]HealthState{}}
}

// Record applies one result and returns the previous and new health.
func (t *Tracker) Record(chat model.ChatID, success bool) (Health, Health) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.states[chat]
	next := NextHealth(t.policy, prev, success, t.now())
	t.states[chat] = next
	if prev.Current == "" {
		prev.Current = HealthOK
	}
	return prev.Current, next.Current
}

func (t *Tracker) Health(chat model.ChatID) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[chat]; ok {
		return s.Current
	}
	return HealthOK
}
