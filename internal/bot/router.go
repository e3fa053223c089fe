package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/tmuxgram/internal/model"
)

const (
	chatQueueSize   = 32
	workerIdleAfter = 2 * time.Minute
)

// Handler processes one message. Calls for the same chat never overlap.
type Handler interface {
	Handle(ctx context.Context, msg model.Message)
}

// Router fans messages out to one worker per chat. A chat's messages are
// handled in arrival order; different chats run concurrently. Idle workers
// exit and are recreated on the next message.
type Router struct {
	handler Handler
	logger  *slog.Logger
	idle    time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	workers map[model.ChatID]chan model.Message
}

func NewRouter(handler Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handler: handler,
		logger:  logger.With("component", "router"),
		idle:    workerIdleAfter,
		workers: map[model.ChatID]chan model.Message{},
	}
}

// Dispatch queues msg for its chat. It never blocks; when the chat's queue is
// full the message is dropped and false is returned.
func (r *Router) Dispatch(ctx context.Context, msg model.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	queue, ok := r.workers[msg.Chat]
	if !ok {
		queue = make(chan model.Message, chatQueueSize)
		r.workers[msg.Chat] = queue
		r.wg.Add(1)
		go r.work(ctx, msg.Chat, queue)
	}
	select {
	case queue <- msg:
		return true
	default:
		r.logger.Warn("chat queue full, dropping message", "chat", msg.Chat)
		return false
	}
}

func (r *Router) work(ctx context.Context, chat model.ChatID, queue chan model.Message) {
	defer r.wg.Done()
	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.retire(chat, queue, true)
			return
		case msg := <-queue:
			r.handler.Handle(ctx, msg)
			timer.Reset(r.idle)
		case <-timer.C:
			if r.retire(chat, queue, false) {
				return
			}
			timer.Reset(r.idle)
		}
	}
}

// retire removes the worker unless messages arrived meanwhile. Dispatch
// enqueues under r.mu, so an empty queue seen here stays empty.
func (r *Router) retire(chat model.ChatID, queue chan model.Message, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !force && len(queue) > 0 {
		return false
	}
	if r.workers[chat] == queue {
		delete(r.workers, chat)
	}
	return true
}

// Close stops accepting messages and waits for running handlers. Workers
// exit once the context given to Dispatch is done.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
