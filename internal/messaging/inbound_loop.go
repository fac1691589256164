package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gimmicks/leadpipe/internal/dispatch"
	"github.com/gimmicks/leadpipe/internal/models"
)

const (
	// workerQueueSize bounds the per-phone backlog. A full queue applies
	// backpressure to the transport reader instead of dropping messages.
	workerQueueSize = 64
	// busyRetryLimit is how many times a busy turn is retried before the
	// failure is surfaced in the log.
	busyRetryLimit = 3
	// busyRetryDelay is the pause between busy retries.
	busyRetryDelay = 200 * time.Millisecond
)

// TurnHandler processes one inbound message. Implemented by
// dispatch.Dispatcher.
type TurnHandler interface {
	HandleInbound(ctx context.Context, in models.Inbound) (dispatch.Result, error)
}

// InboundLoop pumps a transport's inbound channel into the dispatcher until
// the context ends or the channel closes. Messages fan out to one worker per
// phone number, so same-phone messages keep their arrival order while
// different phones run in parallel.
type InboundLoop struct {
	service Service
	handler TurnHandler

	mu     sync.Mutex
	queues map[string]chan models.Inbound
}

// NewInboundLoop creates a loop over a transport and a turn handler.
func NewInboundLoop(service Service, handler TurnHandler) *InboundLoop {
	return &InboundLoop{
		service: service,
		handler: handler,
		queues:  make(map[string]chan models.Inbound),
	}
}

// Run consumes inbound messages until ctx is done or the channel closes.
func (l *InboundLoop) Run(ctx context.Context) {
	slog.Info("InboundLoop.Run: started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("InboundLoop.Run: context cancelled, stopping")
			return
		case in, ok := <-l.service.Inbounds():
			if !ok {
				slog.Info("InboundLoop.Run: inbound channel closed, stopping")
				return
			}
			l.enqueue(ctx, in)
		}
	}
}

// enqueue routes the message to its phone number's worker, starting one on
// first contact. Blocks when that worker's queue is full.
func (l *InboundLoop) enqueue(ctx context.Context, in models.Inbound) {
	l.mu.Lock()
	q, ok := l.queues[in.PhoneNumber]
	if !ok {
		q = make(chan models.Inbound, workerQueueSize)
		l.queues[in.PhoneNumber] = q
		go l.worker(ctx, q)
	}
	l.mu.Unlock()

	select {
	case q <- in:
	case <-ctx.Done():
	}
}

func (l *InboundLoop) worker(ctx context.Context, q <-chan models.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-q:
			l.handle(ctx, in)
		}
	}
}

// handle runs one turn, retrying a bounded number of times when the phone's
// turn lock is contended (e.g. an admin-triggered turn in flight).
func (l *InboundLoop) handle(ctx context.Context, in models.Inbound) {
	for attempt := 0; ; attempt++ {
		res, err := l.handler.HandleInbound(ctx, in)
		switch {
		case errors.Is(err, dispatch.ErrBusy) && attempt < busyRetryLimit:
			slog.Warn("InboundLoop.handle: phone busy, retrying",
				"phone", in.PhoneNumber, "delivery_id", in.DeliveryID, "attempt", attempt+1)
			select {
			case <-time.After(busyRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		case err != nil:
			slog.Error("InboundLoop.handle: turn failed", "error", err, "phone", in.PhoneNumber, "delivery_id", in.DeliveryID)
		default:
			slog.Debug("InboundLoop.handle: turn resolved", "phone", in.PhoneNumber, "outcome", res.Outcome)
		}
		return
	}
}
