package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Submit after Drain.
var ErrClosed = errors.New("protocol: dispatcher closed")

type request struct {
	ctx   context.Context
	msg   Message
	reply chan Response
}

// Dispatcher serializes messages onto a single handler goroutine: one
// request at a time, in submission order.
type Dispatcher struct {
	handler *Handler
	logger  *slog.Logger

	requests chan request
	done     chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewDispatcher creates a Dispatcher. queue bounds the number of pending
// submissions before Submit blocks.
func NewDispatcher(h *Handler, queue int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queue < 0 {
		queue = 0
	}
	return &Dispatcher{
		handler:  h,
		logger:   logger,
		requests: make(chan request, queue),
		done:     make(chan struct{}),
	}
}

// Start launches the handler loop. It returns immediately.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.loop()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for req := range d.requests {
		if err := req.ctx.Err(); err != nil {
			req.reply <- errorResponse(req.msg.ID, req.msg.Metadata.Type, "", err)
			continue
		}
		req.reply <- d.handler.Handle(req.ctx, req.msg)
	}
}

// Submit enqueues msg and waits for its response. The context bounds both
// the wait and the handling.
func (d *Dispatcher) Submit(ctx context.Context, msg Message) (Response, error) {
	reply := make(chan Response, 1)

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return Response{}, ErrClosed
	}
	select {
	case d.requests <- request{ctx: ctx, msg: msg, reply: reply}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return Response{}, ctx.Err()
	}

	// A submitted request always gets a reply; the handler observes ctx.
	return <-reply, nil
}

// Drain stops accepting submissions and waits for queued requests to finish
// or for ctx to expire.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.requests)
	}
	if !d.started {
		// Queued submissions still need replies.
		d.started = true
		go d.loop()
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("protocol: drain timed out waiting for in-flight requests")
	}
}
