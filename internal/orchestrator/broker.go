package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/safety"
)

// ErrQueueFull is returned when the broker cannot accept another request.
var ErrQueueFull = errors.New("confirmation queue full")

// Request is a violation waiting for a user decision.
type Request struct {
	PendingID string
	Violation safety.Violation
	CreatedAt time.Time
}

// DecideFunc asks a human (or a standing policy) whether to approve a
// request. An error counts as a denial.
type DecideFunc func(ctx context.Context, req Request) (bool, error)

// ResolveFunc delivers a decision to whoever paused the work, normally
// scheduler.Scheduler.Confirm.
type ResolveFunc func(pendingID string, approved bool) error

// ConfirmationBroker implements safety.UserControl. Requests are registered
// without blocking the caller and, when a DecideFunc is configured, answered
// one at a time by a handler goroutine.
type ConfirmationBroker struct {
	requests chan Request
	decide   DecideFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]Request
	done    chan struct{}
}

var _ safety.UserControl = (*ConfirmationBroker)(nil)

// NewConfirmationBroker creates a broker with the specified buffer size and
// decide function. A nil decide leaves requests pending until
// ProvideConfirmation is called by someone else.
func NewConfirmationBroker(bufferSize int, decide DecideFunc, logger *slog.Logger) *ConfirmationBroker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &ConfirmationBroker{
		requests: make(chan Request, bufferSize),
		decide:   decide,
		logger:   logging.Component(logger, "confirmations"),
		pending:  make(map[string]Request),
	}
}

// RequestConfirmation implements safety.UserControl. It returns the pending
// ID immediately.
func (b *ConfirmationBroker) RequestConfirmation(ctx context.Context, v safety.Violation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req := Request{PendingID: uuid.NewString(), Violation: v, CreatedAt: time.Now()}

	b.mu.Lock()
	b.pending[req.PendingID] = req
	b.mu.Unlock()

	if b.decide == nil {
		return req.PendingID, nil
	}
	select {
	case b.requests <- req:
		return req.PendingID, nil
	default:
		b.forget(req.PendingID)
		return "", ErrQueueFull
	}
}

// ProvideConfirmation implements safety.UserControl. It forgets the pending
// request; the decision itself is acted on by the caller.
func (b *ConfirmationBroker) ProvideConfirmation(pendingID string, approved bool) error {
	if !b.forget(pendingID) {
		return fmt.Errorf("confirmation %s: %w", pendingID, faults.ErrNotFound)
	}
	b.logger.Info("confirmation decided", "pending", pendingID, "approved", approved)
	return nil
}

func (b *ConfirmationBroker) forget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	delete(b.pending, id)
	return ok
}

// Pending returns the undecided requests, oldest first.
func (b *ConfirmationBroker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, r := range b.pending {
		out = append(out, r)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start launches the handler goroutine. It processes requests until the
// context is cancelled. Without a decide function it does nothing.
func (b *ConfirmationBroker) Start(ctx context.Context, resolve ResolveFunc) {
	b.mu.Lock()
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	if b.decide == nil {
		close(done)
		return
	}
	go b.handleRequests(ctx, resolve, done)
}

func (b *ConfirmationBroker) handleRequests(ctx context.Context, resolve ResolveFunc, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.requests:
			approved, err := b.decide(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("confirmation failed, denying", "pending", req.PendingID, "error", err)
				approved = false
			}
			if err := b.deliver(ctx, resolve, req.PendingID, approved); err != nil && ctx.Err() == nil {
				b.logger.Error("could not deliver confirmation", "pending", req.PendingID, "error", err)
			}
		}
	}
}

// deliver retries while the pending ID is not yet known to the resolver: the
// request is registered before the scheduler records the paused task.
func (b *ConfirmationBroker) deliver(ctx context.Context, resolve ResolveFunc, id string, approved bool) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 200), ctx)
	return backoff.Retry(func() error {
		err := resolve(id, approved)
		if err == nil || errors.Is(err, faults.ErrNotFound) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// Stop blocks until the handler goroutine has exited.
func (b *ConfirmationBroker) Stop() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}
