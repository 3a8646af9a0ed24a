package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/safety"
)

func violation(id string) safety.Violation {
	return safety.Violation{ID: id, PolicyID: safety.PolicyDestructiveCommands, Risk: safety.RiskCritical}
}

// TestRequestWithoutDecider verifies requests stay pending until someone
// provides a decision.
func TestRequestWithoutDecider(t *testing.T) {
	b := NewConfirmationBroker(4, nil, logging.Discard())
	ctx := context.Background()
	b.Start(ctx, func(string, bool) error { return nil })
	defer b.Stop()

	first, err := b.RequestConfirmation(ctx, violation("v1"))
	if err != nil {
		t.Fatalf("RequestConfirmation failed: %v", err)
	}
	second, err := b.RequestConfirmation(ctx, violation("v2"))
	if err != nil {
		t.Fatalf("RequestConfirmation failed: %v", err)
	}
	if first == "" || first == second {
		t.Fatalf("expected distinct pending IDs, got %q and %q", first, second)
	}

	pending := b.Pending()
	if len(pending) != 2 || pending[0].Violation.ID != "v1" {
		t.Fatalf("expected two pending requests oldest first, got %+v", pending)
	}

	if err := b.ProvideConfirmation(first, true); err != nil {
		t.Fatalf("ProvideConfirmation failed: %v", err)
	}
	if err := b.ProvideConfirmation(first, true); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a decided request, got %v", err)
	}
	if got := len(b.Pending()); got != 1 {
		t.Errorf("expected 1 pending request, got %d", got)
	}
}

// TestDeciderResolves verifies the handler answers requests and delivers the
// decision, retrying while the resolver does not know the ID yet.
func TestDeciderResolves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	decide := func(ctx context.Context, req Request) (bool, error) {
		return req.Violation.ID == "approve-me", nil
	}
	b := NewConfirmationBroker(4, decide, logging.Discard())

	var mu sync.Mutex
	calls := 0
	decisions := make(map[string]bool)
	delivered := make(chan struct{}, 2)
	b.Start(ctx, func(id string, approved bool) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return faults.ErrNotFound
		}
		decisions[id] = approved
		delivered <- struct{}{}
		return b.ProvideConfirmation(id, approved)
	})

	yes, err := b.RequestConfirmation(ctx, violation("approve-me"))
	if err != nil {
		t.Fatalf("RequestConfirmation failed: %v", err)
	}
	no, err := b.RequestConfirmation(ctx, violation("deny-me"))
	if err != nil {
		t.Fatalf("RequestConfirmation failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-ctx.Done():
			t.Fatal("timed out waiting for decisions")
		}
	}
	cancel()
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !decisions[yes] {
		t.Errorf("expected %s approved", yes)
	}
	if approved, ok := decisions[no]; !ok || approved {
		t.Errorf("expected %s denied, got %v (delivered=%v)", no, approved, ok)
	}
	if len(b.Pending()) != 0 {
		t.Errorf("expected no pending requests, got %d", len(b.Pending()))
	}
}

// TestDeciderErrorDenies verifies a failing decider counts as a denial.
func TestDeciderErrorDenies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := NewConfirmationBroker(1, func(context.Context, Request) (bool, error) {
		return true, errors.New("terminal closed")
	}, logging.Discard())

	result := make(chan bool, 1)
	b.Start(ctx, func(id string, approved bool) error {
		result <- approved
		return nil
	})

	if _, err := b.RequestConfirmation(ctx, violation("v")); err != nil {
		t.Fatalf("RequestConfirmation failed: %v", err)
	}
	select {
	case approved := <-result:
		if approved {
			t.Error("expected denial after decider error")
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
	cancel()
	b.Stop()
}

// TestQueueFull verifies a full queue rejects instead of blocking the caller.
func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	b := NewConfirmationBroker(1, func(ctx context.Context, _ Request) (bool, error) {
		<-block
		return false, nil
	}, logging.Discard())

	// Not started: nothing drains the queue.
	ctx := context.Background()
	if _, err := b.RequestConfirmation(ctx, violation("v1")); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := b.RequestConfirmation(ctx, violation("v2")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if got := len(b.Pending()); got != 1 {
		t.Errorf("rejected request must not stay pending, got %d pending", got)
	}
	close(block)
}

// TestRequestRespectsCancelledContext verifies no request is registered for
// a cancelled caller.
func TestRequestRespectsCancelledContext(t *testing.T) {
	b := NewConfirmationBroker(1, nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.RequestConfirmation(ctx, violation("v")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(b.Pending()) != 0 {
		t.Error("expected nothing pending")
	}
}

// TestStopWithoutStart verifies Stop never blocks on an unstarted broker.
func TestStopWithoutStart(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewConfirmationBroker(1, nil, nil).Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}
