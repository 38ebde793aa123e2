package automation_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"TradeKernel/internal/automation"
	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func output(t event.Type) ledger.Output {
	return ledger.Output{
		Envelope: event.Envelope{
			Sequence: 1,
			Event: event.Event{
				TradeID: uuid.New(),
				Type:    t,
			},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// ============================================================================
// Test: Dispatch
// ============================================================================

func TestDispatcher_ExecutesMatchingRules(t *testing.T) {
	d := automation.NewDispatcher(16, 1, time.Millisecond, nil, zerolog.Nop())

	var fired atomic.Int64
	d.On(event.TypeQuoteReceived, automation.Rule{
		Name: "count",
		Handler: func(context.Context, event.Envelope) error {
			fired.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(output(event.TypeQuoteReceived))
	d.Enqueue(output(event.TypeDelivered)) // no rule registered
	d.Enqueue(output(event.TypeQuoteReceived))

	waitFor(t, func() bool { return fired.Load() == 2 })
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	d := automation.NewDispatcher(16, 3, time.Millisecond, nil, zerolog.Nop())

	var attempts atomic.Int64
	d.On(event.TypeDelivered, automation.Rule{
		Name: "always_fails",
		Handler: func(context.Context, event.Envelope) error {
			attempts.Add(1)
			return errors.New("downstream unavailable")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(output(event.TypeDelivered))

	waitFor(t, func() bool { return len(d.DeadLetters()) == 1 })
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	dl := d.DeadLetters()[0]
	if dl.RuleName != "always_fails" || dl.LastError != "downstream unavailable" {
		t.Errorf("unexpected dead letter: %+v", dl)
	}
}

func TestDispatcher_RecoversAfterTransientFailure(t *testing.T) {
	d := automation.NewDispatcher(16, 5, time.Millisecond, nil, zerolog.Nop())

	var attempts atomic.Int64
	d.On(event.TypeDelivered, automation.Rule{
		Name: "flaky",
		Handler: func(context.Context, event.Envelope) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(output(event.TypeDelivered))

	waitFor(t, func() bool { return attempts.Load() == 3 })
	time.Sleep(10 * time.Millisecond)
	if len(d.DeadLetters()) != 0 {
		t.Error("recovered job should not be dead-lettered")
	}
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	d := automation.NewDispatcher(1, 1, time.Millisecond, nil, zerolog.Nop())

	// No Run loop draining; the queue fills and overflow is dead-lettered.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Enqueue(output(event.TypeQuoteReceived))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestDispatcher_OverflowIsDeadLettered(t *testing.T) {
	d := automation.NewDispatcher(1, 1, time.Millisecond, nil, zerolog.Nop())

	// No Run loop: the first envelope fills the queue, the rest overflow.
	for i := 0; i < 3; i++ {
		d.Enqueue(output(event.TypeQuoteReceived))
	}

	dls := d.DeadLetters()
	if len(dls) != 2 {
		t.Fatalf("dead letters = %d, want the 2 overflowed envelopes", len(dls))
	}
	for _, dl := range dls {
		if dl.RuleName != "enqueue" || dl.LastError != "automation queue full" {
			t.Errorf("unexpected dead letter: %+v", dl)
		}
	}
}

func TestDispatcher_StopDrainsQueuedJobs(t *testing.T) {
	d := automation.NewDispatcher(16, 1, time.Millisecond, nil, zerolog.Nop())

	var fired atomic.Int64
	d.On(event.TypeQuoteReceived, automation.Rule{
		Name: "count",
		Handler: func(context.Context, event.Envelope) error {
			fired.Add(1)
			return nil
		},
	})

	for i := 0; i < 5; i++ {
		d.Enqueue(output(event.TypeQuoteReceived))
	}

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()
	d.Stop()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run after Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if got := fired.Load(); got != 5 {
		t.Errorf("fired = %d, want all queued jobs drained before return", got)
	}
}
