package automation_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"TradeKernel/internal/automation"
	"TradeKernel/internal/consensus"
	"TradeKernel/internal/escrow"
	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type stubEscrow struct {
	escrow     *escrow.Escrow
	forErr     error
	released   atomic.Int64
	releaseErr error
	disputed   atomic.Int64
}

func (s *stubEscrow) ForTrade(uuid.UUID) (*escrow.Escrow, error) {
	return s.escrow, s.forErr
}

func (s *stubEscrow) Release(context.Context, uuid.UUID, string) (*escrow.Payment, error) {
	s.released.Add(1)
	if s.releaseErr != nil {
		return nil, s.releaseErr
	}
	return &escrow.Payment{ID: uuid.New()}, nil
}

func (s *stubEscrow) MarkDisputed(uuid.UUID) error {
	s.disputed.Add(1)
	return nil
}

type stubConsensus struct {
	reached bool
}

func (s *stubConsensus) CheckConsensus(uuid.UUID) (consensus.Status, error) {
	return consensus.Status{ConsensusReached: s.reached}, nil
}

type stubAnnotator struct {
	annotations atomic.Int64
}

func (s *stubAnnotator) Annotate(uuid.UUID, event.Type, map[string]string, string) (*trade.Trade, error) {
	s.annotations.Add(1)
	return nil, nil
}

type rulesFixture struct {
	dispatcher *automation.Dispatcher
	escrow     *stubEscrow
	consensus  *stubConsensus
	annotator  *stubAnnotator
	trades     *trade.Store
	notifier   *automation.LogNotifier
	cancel     context.CancelFunc
}

func setupRules(t *testing.T) *rulesFixture {
	t.Helper()

	f := &rulesFixture{
		dispatcher: automation.NewDispatcher(16, 1, time.Millisecond, nil, zerolog.Nop()),
		escrow:     &stubEscrow{},
		consensus:  &stubConsensus{},
		annotator:  &stubAnnotator{},
		trades:     trade.NewStore(),
		notifier:   automation.NewLogNotifier(zerolog.Nop()),
	}
	automation.RegisterDefaultRules(f.dispatcher, f.escrow, f.consensus, f.annotator, f.trades, f.notifier)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go f.dispatcher.Run(ctx)
	return f
}

func (f *rulesFixture) enqueue(t event.Type, tradeID uuid.UUID, metadata map[string]string) {
	f.dispatcher.Enqueue(ledger.Output{Envelope: event.Envelope{
		Sequence: 1,
		Event:    event.Event{TradeID: tradeID, Type: t, Metadata: metadata},
	}})
}

// ============================================================================
// Test: Default rules
// ============================================================================

func TestRules_QuoteReceivedNotifiesRecipient(t *testing.T) {
	f := setupRules(t)
	buyer := uuid.New()

	f.enqueue(event.TypeQuoteReceived, uuid.New(), map[string]string{
		"notify":   buyer.String(),
		"quote_id": uuid.NewString(),
	})

	waitFor(t, func() bool { return len(f.notifier.Sent()) == 1 })
	if f.notifier.Sent()[0].Recipient != buyer.String() {
		t.Error("notification should target the metadata recipient")
	}
}

func TestRules_ContractDraftedOnceOnContracted(t *testing.T) {
	f := setupRules(t)
	tr, _ := f.trades.Create(&trade.Trade{ID: uuid.New(), Metadata: map[string]string{}})

	f.enqueue(event.TypeStateTransition, tr.ID, map[string]string{"to_state": "CONTRACTED"})
	waitFor(t, func() bool { return f.annotator.annotations.Load() == 1 })

	// Redelivery with the contract already recorded is a no-op
	f.trades.Apply(tr.ID, 0, trade.StateContracted, map[string]string{"contract_ref": "contract-1"})
	f.enqueue(event.TypeStateTransition, tr.ID, map[string]string{"to_state": "CONTRACTED"})
	f.enqueue(event.TypeStateTransition, tr.ID, map[string]string{"to_state": "QUOTED"})

	time.Sleep(20 * time.Millisecond)
	if got := f.annotator.annotations.Load(); got != 1 {
		t.Errorf("annotations = %d, want 1", got)
	}
}

func TestRules_DisputeFreezesEscrowAndNotifiesParties(t *testing.T) {
	f := setupRules(t)
	tr, _ := f.trades.Create(&trade.Trade{
		ID: uuid.New(), BuyerID: uuid.New(), SellerID: uuid.New(),
		Metadata: map[string]string{},
	})

	f.enqueue(event.TypeDisputeOpened, tr.ID, nil)

	waitFor(t, func() bool { return f.escrow.disputed.Load() == 1 && len(f.notifier.Sent()) == 2 })
}

func TestRules_ReleaseWaitsForConsensus(t *testing.T) {
	f := setupRules(t)
	tradeID := uuid.New()
	f.escrow.escrow = &escrow.Escrow{ID: uuid.New(), TradeID: tradeID, Status: escrow.StatusFunded}

	f.enqueue(event.TypeConsensusSignature, tradeID, nil)
	time.Sleep(20 * time.Millisecond)
	if f.escrow.released.Load() != 0 {
		t.Fatal("release should wait for consensus")
	}

	f.consensus.reached = true
	f.enqueue(event.TypeConsensusSignature, tradeID, nil)
	waitFor(t, func() bool { return f.escrow.released.Load() == 1 })
}

func TestRules_BlockedReleaseIsNotAFailure(t *testing.T) {
	f := setupRules(t)
	tradeID := uuid.New()
	f.escrow.escrow = &escrow.Escrow{ID: uuid.New(), TradeID: tradeID, Status: escrow.StatusFunded}
	f.escrow.releaseErr = &escrow.ReleaseBlockedError{Condition: "buyer has not accepted delivery"}
	f.consensus.reached = true

	f.enqueue(event.TypeConsensusSignature, tradeID, nil)

	waitFor(t, func() bool { return f.escrow.released.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if len(f.dispatcher.DeadLetters()) != 0 {
		t.Error("a blocked release should not be dead-lettered")
	}
}

func TestRules_ReleaseSkipsUnfundedEscrow(t *testing.T) {
	f := setupRules(t)
	tradeID := uuid.New()
	f.escrow.escrow = &escrow.Escrow{ID: uuid.New(), TradeID: tradeID, Status: escrow.StatusReleased}
	f.consensus.reached = true

	f.enqueue(event.TypeConsensusSignature, tradeID, nil)

	time.Sleep(30 * time.Millisecond)
	if f.escrow.released.Load() != 0 {
		t.Error("already disbursed escrow should not be released again")
	}
	if len(f.dispatcher.DeadLetters()) != 0 {
		t.Error("skip should not be dead-lettered")
	}
}
