package kernel_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"TradeKernel/internal/event"
	"TradeKernel/internal/kernel"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/quote"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Stub gates
// ============================================================================

type stubEscrow struct {
	balance   int64
	funded    bool
	released  bool
	createErr error
	created   int
}

func (s *stubEscrow) FundingStatus(uuid.UUID) (int64, bool) { return s.balance, s.funded }
func (s *stubEscrow) Released(uuid.UUID) bool               { return s.released }
func (s *stubEscrow) EnsureCreated(*trade.Trade) error {
	s.created++
	return s.createErr
}

type stubQuotes struct {
	open         bool
	canAcceptErr error
	acceptErr    error
	accepted     []uuid.UUID
}

func (s *stubQuotes) HasOpenQuote(uuid.UUID) bool    { return s.open }
func (s *stubQuotes) CanAccept(_, _ uuid.UUID) error { return s.canAcceptErr }
func (s *stubQuotes) Accept(_, quoteID uuid.UUID) error {
	s.accepted = append(s.accepted, quoteID)
	return s.acceptErr
}

type stubShipping struct {
	category string
	known    bool
}

func (s *stubShipping) LatestCategory(uuid.UUID) (string, bool) { return s.category, s.known }

type fixture struct {
	kernel   *kernel.Kernel
	store    *trade.Store
	log      *ledger.Log
	escrow   *stubEscrow
	quotes   *stubQuotes
	shipping *stubShipping
}

func newFixture() *fixture {
	f := &fixture{
		store:    trade.NewStore(),
		log:      ledger.NewLog(nil),
		escrow:   &stubEscrow{},
		quotes:   &stubQuotes{},
		shipping: &stubShipping{},
	}
	f.kernel = kernel.New(f.store, f.log, f.escrow, f.quotes, f.shipping, nil, zerolog.Nop())
	return f
}

func (f *fixture) createTrade(t *testing.T) *trade.Trade {
	t.Helper()
	created, err := f.kernel.CreateTrade(&trade.Trade{
		BuyerID:  uuid.New(),
		SellerID: uuid.New(),
		Quantity: 1000,
		Unit:     "units",
		Amount:   500_000,
		Currency: "USD",
		Metadata: map[string]string{},
	})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	return created
}

func (f *fixture) mustTransition(t *testing.T, tradeID uuid.UUID, next trade.State, metadata map[string]string) kernel.Result {
	t.Helper()
	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:     tradeID,
		NextState:   next,
		Metadata:    metadata,
		TriggeredBy: "test",
	})
	if !res.Success {
		t.Fatalf("transition to %s rejected: %s (%s)", next, res.Reason, res.ReasonCode)
	}
	return res
}

// advance walks the trade through states in order, supplying the quote_id
// the CONTRACTED entry condition demands.
func (f *fixture) advance(t *testing.T, tradeID uuid.UUID, states ...trade.State) {
	t.Helper()
	for _, st := range states {
		var meta map[string]string
		if st == trade.StateContracted {
			meta = map[string]string{"quote_id": uuid.NewString()}
		}
		f.mustTransition(t, tradeID, st, meta)
	}
}

// ============================================================================
// Test: CreateTrade
// ============================================================================

func TestKernel_CreateTradeAppendsEvent(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	if created.State != trade.StateDraft {
		t.Errorf("state = %s, want DRAFT", created.State)
	}

	envs := f.log.EventsForTrade(created.ID)
	if len(envs) != 1 || envs[0].Event.Type != event.TypeTradeCreated {
		t.Fatalf("expected a single TRADE_CREATED event, got %d events", len(envs))
	}
	if envs[0].Event.Metadata["amount"] != "500000" {
		t.Errorf("event amount = %q, want 500000", envs[0].Event.Metadata["amount"])
	}
}

// ============================================================================
// Test: Transition legality
// ============================================================================

func TestKernel_ForwardAdjacentAllowed(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	res := f.mustTransition(t, created.ID, trade.StateRFQOpen, nil)
	if res.Decision != kernel.DecisionAllow {
		t.Errorf("decision = %s, want ALLOW", res.Decision)
	}
	if res.Trade.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", res.Trade.Sequence)
	}
}

func TestKernel_SkipRejectedWithRequiredPath(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateContracted,
	})
	if res.Success {
		t.Fatal("DRAFT -> CONTRACTED should be rejected")
	}
	if res.ReasonCode != kernel.ReasonIllegalTransition {
		t.Errorf("reason code = %s, want ILLEGAL_TRANSITION", res.ReasonCode)
	}
	if len(res.RequiredActions) != 2 {
		t.Fatalf("required actions = %v, want the two skipped states", res.RequiredActions)
	}
	if res.RequiredActions[0] != "complete RFQ_OPEN first" || res.RequiredActions[1] != "complete QUOTED first" {
		t.Errorf("unexpected required actions: %v", res.RequiredActions)
	}
}

func TestKernel_UnknownTradeRejected(t *testing.T) {
	f := newFixture()

	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   uuid.New(),
		NextState: trade.StateRFQOpen,
	})
	if res.Success || res.ReasonCode != kernel.ReasonTradeNotFound {
		t.Errorf("got %s/%s, want BLOCK/TRADE_NOT_FOUND", res.Decision, res.ReasonCode)
	}
}

func TestKernel_UnknownStateRejected(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateUnknown,
	})
	if res.Success || res.ReasonCode != kernel.ReasonValidation {
		t.Errorf("got %s/%s, want BLOCK/VALIDATION", res.Decision, res.ReasonCode)
	}
}

// ============================================================================
// Test: Optimistic concurrency
// ============================================================================

func TestKernel_StaleExpectedSequenceConflicts(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)
	f.mustTransition(t, created.ID, trade.StateRFQOpen, nil)

	stale := int64(0)
	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:          created.ID,
		NextState:        trade.StateQuoted,
		ExpectedSequence: &stale,
	})
	if res.Success {
		t.Fatal("stale expected sequence should conflict")
	}
	if res.Decision != kernel.DecisionConflict || res.ReasonCode != kernel.ReasonConflict {
		t.Errorf("got %s/%s, want CONFLICT/CONFLICT", res.Decision, res.ReasonCode)
	}
}

func TestKernel_ConcurrentSameSequenceOneWins(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	expected := int64(0)
	results := make(chan kernel.Result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.kernel.Transition(context.Background(), kernel.Request{
				TradeID:          created.ID,
				NextState:        trade.StateRFQOpen,
				ExpectedSequence: &expected,
			})
		}()
	}
	wg.Wait()
	close(results)

	var allows, conflicts int
	for res := range results {
		switch res.Decision {
		case kernel.DecisionAllow:
			allows++
		case kernel.DecisionConflict:
			conflicts++
		}
	}
	if allows != 1 || conflicts != 1 {
		t.Fatalf("got %d ALLOW and %d CONFLICT, want exactly one of each", allows, conflicts)
	}

	cur, _ := f.store.Get(created.ID)
	if cur.Sequence != 1 {
		t.Errorf("sequence = %d, want exactly one applied transition", cur.Sequence)
	}
	if got := f.log.Len(); got != 2 {
		t.Errorf("events = %d, want TRADE_CREATED plus a single transition", got)
	}
}

// racingQuotes advances the trade between the kernel's evaluation and its
// commit, forcing the CAS in Store.Apply to fail on the first attempt.
type racingQuotes struct {
	*quote.Service
	store *trade.Store
	raced bool
}

func (r *racingQuotes) CanAccept(tradeID, quoteID uuid.UUID) error {
	if !r.raced {
		r.raced = true
		cur, _ := r.store.Get(tradeID)
		if _, err := r.store.Apply(tradeID, cur.Sequence, cur.State, map[string]string{"note": "concurrent"}); err != nil {
			return err
		}
	}
	return r.Service.CanAccept(tradeID, quoteID)
}

func TestKernel_ConflictedAcceptRetryConverges(t *testing.T) {
	store := trade.NewStore()
	log := ledger.NewLog(nil)
	quotes := quote.NewService(store, log, nil, zerolog.Nop())
	gate := &racingQuotes{Service: quotes, store: store}
	k := kernel.New(store, log, &stubEscrow{}, gate, &stubShipping{}, nil, zerolog.Nop())

	created, err := k.CreateTrade(&trade.Trade{
		BuyerID:  uuid.New(),
		SellerID: uuid.New(),
		Quantity: 100,
		Unit:     "units",
		Amount:   50_000,
		Currency: "USD",
		Metadata: map[string]string{},
	})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	res := k.Transition(context.Background(), kernel.Request{TradeID: created.ID, NextState: trade.StateRFQOpen})
	if !res.Success {
		t.Fatalf("open rfq: %s", res.Reason)
	}
	submitted, err := quotes.Submit(&quote.Quote{
		TradeID:    created.ID,
		SupplierID: uuid.New(),
		UnitPrice:  500,
		TotalPrice: 50_000,
		Currency:   "USD",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res = k.Transition(context.Background(), kernel.Request{TradeID: created.ID, NextState: trade.StateQuoted})
	if !res.Success {
		t.Fatalf("mark quoted: %s", res.Reason)
	}

	req := kernel.Request{
		TradeID:     created.ID,
		NextState:   trade.StateContracted,
		Metadata:    map[string]string{"quote_id": submitted.ID.String()},
		TriggeredBy: "test",
	}

	res = k.Transition(context.Background(), req)
	if res.Success || res.Decision != kernel.DecisionConflict {
		t.Fatalf("raced transition: got %s/%s, want CONFLICT", res.Decision, res.ReasonCode)
	}
	got, _ := quotes.Get(submitted.ID)
	if got.Status != quote.StatusAccepted {
		t.Fatalf("quote status after conflict = %s, want accepted", got.Status)
	}

	// The retry with the same quote_id must converge instead of wedging the
	// trade behind an already-accepted quote.
	res = k.Transition(context.Background(), req)
	if !res.Success {
		t.Fatalf("retry rejected: %s (%s)", res.Reason, res.ReasonCode)
	}
	if res.Trade.State != trade.StateContracted {
		t.Errorf("state = %s, want CONTRACTED", res.Trade.State)
	}
	got, _ = quotes.Get(submitted.ID)
	if got.Status != quote.StatusAccepted {
		t.Errorf("quote status after retry = %s, want accepted", got.Status)
	}
}

// ============================================================================
// Test: Entry conditions
// ============================================================================

func TestKernel_QuotedRequiresOpenQuote(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)
	f.mustTransition(t, created.ID, trade.StateRFQOpen, nil)

	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateQuoted,
	})
	if res.Success || res.ReasonCode != kernel.ReasonEntryConditionUnmet {
		t.Fatalf("got %s/%s, want BLOCK/ENTRY_CONDITION_UNMET", res.Decision, res.ReasonCode)
	}

	f.quotes.open = true
	f.mustTransition(t, created.ID, trade.StateQuoted, nil)
}

func TestKernel_ContractedRequiresQuoteID(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	created := f.createTrade(t)
	f.advance(t, created.ID, trade.StateRFQOpen, trade.StateQuoted)

	// Missing quote_id
	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateContracted,
	})
	if res.Success || res.ReasonCode != kernel.ReasonEntryConditionUnmet {
		t.Fatalf("missing quote_id: got %s/%s, want BLOCK/ENTRY_CONDITION_UNMET", res.Decision, res.ReasonCode)
	}

	// Malformed quote_id
	res = f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateContracted,
		Metadata:  map[string]string{"quote_id": "not-a-uuid"},
	})
	if res.Success || res.ReasonCode != kernel.ReasonEntryConditionUnmet {
		t.Fatalf("malformed quote_id: got %s/%s, want BLOCK/ENTRY_CONDITION_UNMET", res.Decision, res.ReasonCode)
	}

	// Gate refuses the referenced quote
	f.quotes.canAcceptErr = errors.New("quote is withdrawn, cannot accept")
	res = f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateContracted,
		Metadata:  map[string]string{"quote_id": uuid.NewString()},
	})
	if res.Success || res.ReasonCode != kernel.ReasonEntryConditionUnmet {
		t.Fatalf("unacceptable quote: got %s/%s, want BLOCK/ENTRY_CONDITION_UNMET", res.Decision, res.ReasonCode)
	}
	f.quotes.canAcceptErr = nil

	cur, _ := f.store.Get(created.ID)
	if cur.State != trade.StateQuoted {
		t.Errorf("state = %s, rejected attempts must not move the trade", cur.State)
	}
	if len(f.quotes.accepted) != 0 {
		t.Error("no acceptance should have been attempted")
	}

	id := uuid.New()
	f.mustTransition(t, created.ID, trade.StateContracted, map[string]string{"quote_id": id.String()})
	if len(f.quotes.accepted) != 1 || f.quotes.accepted[0] != id {
		t.Errorf("accepted = %v, want exactly the referenced quote %s", f.quotes.accepted, id)
	}
}

func TestKernel_EscrowFundedRequiresFullBalance(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	created := f.createTrade(t)
	f.advance(t, created.ID,
		trade.StateRFQOpen, trade.StateQuoted, trade.StateContracted, trade.StateEscrowRequired)

	if f.escrow.created != 1 {
		t.Errorf("escrow created %d times, want 1", f.escrow.created)
	}

	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateEscrowFunded,
	})
	if res.Success {
		t.Fatal("unfunded escrow should block ESCROW_FUNDED")
	}

	// Partial funding is not enough
	f.escrow.funded = true
	f.escrow.balance = created.Amount - 1
	res = f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateEscrowFunded,
	})
	if res.Success {
		t.Fatal("partial escrow balance should block ESCROW_FUNDED")
	}

	f.escrow.balance = created.Amount
	f.mustTransition(t, created.ID, trade.StateEscrowFunded, nil)
}

func TestKernel_DeliveryStatesRequireMilestones(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	f.escrow.funded = true
	f.escrow.balance = 500_000
	created := f.createTrade(t)
	f.advance(t, created.ID,
		trade.StateRFQOpen, trade.StateQuoted, trade.StateContracted,
		trade.StateEscrowRequired, trade.StateEscrowFunded, trade.StateProduction)

	// No shipment yet
	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StatePickupScheduled,
	})
	if res.Success || res.ReasonCode != kernel.ReasonEntryConditionUnmet {
		t.Fatal("PICKUP_SCHEDULED without a picked_up milestone should block")
	}

	f.shipping.known = true
	f.shipping.category = kernel.CategoryPickedUp
	f.mustTransition(t, created.ID, trade.StatePickupScheduled, nil)

	f.shipping.category = kernel.CategoryInTransit
	f.mustTransition(t, created.ID, trade.StateInTransit, nil)

	f.shipping.category = kernel.CategoryDelivered
	f.mustTransition(t, created.ID, trade.StateDelivered, nil)
}

func TestKernel_AcceptedRequiresBuyerFlag(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	f.escrow.funded = true
	f.escrow.balance = 500_000
	f.shipping.known = true
	created := f.createTrade(t)
	f.advance(t, created.ID,
		trade.StateRFQOpen, trade.StateQuoted, trade.StateContracted,
		trade.StateEscrowRequired, trade.StateEscrowFunded, trade.StateProduction)
	f.shipping.category = kernel.CategoryPickedUp
	f.mustTransition(t, created.ID, trade.StatePickupScheduled, nil)
	f.shipping.category = kernel.CategoryInTransit
	f.mustTransition(t, created.ID, trade.StateInTransit, nil)
	f.shipping.category = kernel.CategoryDelivered
	f.mustTransition(t, created.ID, trade.StateDelivered, nil)

	res := f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateAccepted,
	})
	if res.Success {
		t.Fatal("ACCEPTED without buyer acceptance should block")
	}

	f.mustTransition(t, created.ID, trade.StateAccepted, map[string]string{"buyer_accepted": "true"})

	// SETTLED still gated on escrow release
	res = f.kernel.Transition(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateSettled,
	})
	if res.Success {
		t.Fatal("SETTLED without a released escrow should block")
	}

	f.escrow.released = true
	f.mustTransition(t, created.ID, trade.StateSettled, nil)
	f.mustTransition(t, created.ID, trade.StateClosed, nil)
}

// ============================================================================
// Test: Dispute resolution
// ============================================================================

func TestKernel_DisputeResolutionCannotRewind(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	created := f.createTrade(t)
	f.advance(t, created.ID, trade.StateRFQOpen, trade.StateQuoted)

	res := f.mustTransition(t, created.ID, trade.StateDisputed, map[string]string{"dispute_reason": "quality"})
	if res.Trade.Metadata["pre_dispute_state"] != "QUOTED" {
		t.Errorf("pre_dispute_state = %q, want QUOTED", res.Trade.Metadata["pre_dispute_state"])
	}

	for _, st := range []trade.State{trade.StateDraft, trade.StateRFQOpen} {
		res := f.kernel.Transition(context.Background(), kernel.Request{
			TradeID:   created.ID,
			NextState: st,
		})
		if res.Success || res.ReasonCode != kernel.ReasonEntryConditionUnmet {
			t.Errorf("resolution to %s: got %s/%s, want BLOCK/ENTRY_CONDITION_UNMET", st, res.Decision, res.ReasonCode)
		}
	}

	// Resolution back to the interrupted state is allowed
	f.mustTransition(t, created.ID, trade.StateQuoted, nil)
}

func TestKernel_DisputeCanResolveToClosed(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	created := f.createTrade(t)
	f.advance(t, created.ID, trade.StateRFQOpen, trade.StateQuoted, trade.StateDisputed)

	f.mustTransition(t, created.ID, trade.StateClosed, nil)
}

// ============================================================================
// Test: Dry run
// ============================================================================

func TestKernel_DryRunDoesNotMutate(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)
	eventsBefore := f.log.Len()

	res := f.kernel.DryRun(context.Background(), kernel.Request{
		TradeID:   created.ID,
		NextState: trade.StateRFQOpen,
	})
	if !res.Success {
		t.Fatalf("dry run rejected: %s", res.Reason)
	}
	if res.ResultingState != trade.StateRFQOpen {
		t.Errorf("resulting state = %s, want RFQ_OPEN", res.ResultingState)
	}

	cur, _ := f.store.Get(created.ID)
	if cur.State != trade.StateDraft || cur.Sequence != 0 {
		t.Error("dry run mutated the trade")
	}
	if f.log.Len() != eventsBefore {
		t.Error("dry run appended an event")
	}
}

// ============================================================================
// Test: Trust score and integrity hash
// ============================================================================

func TestTrustDelta(t *testing.T) {
	cases := []struct {
		state trade.State
		want  int
	}{
		{trade.StateContracted, 2},
		{trade.StateEscrowFunded, 5},
		{trade.StateDelivered, 10},
		{trade.StateSettled, 15},
		{trade.StateDisputed, -25},
		{trade.StateRFQOpen, 0},
		{trade.StateClosed, 0},
	}
	for _, c := range cases {
		if got := kernel.TrustDelta(c.state); got != c.want {
			t.Errorf("TrustDelta(%s) = %d, want %d", c.state, got, c.want)
		}
	}
}

func TestKernel_TrustScoreAccumulates(t *testing.T) {
	f := newFixture()
	f.quotes.open = true
	created := f.createTrade(t)
	f.mustTransition(t, created.ID, trade.StateRFQOpen, nil)
	f.mustTransition(t, created.ID, trade.StateQuoted, nil)
	res := f.mustTransition(t, created.ID, trade.StateContracted,
		map[string]string{"quote_id": uuid.NewString()})

	if res.Trade.Metadata["trust_score"] != "2" {
		t.Errorf("trust score after CONTRACTED = %q, want 2", res.Trade.Metadata["trust_score"])
	}

	res = f.mustTransition(t, created.ID, trade.StateDisputed, map[string]string{"dispute_reason": "quality"})
	if res.Trade.Metadata["trust_score"] != "-23" {
		t.Errorf("trust score after DISPUTED = %q, want -23", res.Trade.Metadata["trust_score"])
	}

	envs := f.log.EventsForTrade(created.ID)
	last := envs[len(envs)-1]
	if last.Event.Type != event.TypeDisputeOpened {
		t.Errorf("last event type = %s, want DISPUTE_OPENED", last.Event.Type)
	}
	if last.Event.Metadata["trust_delta"] != "-25" {
		t.Errorf("trust delta = %q, want -25", last.Event.Metadata["trust_delta"])
	}
}

func TestIntegrityHash_Deterministic(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	meta := map[string]string{"b": "2", "a": "1"}

	h1 := kernel.IntegrityHash(id, trade.StateQuoted, meta)
	h2 := kernel.IntegrityHash(id, trade.StateQuoted, map[string]string{"a": "1", "b": "2"})
	if h1 != h2 {
		t.Error("hash should be independent of map iteration order")
	}

	h3 := kernel.IntegrityHash(id, trade.StateContracted, meta)
	if h1 == h3 {
		t.Error("hash should depend on state")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestKernel_TransitionRecordsIntegrityHash(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	res := f.mustTransition(t, created.ID, trade.StateRFQOpen, map[string]string{"rfq_deadline": "2026-09-15"})

	want := kernel.IntegrityHash(created.ID, trade.StateRFQOpen, map[string]string{
		"rfq_deadline": "2026-09-15",
		"trust_score":  "0",
	})
	if res.Trade.Metadata["integrity_hash"] != want {
		t.Error("recorded integrity hash does not match recomputation")
	}
}

// ============================================================================
// Test: Annotate
// ============================================================================

func TestKernel_AnnotateKeepsState(t *testing.T) {
	f := newFixture()
	created := f.createTrade(t)

	updated, err := f.kernel.Annotate(created.ID, event.TypeConsensusSignature, map[string]string{
		"sig_buyer": "token-1",
	}, "BUYER")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if updated.State != trade.StateDraft {
		t.Errorf("state changed to %s on annotation", updated.State)
	}
	if updated.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", updated.Sequence)
	}
	if updated.Metadata["sig_buyer"] != "token-1" {
		t.Error("annotation metadata not merged")
	}

	envs := f.log.EventsForTrade(created.ID)
	last := envs[len(envs)-1]
	if last.Event.Type != event.TypeConsensusSignature {
		t.Errorf("last event type = %s, want CONSENSUS_SIGNATURE", last.Event.Type)
	}
}
