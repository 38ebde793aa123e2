package kernel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/observability"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EscrowGate exposes the escrow facts entry conditions consult, plus the
// create side effect for ESCROW_REQUIRED.
type EscrowGate interface {
	// FundingStatus returns the escrow balance and whether the escrow is
	// currently funded.
	FundingStatus(tradeID uuid.UUID) (balance int64, funded bool)
	// Released reports whether the escrow has been released.
	Released(tradeID uuid.UUID) bool
	// EnsureCreated creates the escrow record for a trade entering
	// ESCROW_REQUIRED. Idempotent.
	EnsureCreated(t *trade.Trade) error
}

// QuoteGate exposes quote facts and the kernel-mediated acceptance side
// effect for CONTRACTED.
type QuoteGate interface {
	HasOpenQuote(tradeID uuid.UUID) bool
	// CanAccept reports whether the quote could be accepted on the trade.
	// Checked as a CONTRACTED entry condition before any write happens.
	CanAccept(tradeID, quoteID uuid.UUID) error
	// Accept marks the quote identified in transition metadata as accepted.
	// Only the kernel calls this, and the call must be idempotent for the
	// same (trade, quote) pair: quote status never diverges from trade
	// status, even across a retried sequence conflict.
	Accept(tradeID, quoteID uuid.UUID) error
}

// LogisticsGate exposes the latest shipment milestone category for
// delivery-dependent entry conditions.
type LogisticsGate interface {
	LatestCategory(tradeID uuid.UUID) (string, bool)
}

// Milestone categories as classified by the logistics tracker.
const (
	CategoryPickedUp  = "picked_up"
	CategoryInTransit = "in_transit"
	CategoryDelivered = "delivered"
)

// Kernel is the transition validator/executor: the single authority on
// whether a requested transition is legal, what side effects it triggers,
// and what lands in the durable event trail.
type Kernel struct {
	store    *trade.Store
	log      *ledger.Log
	escrow   EscrowGate
	quotes   QuoteGate
	shipping LogisticsGate

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(
	store *trade.Store,
	log *ledger.Log,
	escrow EscrowGate,
	quotes QuoteGate,
	shipping LogisticsGate,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Kernel {
	return &Kernel{
		store:    store,
		log:      log,
		escrow:   escrow,
		quotes:   quotes,
		shipping: shipping,
		metrics:  metrics,
		logger:   logger,
	}
}

// CreateTrade registers a new trade in DRAFT and appends TRADE_CREATED.
func (k *Kernel) CreateTrade(t *trade.Trade) (*trade.Trade, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	created, err := k.store.Create(t)
	if err != nil {
		return nil, err
	}

	k.log.Append(event.Event{
		TradeID: created.ID,
		Type:    event.TypeTradeCreated,
		Metadata: map[string]string{
			"state":    created.State.String(),
			"buyer":    created.BuyerID.String(),
			"seller":   created.SellerID.String(),
			"quantity": strconv.FormatInt(created.Quantity, 10),
			"unit":     created.Unit,
			"amount":   strconv.FormatInt(created.Amount, 10),
			"currency": created.Currency,
		},
		TriggeredBy: "kernel",
	})

	return created, nil
}

// Transition validates and executes a proposed transition. It either fully
// commits (state + event) or fully fails with no partial writes.
func (k *Kernel) Transition(ctx context.Context, req Request) Result {
	return k.run(ctx, req, false)
}

// DryRun performs the same legality and entry-condition evaluation without
// persisting anything — used by callers to preview before committing.
func (k *Kernel) DryRun(ctx context.Context, req Request) Result {
	return k.run(ctx, req, true)
}

func (k *Kernel) run(ctx context.Context, req Request, dryRun bool) Result {
	start := time.Now()

	res := k.evaluate(ctx, req)
	if !res.Success || dryRun {
		k.observe(req, res, start, dryRun)
		return res
	}

	res = k.commit(req, res)
	k.observe(req, res, start, dryRun)
	return res
}

// evaluate runs input validation, the CAS check, legality, and entry
// conditions. Read-only: nothing is mutated.
func (k *Kernel) evaluate(ctx context.Context, req Request) Result {
	if req.NextState == trade.StateUnknown {
		return reject(DecisionBlock, ReasonValidation, "nextState is not a member of the state enum", nil)
	}

	t, err := k.store.Get(req.TradeID)
	if err != nil {
		return reject(DecisionBlock, ReasonTradeNotFound, fmt.Sprintf("trade %s not found", req.TradeID), nil)
	}

	if req.ExpectedSequence != nil && *req.ExpectedSequence != t.Sequence {
		r := reject(DecisionConflict, ReasonConflict,
			fmt.Sprintf("expected sequence %d but trade is at %d — reload and retry", *req.ExpectedSequence, t.Sequence), nil)
		r.Trade = t
		return r
	}

	if !trade.CanTransition(t.State, req.NextState) {
		r := reject(DecisionBlock, ReasonIllegalTransition,
			fmt.Sprintf("transition %s -> %s is not a permitted edge", t.State, req.NextState),
			requiredPath(t.State, req.NextState))
		r.Trade = t
		return r
	}

	if ok, reason, actions := k.checkEntryConditions(ctx, t, req); !ok {
		code := ReasonEntryConditionUnmet
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = ReasonDependencyTimeout
		}
		r := reject(DecisionBlock, code, reason, actions)
		r.Trade = t
		return r
	}

	return Result{
		Success:        true,
		Decision:       DecisionAllow,
		Trade:          t,
		ResultingState: req.NextState,
	}
}

// commit applies side effects and persists the accepted transition. The CAS
// in Store.Apply closes the race window between evaluate and commit: a
// concurrent writer turns this into a CONFLICT, not a lost update.
func (k *Kernel) commit(req Request, res Result) Result {
	t := res.Trade

	metadata := make(map[string]string, len(req.Metadata)+4)
	for key, v := range req.Metadata {
		metadata[key] = v
	}

	delta := TrustDelta(req.NextState)
	score, _ := strconv.Atoi(t.Metadata["trust_score"])
	metadata["trust_score"] = strconv.Itoa(score + delta)
	if req.NextState == trade.StateDisputed {
		// Resolution may only return to this state or later, or CLOSED.
		metadata["pre_dispute_state"] = t.State.String()
	}
	metadata["integrity_hash"] = IntegrityHash(t.ID, req.NextState, metadata)

	// Kernel-mediated side effects before the state flip. Each is idempotent,
	// so a retry after a sequence conflict converges instead of wedging.
	switch req.NextState {
	case trade.StateContracted:
		quoteID, err := uuid.Parse(metadata["quote_id"])
		if err == nil {
			err = k.quotes.Accept(t.ID, quoteID)
		}
		if err != nil {
			r := reject(DecisionBlock, ReasonEntryConditionUnmet,
				fmt.Sprintf("accept quote: %v", err), []string{"submit a valid quote_id in metadata"})
			r.Trade = t
			return r
		}
	case trade.StateEscrowRequired:
		if err := k.escrow.EnsureCreated(t); err != nil {
			r := reject(DecisionBlock, ReasonDependencyTimeout,
				fmt.Sprintf("create escrow: %v", err), []string{"retry transition"})
			r.Trade = t
			return r
		}
	}

	updated, err := k.store.Apply(t.ID, t.Sequence, req.NextState, metadata)
	if err != nil {
		if errors.Is(err, trade.ErrStaleSequence) {
			r := reject(DecisionConflict, ReasonConflict,
				"trade sequence advanced concurrently — reload and retry", nil)
			return r
		}
		r := reject(DecisionBlock, ReasonValidation, err.Error(), nil)
		return r
	}

	evtMeta := make(map[string]string, len(metadata)+3)
	for key, v := range metadata {
		evtMeta[key] = v
	}
	evtMeta["from_state"] = t.State.String()
	evtMeta["to_state"] = req.NextState.String()
	evtMeta["trust_delta"] = strconv.Itoa(delta)

	evtType := event.TypeStateTransition
	if req.NextState == trade.StateDisputed {
		evtType = event.TypeDisputeOpened
	}

	env := k.log.Append(event.Event{
		TradeID:     t.ID,
		Type:        evtType,
		Metadata:    evtMeta,
		TriggeredBy: req.TriggeredBy,
	})

	k.logger.Info().
		Str("trade_id", t.ID.String()).
		Str("from", t.State.String()).
		Str("to", req.NextState.String()).
		Int64("sequence", updated.Sequence).
		Int64("event_seq", env.Sequence).
		Msg("transition applied")

	return Result{
		Success:        true,
		Decision:       DecisionAllow,
		Trade:          updated,
		ResultingState: updated.State,
	}
}

// Annotate records a no-op transition: same state, updated metadata, with a
// durable event. Used by the consensus ledger so signatures are part of the
// event trail.
func (k *Kernel) Annotate(tradeID uuid.UUID, evtType event.Type, metadata map[string]string, triggeredBy string) (*trade.Trade, error) {
	t, err := k.store.Get(tradeID)
	if err != nil {
		return nil, err
	}

	updated, err := k.store.Apply(tradeID, t.Sequence, t.State, metadata)
	if err != nil {
		return nil, err
	}

	evtMeta := make(map[string]string, len(metadata)+1)
	for key, v := range metadata {
		evtMeta[key] = v
	}
	evtMeta["state"] = updated.State.String()

	k.log.Append(event.Event{
		TradeID:     tradeID,
		Type:        evtType,
		Metadata:    evtMeta,
		TriggeredBy: triggeredBy,
	})

	return updated, nil
}

// checkEntryConditions evaluates per-target-state preconditions.
func (k *Kernel) checkEntryConditions(ctx context.Context, t *trade.Trade, req Request) (bool, string, []string) {
	if t.State == trade.StateDisputed && req.NextState != trade.StateClosed {
		if pre, ok := trade.ParseState(t.Metadata["pre_dispute_state"]); ok {
			if trade.ForwardIndex(req.NextState) < trade.ForwardIndex(pre) {
				return false,
					fmt.Sprintf("dispute interrupted %s, resolution cannot rewind the trade to %s", pre, req.NextState),
					[]string{fmt.Sprintf("resolve to %s or a later state, or close the trade", pre)}
			}
		}
	}

	switch req.NextState {
	case trade.StateQuoted:
		if !k.quotes.HasOpenQuote(t.ID) {
			return false, "no open quote on trade", []string{"submit at least one quote"}
		}

	case trade.StateContracted:
		quoteID, err := uuid.Parse(req.Metadata["quote_id"])
		if err != nil {
			return false, "metadata quote_id must identify the quote being accepted",
				[]string{"set quote_id to a submitted quote"}
		}
		if err := k.quotes.CanAccept(t.ID, quoteID); err != nil {
			return false, fmt.Sprintf("accept quote: %v", err),
				[]string{"set quote_id to a submitted quote"}
		}

	case trade.StateEscrowFunded:
		balance, funded := k.escrow.FundingStatus(t.ID)
		if !funded || balance != t.Amount {
			return false,
				fmt.Sprintf("escrow balance %d does not cover trade amount %d", balance, t.Amount),
				[]string{"fund escrow before production"}
		}

	case trade.StateSettled:
		if !k.escrow.Released(t.ID) {
			return false, "escrow has not been released", []string{"release escrow"}
		}

	case trade.StatePickupScheduled, trade.StateInTransit, trade.StateDelivered, trade.StateAccepted:
		want := map[trade.State]string{
			trade.StatePickupScheduled: CategoryPickedUp,
			trade.StateInTransit:       CategoryInTransit,
			trade.StateDelivered:       CategoryDelivered,
			trade.StateAccepted:        CategoryDelivered,
		}[req.NextState]

		got, ok := k.shipping.LatestCategory(t.ID)
		if !ok || got != want {
			return false,
				fmt.Sprintf("latest shipment milestone is %q, need %q", got, want),
				[]string{fmt.Sprintf("record a %s milestone", want)}
		}

		if req.NextState == trade.StateAccepted && !acceptedFlag(t, req) {
			return false, "buyer has not accepted delivery", []string{"set buyer_accepted=true"}
		}
	}

	return true, "", nil
}

func acceptedFlag(t *trade.Trade, req Request) bool {
	if req.Metadata["buyer_accepted"] == "true" {
		return true
	}
	return t.MetadataFlag("buyer_accepted")
}

func (k *Kernel) observe(req Request, res Result, start time.Time, dryRun bool) {
	if k.metrics == nil {
		return
	}
	mode := "commit"
	if dryRun {
		mode = "dry_run"
	}
	if res.Success {
		k.metrics.TransitionsApplied.WithLabelValues(req.NextState.String(), mode).Inc()
	} else {
		k.metrics.TransitionsRejected.WithLabelValues(req.NextState.String(), string(res.ReasonCode)).Inc()
	}
	k.metrics.TransitionDuration.WithLabelValues(res.Decision.String()).Observe(time.Since(start).Seconds())
}

// requiredPath names the in-between states the caller must pass through for
// a forward jump that skipped steps.
func requiredPath(from, to trade.State) []string {
	fromIdx := trade.ForwardIndex(from)
	toIdx := trade.ForwardIndex(to)
	if fromIdx < 0 || toIdx < 0 || toIdx <= fromIdx+1 {
		return nil
	}

	actions := make([]string, 0, toIdx-fromIdx-1)
	for _, st := range forwardStatesBetween(fromIdx, toIdx) {
		actions = append(actions, fmt.Sprintf("complete %s first", st))
	}
	return actions
}

func forwardStatesBetween(fromIdx, toIdx int) []trade.State {
	out := make([]trade.State, 0, toIdx-fromIdx-1)
	for st := trade.StateDraft; st <= trade.StateClosed; st++ {
		idx := trade.ForwardIndex(st)
		if idx > fromIdx && idx < toIdx {
			out = append(out, st)
		}
	}
	return out
}

func reject(d Decision, code ReasonCode, reason string, actions []string) Result {
	return Result{
		Success:         false,
		Decision:        d,
		ReasonCode:      code,
		Reason:          reason,
		RequiredActions: actions,
	}
}
