package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/observability"
	"TradeKernel/internal/settlement"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = errors.New("escrow not found")
	ErrNotPending = errors.New("escrow is not pending")
	ErrNotFunded  = errors.New("escrow is not funded")
	ErrConflict   = errors.New("escrow version advanced concurrently")
)

// ReleaseBlockedError names the first failing release condition. No partial
// release ever happens.
type ReleaseBlockedError struct {
	Condition string
}

func (e *ReleaseBlockedError) Error() string {
	return "release blocked: " + e.Condition
}

// ShipmentStatus is the logistics fact the release check consults.
type ShipmentStatus interface {
	LatestCategory(tradeID uuid.UUID) (string, bool)
}

const categoryDelivered = "delivered"

// Service holds funds state per trade: funding, conditional release, refund.
type Service struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Escrow
	byTrade map[uuid.UUID]uuid.UUID

	payments []Payment
	refunds  []Refund

	trades   *trade.Store
	shipping ShipmentStatus
	clearer  settlement.Clearer
	provider settlement.PaymentProvider
	log      *ledger.Log
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// settleCurrency is the corridor target for cleared payouts.
	settleCurrency string
}

func NewService(
	trades *trade.Store,
	shipping ShipmentStatus,
	clearer settlement.Clearer,
	provider settlement.PaymentProvider,
	log *ledger.Log,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		byID:           make(map[uuid.UUID]*Escrow),
		byTrade:        make(map[uuid.UUID]uuid.UUID),
		trades:         trades,
		shipping:       shipping,
		clearer:        clearer,
		provider:       provider,
		log:            log,
		metrics:        metrics,
		logger:         logger,
		settleCurrency: "USD",
	}
}

// Create opens a pending escrow for a trade. One escrow per trade.
func (s *Service) Create(tradeID, buyer, seller uuid.UUID, amount int64, currency string) (*Escrow, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	if existing, ok := s.byTrade[tradeID]; ok {
		e := s.byID[existing].clone()
		s.mu.Unlock()
		return e, nil
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:        uuid.New(),
		TradeID:   tradeID,
		BuyerID:   buyer,
		SellerID:  seller,
		Amount:    amount,
		Currency:  currency,
		Balance:   0,
		Status:    StatusPending,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byID[e.ID] = e
	s.byTrade[tradeID] = e.ID
	s.mu.Unlock()

	s.append(tradeID, event.TypeEscrowCreated, map[string]string{
		"escrow_id": e.ID.String(),
		"amount":    strconv.FormatInt(amount, 10),
		"currency":  currency,
	})
	s.count("create", "ok")

	return e.clone(), nil
}

// InitiatePayment requests a client secret from the payment provider so the
// buyer can fund the escrow. No escrow state changes.
func (s *Service) InitiatePayment(ctx context.Context, escrowID uuid.UUID) (settlement.PaymentIntent, error) {
	e, err := s.Get(escrowID)
	if err != nil {
		return settlement.PaymentIntent{}, err
	}
	if e.Status != StatusPending {
		return settlement.PaymentIntent{}, fmt.Errorf("%w: escrow is %s", ErrNotPending, e.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, settlement.CallTimeout)
	defer cancel()

	intent, err := s.provider.CreateIntent(callCtx, e.Amount, e.Currency)
	if err != nil {
		s.count("initiate_payment", "provider_error")
		return settlement.PaymentIntent{}, fmt.Errorf("create intent: %w", err)
	}

	s.count("initiate_payment", "ok")
	return intent, nil
}

// Fund moves a pending escrow to funded with balance = amount. Idempotent
// on externalPaymentRef: replaying the same funding callback is a no-op.
func (s *Service) Fund(escrowID uuid.UUID, externalPaymentRef string) (*Escrow, error) {
	if externalPaymentRef == "" {
		return nil, fmt.Errorf("external payment ref is required")
	}

	s.mu.Lock()
	e, ok := s.byID[escrowID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	if e.Status == StatusFunded && e.ExternalPaymentRef == externalPaymentRef {
		cp := e.clone()
		s.mu.Unlock()
		s.count("fund", "duplicate")
		return cp, nil
	}
	if e.Status != StatusPending {
		s.mu.Unlock()
		s.count("fund", "not_pending")
		return nil, fmt.Errorf("%w: escrow is %s", ErrNotPending, e.Status)
	}

	e.Status = StatusFunded
	e.Balance = e.Amount
	e.ExternalPaymentRef = externalPaymentRef
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	cp := e.clone()
	s.mu.Unlock()

	s.append(cp.TradeID, event.TypeEscrowFunded, map[string]string{
		"escrow_id":   cp.ID.String(),
		"amount":      strconv.FormatInt(cp.Amount, 10),
		"currency":    cp.Currency,
		"payment_ref": externalPaymentRef,
	})
	s.count("fund", "ok")
	s.gaugeHeld()

	s.logger.Info().
		Str("escrow_id", cp.ID.String()).
		Str("trade_id", cp.TradeID.String()).
		Int64("balance", cp.Balance).
		Msg("escrow funded")

	return cp, nil
}

// Release disburses a funded escrow to the seller exactly once. The four
// release conditions are checked in order and the first failure is named;
// on success the cleared payment record is created, the balance zeroed, and
// PAYMENT_RELEASED appended.
func (s *Service) Release(ctx context.Context, escrowID uuid.UUID, reason string) (*Payment, error) {
	s.mu.RLock()
	e, ok := s.byID[escrowID]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	if e.Status != StatusFunded && e.Status != StatusDisputed {
		s.mu.RUnlock()
		s.count("release", "not_funded")
		return nil, fmt.Errorf("%w: escrow is %s", ErrNotFunded, e.Status)
	}
	snapshot := e.clone()
	s.mu.RUnlock()

	if err := s.checkReleaseConditions(snapshot.TradeID); err != nil {
		s.count("release", "blocked")
		return nil, err
	}

	// Clearing happens outside the lock; a timeout surfaces as a retryable
	// dependency failure with no state change.
	callCtx, cancel := context.WithTimeout(ctx, settlement.CallTimeout)
	defer cancel()

	clearing, err := s.clearer.Clear(callCtx, snapshot.Amount, snapshot.Currency, s.settleCurrency)
	if err != nil {
		s.count("release", "clearing_error")
		return nil, fmt.Errorf("clear settlement: %w", err)
	}

	s.mu.Lock()
	e = s.byID[escrowID]
	if e.Version != snapshot.Version {
		s.mu.Unlock()
		s.count("release", "conflict")
		return nil, ErrConflict
	}

	payment := Payment{
		ID:           uuid.New(),
		EscrowID:     e.ID,
		Amount:       e.Amount,
		Currency:     e.Currency,
		SettlementID: clearing.SettlementID,
		Rate:         clearing.Rate,
		NetAmount:    clearing.NetAmount,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}
	s.payments = append(s.payments, payment)

	e.Balance = 0
	e.Status = StatusReleased
	e.Version++
	e.UpdatedAt = payment.CreatedAt
	tradeID := e.TradeID
	s.mu.Unlock()

	s.append(tradeID, event.TypePaymentReleased, map[string]string{
		"escrow_id":     escrowID.String(),
		"payment_id":    payment.ID.String(),
		"settlement_id": clearing.SettlementID,
		"net_amount":    strconv.FormatInt(clearing.NetAmount, 10),
		"currency":      clearing.Currency,
		"reason":        reason,
	})
	s.count("release", "ok")
	s.gaugeHeld()

	s.logger.Info().
		Str("escrow_id", escrowID.String()).
		Str("settlement_id", clearing.SettlementID).
		Int64("net_amount", clearing.NetAmount).
		Msg("escrow released")

	return &payment, nil
}

// Refund returns held funds to the buyer exactly once. Valid from funded or
// disputed.
func (s *Service) Refund(ctx context.Context, escrowID uuid.UUID, reason string) (*Refund, error) {
	s.mu.RLock()
	e, ok := s.byID[escrowID]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	if e.Status != StatusFunded && e.Status != StatusDisputed {
		s.mu.RUnlock()
		s.count("refund", "not_funded")
		return nil, fmt.Errorf("%w: escrow is %s", ErrNotFunded, e.Status)
	}
	snapshot := e.clone()
	s.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, settlement.CallTimeout)
	defer cancel()

	providerID, err := s.provider.Refund(callCtx, snapshot.ExternalPaymentRef, snapshot.Amount)
	if err != nil {
		s.count("refund", "provider_error")
		return nil, fmt.Errorf("provider refund: %w", err)
	}

	s.mu.Lock()
	e = s.byID[escrowID]
	if e.Version != snapshot.Version {
		s.mu.Unlock()
		s.count("refund", "conflict")
		return nil, ErrConflict
	}

	refund := Refund{
		ID:         uuid.New(),
		EscrowID:   e.ID,
		Amount:     e.Amount,
		Currency:   e.Currency,
		ProviderID: providerID,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	s.refunds = append(s.refunds, refund)

	e.Balance = 0
	e.Status = StatusRefunded
	e.Version++
	e.UpdatedAt = refund.CreatedAt
	tradeID := e.TradeID
	s.mu.Unlock()

	s.append(tradeID, event.TypeRefundInitiated, map[string]string{
		"escrow_id": escrowID.String(),
		"refund_id": refund.ID.String(),
		"amount":    strconv.FormatInt(refund.Amount, 10),
		"currency":  refund.Currency,
		"reason":    reason,
	})
	s.count("refund", "ok")
	s.gaugeHeld()

	return &refund, nil
}

// MarkDisputed freezes a funded escrow while a dispute is open. Resolution
// goes through Release or Refund.
func (s *Service) MarkDisputed(tradeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTrade[tradeID]
	if !ok {
		return ErrNotFound
	}
	e := s.byID[id]
	if e.Status != StatusFunded {
		return fmt.Errorf("%w: escrow is %s", ErrNotFunded, e.Status)
	}
	e.Status = StatusDisputed
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// checkReleaseConditions evaluates the four-part release gate in order:
// delivered milestone, buyer acceptance, compliance documents, inspection.
func (s *Service) checkReleaseConditions(tradeID uuid.UUID) error {
	category, ok := s.shipping.LatestCategory(tradeID)
	if !ok || category != categoryDelivered {
		return &ReleaseBlockedError{Condition: "shipment not delivered"}
	}

	t, err := s.trades.Get(tradeID)
	if err != nil {
		return fmt.Errorf("load trade: %w", err)
	}
	if !t.MetadataFlag("buyer_accepted") {
		return &ReleaseBlockedError{Condition: "buyer has not accepted delivery"}
	}
	if !t.MetadataFlag("compliance_complete") {
		return &ReleaseBlockedError{Condition: "compliance documents incomplete"}
	}
	if t.MetadataFlag("inspection_required") && !t.MetadataFlag("inspection_passed") {
		return &ReleaseBlockedError{Condition: "inspection not passed"}
	}
	return nil
}

// Get returns a copy of the escrow.
func (s *Service) Get(escrowID uuid.UUID) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// ForTrade returns the escrow attached to a trade.
func (s *Service) ForTrade(tradeID uuid.UUID) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTrade[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].clone(), nil
}

// Payments returns all disbursement records.
func (s *Service) Payments() []Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Payment(nil), s.payments...)
}

// --- kernel.EscrowGate ---

// FundingStatus reports the escrow balance and funded status for a trade.
func (s *Service) FundingStatus(tradeID uuid.UUID) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTrade[tradeID]
	if !ok {
		return 0, false
	}
	e := s.byID[id]
	return e.Balance, e.Status == StatusFunded
}

// Released reports whether the trade's escrow has been released.
func (s *Service) Released(tradeID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTrade[tradeID]
	if !ok {
		return false
	}
	return s.byID[id].Status == StatusReleased
}

// EnsureCreated opens the escrow when a trade enters ESCROW_REQUIRED.
func (s *Service) EnsureCreated(t *trade.Trade) error {
	_, err := s.Create(t.ID, t.BuyerID, t.SellerID, t.Amount, t.Currency)
	return err
}

func (s *Service) append(tradeID uuid.UUID, evtType event.Type, metadata map[string]string) {
	s.log.Append(event.Event{
		TradeID:     tradeID,
		Type:        evtType,
		Metadata:    metadata,
		TriggeredBy: "escrow",
	})
}

func (s *Service) count(op, outcome string) {
	if s.metrics != nil {
		s.metrics.EscrowOperations.WithLabelValues(op, outcome).Inc()
	}
}

func (s *Service) gaugeHeld() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	var held int64
	for _, e := range s.byID {
		held += e.Balance
	}
	s.mu.RUnlock()
	s.metrics.EscrowHeldBalance.Set(float64(held))
}
