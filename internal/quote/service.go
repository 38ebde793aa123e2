package quote

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/observability"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyQuoted: a non-withdrawn quote from this supplier already
	// exists on the trade. Never a silent overwrite.
	ErrAlreadyQuoted = errors.New("ALREADY_QUOTED")
	ErrInvalidPrice  = errors.New("INVALID_PRICE")
	ErrRFQNotOpen    = errors.New("RFQ_NOT_OPEN")
	ErrNotFound      = errors.New("quote not found")
)

// Service manages supplier quote submission against open requests.
// Invariant: at most one non-withdrawn quote per (trade, supplier) pair.
type Service struct {
	mu      sync.RWMutex
	quotes  map[uuid.UUID]*Quote
	byTrade map[uuid.UUID][]uuid.UUID

	trades  *trade.Store
	log     *ledger.Log
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewService(trades *trade.Store, log *ledger.Log, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		quotes:  make(map[uuid.UUID]*Quote),
		byTrade: make(map[uuid.UUID][]uuid.UUID),
		trades:  trades,
		log:     log,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit validates and persists a supplier quote, appends QUOTE_RECEIVED,
// and leaves buyer notification to the automation dispatcher (fire-and-
// forget, keyed on the event).
func (s *Service) Submit(q *Quote) (*Quote, error) {
	if q.UnitPrice <= 0 || q.TotalPrice <= 0 {
		s.count("invalid_price")
		return nil, fmt.Errorf("%w: unit=%d total=%d", ErrInvalidPrice, q.UnitPrice, q.TotalPrice)
	}

	t, err := s.trades.Get(q.TradeID)
	if err != nil {
		s.count("trade_not_found")
		return nil, fmt.Errorf("trade %s: %w", q.TradeID, err)
	}
	if t.State != trade.StateRFQOpen {
		s.count("rfq_not_open")
		return nil, fmt.Errorf("%w: trade is %s", ErrRFQNotOpen, t.State)
	}

	s.mu.Lock()
	for _, id := range s.byTrade[q.TradeID] {
		existing := s.quotes[id]
		if existing.SupplierID == q.SupplierID && existing.Status != StatusWithdrawn {
			s.mu.Unlock()
			s.count("already_quoted")
			return nil, fmt.Errorf("%w: supplier %s on trade %s", ErrAlreadyQuoted, q.SupplierID, q.TradeID)
		}
	}

	cp := q.clone()
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Status = StatusSubmitted
	cp.SubmittedAt = time.Now().UTC()

	s.quotes[cp.ID] = cp
	s.byTrade[cp.TradeID] = append(s.byTrade[cp.TradeID], cp.ID)
	s.mu.Unlock()

	s.log.Append(event.Event{
		TradeID: cp.TradeID,
		Type:    event.TypeQuoteReceived,
		Metadata: map[string]string{
			"quote_id":    cp.ID.String(),
			"supplier_id": cp.SupplierID.String(),
			"total_price": fmt.Sprintf("%d", cp.TotalPrice),
			"currency":    cp.Currency,
			"notify":      t.BuyerID.String(),
		},
		TriggeredBy: cp.SupplierID.String(),
	})

	s.count("submitted")
	s.logger.Info().
		Str("trade_id", cp.TradeID.String()).
		Str("quote_id", cp.ID.String()).
		Str("supplier_id", cp.SupplierID.String()).
		Msg("quote submitted")

	return cp.clone(), nil
}

// Withdraw marks a submitted quote withdrawn, freeing the (trade, supplier)
// slot. Accepted quotes are immutable and cannot be withdrawn.
func (s *Service) Withdraw(quoteID, supplierID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[quoteID]
	if !ok {
		return ErrNotFound
	}
	if q.SupplierID != supplierID {
		return fmt.Errorf("quote %s does not belong to supplier %s", quoteID, supplierID)
	}
	if q.Status != StatusSubmitted {
		return fmt.Errorf("quote %s is %s, only submitted quotes can be withdrawn", quoteID, q.Status)
	}

	q.Status = StatusWithdrawn
	return nil
}

// Get returns a copy of a quote.
func (s *Service) Get(quoteID uuid.UUID) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[quoteID]
	if !ok {
		return nil, ErrNotFound
	}
	return q.clone(), nil
}

// ForTrade returns all quotes on a trade.
func (s *Service) ForTrade(tradeID uuid.UUID) []*Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Quote, 0, len(s.byTrade[tradeID]))
	for _, id := range s.byTrade[tradeID] {
		out = append(out, s.quotes[id].clone())
	}
	return out
}

// --- kernel.QuoteGate ---

// HasOpenQuote reports whether any non-withdrawn quote exists on the trade.
func (s *Service) HasOpenQuote(tradeID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byTrade[tradeID] {
		if s.quotes[id].Status == StatusSubmitted {
			return true
		}
	}
	return false
}

// CanAccept reports whether Accept would succeed for the quote right now.
// Evaluated by the kernel before it commits a CONTRACTED transition.
func (s *Service) CanAccept(tradeID, quoteID uuid.UUID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[quoteID]
	if !ok || q.TradeID != tradeID {
		return fmt.Errorf("%w: %s on trade %s", ErrNotFound, quoteID, tradeID)
	}
	if q.Status != StatusSubmitted && q.Status != StatusAccepted {
		return fmt.Errorf("quote %s is %s, cannot accept", quoteID, q.Status)
	}
	return nil
}

// Accept marks the given quote accepted and all other open quotes on the
// trade rejected. Called only by the kernel on the CONTRACTED transition.
// Re-accepting the already-accepted quote is a no-op: a transition that lost
// a sequence race retries with the same quote_id and must converge.
func (s *Service) Accept(tradeID, quoteID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[quoteID]
	if !ok || q.TradeID != tradeID {
		return fmt.Errorf("%w: %s on trade %s", ErrNotFound, quoteID, tradeID)
	}
	if q.Status == StatusAccepted {
		return nil
	}
	if q.Status != StatusSubmitted {
		return fmt.Errorf("quote %s is %s, cannot accept", quoteID, q.Status)
	}

	q.Status = StatusAccepted
	for _, id := range s.byTrade[tradeID] {
		other := s.quotes[id]
		if other.ID != quoteID && other.Status == StatusSubmitted {
			other.Status = StatusRejected
		}
	}
	return nil
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.QuotesSubmitted.WithLabelValues(outcome).Inc()
	}
}
