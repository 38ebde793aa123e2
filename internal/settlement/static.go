package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TradeKernel/internal/money"
	"TradeKernel/internal/observability"

	"github.com/google/uuid"
)

// StaticClearer is an in-process clearer backed by a fixed rate table.
// Used for development and tests; production wires the real clearing
// integration behind the same interface.
type StaticClearer struct {
	mu      sync.RWMutex
	rates   map[string]int64 // "FROM/TO" -> fixed-point rate
	latency time.Duration
	metrics *observability.Metrics
}

func NewStaticClearer(metrics *observability.Metrics) *StaticClearer {
	return &StaticClearer{
		rates: map[string]int64{
			"USD/USD": money.RateScale,
			"USD/EUR": 92_000_000,
			"EUR/USD": 108_700_000,
			"USD/CNY": 718_000_000,
			"CNY/USD": 13_900_000,
		},
		metrics: metrics,
	}
}

// SetRate installs or overrides a corridor rate.
func (c *StaticClearer) SetRate(from, to string, rate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[from+"/"+to] = rate
}

// SetLatency injects artificial latency, for timeout tests.
func (c *StaticClearer) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

func (c *StaticClearer) Clear(ctx context.Context, amount int64, fromCurrency, toCurrency string) (Clearing, error) {
	start := time.Now()

	c.mu.RLock()
	rate, ok := c.rates[fromCurrency+"/"+toCurrency]
	latency := c.latency
	c.mu.RUnlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			c.observe("clear", "timeout", start)
			return Clearing{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}

	if !ok {
		c.observe("clear", "no_corridor", start)
		return Clearing{}, fmt.Errorf("%w: no corridor %s/%s", ErrUnavailable, fromCurrency, toCurrency)
	}

	c.observe("clear", "ok", start)
	return Clearing{
		SettlementID: uuid.NewString(),
		Rate:         rate,
		NetAmount:    money.ApplyRate(amount, rate),
		Currency:     toCurrency,
	}, nil
}

func (c *StaticClearer) observe(op, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.AdapterCalls.WithLabelValues("clearer", op, outcome).Inc()
	c.metrics.AdapterDuration.WithLabelValues("clearer", op).Observe(time.Since(start).Seconds())
}

// InMemoryPaymentProvider records intents, confirmations, and refunds in
// memory behind the PaymentProvider contract.
type InMemoryPaymentProvider struct {
	mu        sync.Mutex
	intents   map[string]int64  // intent id -> amount
	confirmed map[string]bool   // intent id -> confirmed
	refunds   map[string]string // refund id -> payment ref
	metrics   *observability.Metrics
}

func NewInMemoryPaymentProvider(metrics *observability.Metrics) *InMemoryPaymentProvider {
	return &InMemoryPaymentProvider{
		intents:   make(map[string]int64),
		confirmed: make(map[string]bool),
		refunds:   make(map[string]string),
		metrics:   metrics,
	}
}

func (p *InMemoryPaymentProvider) CreateIntent(ctx context.Context, amount int64, currency string) (PaymentIntent, error) {
	start := time.Now()
	if amount <= 0 {
		p.observe("create_intent", "invalid", start)
		return PaymentIntent{}, fmt.Errorf("intent amount must be positive, got %d", amount)
	}

	id := "pi_" + uuid.NewString()
	p.mu.Lock()
	p.intents[id] = amount
	p.mu.Unlock()

	p.observe("create_intent", "ok", start)
	return PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
	}, nil
}

func (p *InMemoryPaymentProvider) Confirm(ctx context.Context, intentID string) error {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.intents[intentID]; !ok {
		p.observe("confirm", "unknown_intent", start)
		return fmt.Errorf("%w: unknown intent %s", ErrUnavailable, intentID)
	}
	p.confirmed[intentID] = true
	p.observe("confirm", "ok", start)
	return nil
}

func (p *InMemoryPaymentProvider) Refund(ctx context.Context, paymentRef string, amount int64) (string, error) {
	start := time.Now()
	refundID := "re_" + uuid.NewString()

	p.mu.Lock()
	p.refunds[refundID] = paymentRef
	p.mu.Unlock()

	p.observe("refund", "ok", start)
	return refundID, nil
}

func (p *InMemoryPaymentProvider) observe(op, outcome string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.AdapterCalls.WithLabelValues("payment", op, outcome).Inc()
	p.metrics.AdapterDuration.WithLabelValues("payment", op).Observe(time.Since(start).Seconds())
}
