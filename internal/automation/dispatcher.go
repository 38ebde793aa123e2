package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/observability"

	"github.com/rs/zerolog"
)

// Rule binds an action to an event type. Handlers must be idempotent: the
// dispatcher is at-least-once and retries on failure.
type Rule struct {
	Name    string
	Handler func(ctx context.Context, env event.Envelope) error
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	Envelope  event.Envelope
	RuleName  string
	LastError string
	FailedAt  time.Time
}

type job struct {
	envelope event.Envelope
}

// Dispatcher consumes committed envelopes off a bounded queue and executes
// matching rules. Enqueue never blocks the ledger; an overflowed envelope is
// dead-lettered so the drop stays visible to operators, and the committed
// event itself remains replayable from the persisted log.
type Dispatcher struct {
	mu    sync.Mutex
	rules map[event.Type][]Rule

	queue       chan job
	stopChan    chan struct{}
	stopOnce    sync.Once
	deadLetters []DeadLetter

	maxAttempts int
	baseBackoff time.Duration

	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ ledger.Sink = (*Dispatcher)(nil)

func NewDispatcher(queueSize, maxAttempts int, baseBackoff time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseBackoff <= 0 {
		baseBackoff = 50 * time.Millisecond
	}
	return &Dispatcher{
		rules:       make(map[event.Type][]Rule),
		queue:       make(chan job, queueSize),
		stopChan:    make(chan struct{}),
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		metrics:     metrics,
		logger:      logger,
	}
}

// On registers a rule for an event type. Call before Run.
func (d *Dispatcher) On(t event.Type, r Rule) {
	d.mu.Lock()
	d.rules[t] = append(d.rules[t], r)
	d.mu.Unlock()
}

// Enqueue accepts a committed envelope. Non-blocking: when the queue is
// full the envelope goes straight to the dead-letter list instead of
// vanishing behind a log line.
func (d *Dispatcher) Enqueue(out ledger.Output) {
	select {
	case d.queue <- job{envelope: out.Envelope}:
		if d.metrics != nil {
			d.metrics.AutomationQueueDepth.Set(float64(len(d.queue)))
		}
	default:
		d.deadLetter(out.Envelope, "enqueue", errQueueFull)
	}
}

// Stop tells Run to finish the jobs already queued and return. Rule handlers
// may still Enqueue during the drain; those jobs are drained too.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
}

// Run drains the queue until Stop or ctx cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.stopChan:
			for {
				select {
				case j := <-d.queue:
					d.process(ctx, j)
				default:
					return nil
				}
			}

		case j := <-d.queue:
			if d.metrics != nil {
				d.metrics.AutomationQueueDepth.Set(float64(len(d.queue)))
			}
			d.process(ctx, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	d.mu.Lock()
	rules := append([]Rule(nil), d.rules[j.envelope.Event.Type]...)
	d.mu.Unlock()

	for _, r := range rules {
		d.execute(ctx, j.envelope, r)
	}
}

// execute runs one rule with exponential backoff. Unlike persistence, the
// retry budget is bounded: a poisoned handler must not wedge the worker, so
// after maxAttempts the job is dead-lettered for operator replay.
func (d *Dispatcher) execute(ctx context.Context, env event.Envelope, r Rule) {
	backoff := d.baseBackoff

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				d.deadLetter(env, r.Name, ctx.Err())
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = r.Handler(ctx, env)
		if lastErr == nil {
			if d.metrics != nil {
				d.metrics.AutomationDispatched.WithLabelValues(r.Name).Inc()
			}
			return
		}

		if d.metrics != nil {
			d.metrics.AutomationFailures.WithLabelValues(r.Name).Inc()
		}
		d.logger.Warn().
			Err(lastErr).
			Str("rule", r.Name).
			Int64("sequence", env.Sequence).
			Int("attempt", attempt).
			Msg("automation action failed")
	}

	d.deadLetter(env, r.Name, lastErr)
}

var errQueueFull = errors.New("automation queue full")

func (d *Dispatcher) deadLetter(env event.Envelope, ruleName string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	d.mu.Lock()
	d.deadLetters = append(d.deadLetters, DeadLetter{
		Envelope:  env,
		RuleName:  ruleName,
		LastError: msg,
		FailedAt:  time.Now().UTC(),
	})
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.AutomationDeadLetters.Inc()
	}
	d.logger.Error().
		Str("rule", ruleName).
		Int64("sequence", env.Sequence).
		Str("last_error", msg).
		Msg("automation job dead-lettered")
}

// DeadLetters returns the jobs that exhausted their retries.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}
