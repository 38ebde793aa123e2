package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeKernel/internal/event"

	"github.com/google/uuid"
)

// Output is a committed envelope handed to downstream workers.
type Output struct {
	Envelope event.Envelope
}

// Sink receives committed envelopes for best-effort side effects
// (automation dispatch, outbound publish). Implementations must not block.
type Sink interface {
	Enqueue(Output)
}

// Log is the append-only event ledger: the source of truth for history and
// audit. Envelopes are sequenced globally, hash-chained, and fanned out to
// the persistence channel (blocking — no event is lost) and to best-effort
// sinks (non-blocking).
type Log struct {
	mu       sync.Mutex
	sequence int64
	hasher   *ChainHasher

	all     []event.Envelope
	byTrade map[uuid.UUID][]int // trade -> indexes into all

	persistChan chan<- Output
	sinks       []Sink
}

func NewLog(persistChan chan<- Output) *Log {
	return &Log{
		hasher:      NewChainHasher(),
		byTrade:     make(map[uuid.UUID][]int),
		persistChan: persistChan,
	}
}

// AddSink registers a best-effort consumer of committed envelopes.
// Must be called before the first Append.
func (l *Log) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Restore positions the log after the last persisted envelope so the chain
// continues across restarts. Must be called before the first Append.
func (l *Log) Restore(nextSequence int64, prevHash [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence = nextSequence
	l.hasher.SetPrevHash(prevHash)
}

// Append commits an event: assigns the next global sequence, chains the
// integrity hash, stores the envelope, and fans it out. Events are never
// updated or deleted.
func (l *Log) Append(evt event.Event) event.Envelope {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()

	seq := l.sequence
	l.sequence++

	env := event.Envelope{
		Sequence:       seq,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", evt.Type, evt.TradeID, seq),
		Event:          evt,
		PrevHash:       l.hasher.GetPrevHash(),
	}
	env.IntegrityHash = l.hasher.ComputeHash(seq, eventDigest(evt))

	l.all = append(l.all, env)
	l.byTrade[evt.TradeID] = append(l.byTrade[evt.TradeID], len(l.all)-1)

	l.mu.Unlock()

	out := Output{Envelope: env}

	// Persistence: blocking send — the ledger stalls until the persistence
	// worker drains, guaranteeing no committed event is dropped.
	if l.persistChan != nil {
		l.persistChan <- out
	}

	// Best-effort sinks own their queues and overflow handling.
	for _, s := range l.sinks {
		s.Enqueue(out)
	}

	return env
}

// EventsForTrade returns the trade's envelopes in ascending order — the
// basis for any timeline or audit view.
func (l *Log) EventsForTrade(tradeID uuid.UUID) []event.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	idxs := l.byTrade[tradeID]
	out := make([]event.Envelope, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.all[i])
	}
	return out
}

// Sequence returns the next sequence to be assigned.
func (l *Log) Sequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Len returns the total number of committed envelopes.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all)
}

// eventDigest builds canonical bytes for the hash chain: trade id, event
// type, and metadata entries in sorted key order, each length-prefixed.
func eventDigest(evt event.Event) []byte {
	digest := make([]byte, 0, 64+len(evt.Metadata)*32)

	digest = append(digest, evt.TradeID[:]...)
	digest = appendLenPrefixed(digest, evt.Type.String())
	digest = appendLenPrefixed(digest, evt.TriggeredBy)

	keys := make([]string, 0, len(evt.Metadata))
	for k := range evt.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		digest = appendLenPrefixed(digest, k)
		digest = appendLenPrefixed(digest, evt.Metadata[k])
	}

	return digest
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)), byte(len(s)>>8))
	return append(buf, []byte(s)...)
}
