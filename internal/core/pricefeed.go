package core

import (
	"BasisVault/internal/observability"
)

// PriceSequenceTracker validates per-token price feed sequences. Price
// feeds are lossy by contract: gaps are tolerated (only the latest tick
// matters), stale or replayed ticks are dropped. Not thread-safe; the
// engine serializes access.
type PriceSequenceTracker struct {
	lastSeq map[string]int64
	metrics *observability.Metrics
}

func NewPriceSequenceTracker(metrics *observability.Metrics) *PriceSequenceTracker {
	return &PriceSequenceTracker{
		lastSeq: make(map[string]int64),
		metrics: metrics,
	}
}

// Observe records a tick's sequence. Returns false for stale ticks,
// which the caller must drop without error.
func (t *PriceSequenceTracker) Observe(token string, sequence int64) bool {
	last, seen := t.lastSeq[token]
	if seen && sequence <= last {
		return false
	}
	if seen && sequence > last+1 && t.metrics != nil {
		t.metrics.PriceSequenceGaps.WithLabelValues(token).Inc()
	}
	t.lastSeq[token] = sequence
	return true
}

// LastSequence returns the newest accepted sequence for a token.
func (t *PriceSequenceTracker) LastSequence(token string) int64 {
	return t.lastSeq[token]
}

// Partitions returns the tracked (token, sequence) pairs for snapshots.
func (t *PriceSequenceTracker) Partitions() map[string]int64 {
	out := make(map[string]int64, len(t.lastSeq))
	for token, seq := range t.lastSeq {
		out[token] = seq
	}
	return out
}

// Restore reinstates a token's last accepted sequence after a restart.
func (t *PriceSequenceTracker) Restore(token string, sequence int64) {
	t.lastSeq[token] = sequence
}
