package candles

import (
	"sync/atomic"
	"time"
)

// Stats counts pipeline outcomes for one pair. Counters are written by the
// pipeline goroutine and may be read concurrently.
type Stats struct {
	tradesApplied   atomic.Int64
	lateDiscarded   atomic.Int64
	duplicates      atomic.Int64
	rejected        atomic.Int64
	gaps            atomic.Int64
	gapFlushes      atomic.Int64
	staleFinalized  atomic.Int64
	candlesEmitted  atomic.Int64
	lastCandleStart atomic.Int64 // unix ms
	lastTradeAt     atomic.Int64 // unix ms
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Pair            string    `json:"pair"`
	TradesApplied   int64     `json:"trades_applied"`
	LateDiscarded   int64     `json:"late_discarded"`
	Duplicates      int64     `json:"duplicates"`
	Rejected        int64     `json:"rejected"`
	Gaps            int64     `json:"gaps"`
	GapFlushes      int64     `json:"gap_flushes"`
	StaleFinalized  int64     `json:"stale_finalized"`
	CandlesEmitted  int64     `json:"candles_emitted"`
	LastCandleStart time.Time `json:"last_candle_start,omitempty"`
	LastTradeAt     time.Time `json:"last_trade_at,omitempty"`
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot(pair string) StatsSnapshot {
	snap := StatsSnapshot{
		Pair:           pair,
		TradesApplied:  s.tradesApplied.Load(),
		LateDiscarded:  s.lateDiscarded.Load(),
		Duplicates:     s.duplicates.Load(),
		Rejected:       s.rejected.Load(),
		Gaps:           s.gaps.Load(),
		GapFlushes:     s.gapFlushes.Load(),
		StaleFinalized: s.staleFinalized.Load(),
		CandlesEmitted: s.candlesEmitted.Load(),
	}
	if ms := s.lastCandleStart.Load(); ms != 0 {
		snap.LastCandleStart = time.UnixMilli(ms).UTC()
	}
	if ms := s.lastTradeAt.Load(); ms != 0 {
		snap.LastTradeAt = time.UnixMilli(ms).UTC()
	}
	return snap
}
