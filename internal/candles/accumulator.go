package candles

import (
	"errors"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"
)

var (
	// ErrLateTrade is returned for a trade whose window has already been
	// superseded or finalized. The trade is discarded.
	ErrLateTrade = errors.New("late trade discarded")

	// ErrDuplicateTrade is returned for a trade whose exchange ID was already
	// applied to the open window, typically a replay after a reconnect. The
	// trade is discarded.
	ErrDuplicateTrade = errors.New("duplicate trade discarded")
)

type accumulatorState int

const (
	noWindow accumulatorState = iota
	accumulating
)

// AccumulatorConfig holds the window parameters of an Accumulator.
type AccumulatorConfig struct {
	Interval          time.Duration // Window width
	StaleTimeout      time.Duration // Idle time after which an open window is force-finalized
	GapFlushThreshold time.Duration // Minimum outage that flushes the open window
}

// Accumulator is the per-pair state machine that folds trades into windows.
//
// It holds at most one open WindowState. A window leaves the accumulator
// exactly once, through Apply (boundary crossing), Gap, Expire or Flush, and
// window keys handed out are strictly increasing. The accumulator never
// blocks and is not safe for concurrent use: a single goroutine owns it.
type Accumulator struct {
	cfg        AccumulatorConfig
	widthMs    int64
	state      accumulatorState
	current    *WindowState
	lastClosed WindowKey
	hasClosed  bool

	// exchange trade IDs applied to the open window
	applied map[int64]struct{}
}

// NewAccumulator creates an accumulator in the no-window state.
func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.GapFlushThreshold <= 0 {
		cfg.GapFlushThreshold = cfg.Interval
	}
	return &Accumulator{
		cfg:     cfg,
		widthMs: cfg.Interval.Milliseconds(),
	}
}

// Apply folds a trade into the current window.
//
// When the trade belongs to a later window, the current window is returned
// for finalization and a new one is seeded by the trade. Late and duplicate
// trades are rejected with ErrLateTrade or ErrDuplicateTrade and leave all
// state untouched.
func (a *Accumulator) Apply(trade model.TradeEvent, seenAt time.Time) (*WindowState, error) {
	key := BucketFor(trade.Timestamp.UnixMilli(), a.widthMs)

	switch a.state {
	case noWindow:
		if a.hasClosed && key <= a.lastClosed {
			return nil, ErrLateTrade
		}
		a.open(key, trade, seenAt)
		return nil, nil

	default:
		switch {
		case key == a.current.Key:
			if a.seen(trade) {
				return nil, ErrDuplicateTrade
			}
			a.current.add(trade, seenAt)
			a.markApplied(trade)
			return nil, nil
		case key < a.current.Key:
			return nil, ErrLateTrade
		default:
			closed := a.handOff(model.ClosureBoundary)
			a.open(key, trade, seenAt)
			return closed, nil
		}
	}
}

// Gap handles a resume signal from the transport. An outage of at least
// GapFlushThreshold finalizes the open window as a partial candle; shorter
// outages leave it open.
func (a *Accumulator) Gap(gap model.Gap) *WindowState {
	if a.state != accumulating || gap.Duration() < a.cfg.GapFlushThreshold {
		return nil
	}
	return a.handOff(model.ClosureGap)
}

// Expire force-finalizes the open window when no trade has arrived for
// StaleTimeout.
func (a *Accumulator) Expire(now time.Time) *WindowState {
	if a.state != accumulating || a.cfg.StaleTimeout <= 0 {
		return nil
	}
	if now.Sub(a.current.LastSeenAt) < a.cfg.StaleTimeout {
		return nil
	}
	return a.handOff(model.ClosureStale)
}

// Flush hands off the open window, if any.
func (a *Accumulator) Flush() *WindowState {
	if a.state != accumulating {
		return nil
	}
	return a.handOff(model.ClosureShutdown)
}

// Current returns the key of the open window.
func (a *Accumulator) Current() (WindowKey, bool) {
	if a.state != accumulating {
		return 0, false
	}
	return a.current.Key, true
}

func (a *Accumulator) open(key WindowKey, trade model.TradeEvent, seenAt time.Time) {
	a.current = newWindowState(key, a.cfg.Interval, trade, seenAt)
	a.state = accumulating
	a.applied = make(map[int64]struct{})
	a.markApplied(trade)
}

// seen reports whether the trade's ID was already applied to the open
// window. Trades without an ID are never duplicates.
func (a *Accumulator) seen(trade model.TradeEvent) bool {
	if trade.TradeID <= 0 {
		return false
	}
	_, ok := a.applied[trade.TradeID]
	return ok
}

func (a *Accumulator) markApplied(trade model.TradeEvent) {
	if trade.TradeID > 0 {
		a.applied[trade.TradeID] = struct{}{}
	}
}

func (a *Accumulator) handOff(closure model.Closure) *WindowState {
	closed := a.current
	closed.Closure = closure
	a.current = nil
	a.applied = nil
	a.state = noWindow
	a.lastClosed = closed.Key
	a.hasClosed = true
	return closed
}
