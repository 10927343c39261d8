package candles

// SecondsPerWindow is the number of per-second slots tracked for a window.
// Window widths are capped at one minute so every second maps to one slot.
const SecondsPerWindow = 60

// WindowKey identifies a candle period by its start time in Unix milliseconds.
type WindowKey int64

// BucketFor maps a trade timestamp to the window that owns it.
//
// Windows are closed-open intervals [start, start+width): a timestamp exactly
// on a boundary belongs to the window starting there. Negative timestamps are
// floored, not truncated toward zero.
func BucketFor(tsMs, widthMs int64) WindowKey {
	k := tsMs / widthMs
	if tsMs%widthMs != 0 && tsMs < 0 {
		k--
	}
	return WindowKey(k * widthMs)
}

// SecondIndex returns the second-within-window of a timestamp, in [0, 60).
//
// Callers pass the key BucketFor returned for the same timestamp, and widths
// are at most 60s, so the index is always in range. The clamp only guards
// the slot arrays against a mismatched key.
func SecondIndex(tsMs int64, key WindowKey) int {
	idx := (tsMs - int64(key)) / 1000
	switch {
	case idx < 0:
		return 0
	case idx >= SecondsPerWindow:
		return SecondsPerWindow - 1
	}
	return int(idx)
}
