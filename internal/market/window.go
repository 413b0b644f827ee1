package market

// Window is an inclusive open_ts range for one historical page request.
type Window struct {
	Start int64
	End   int64
}

func (w Window) Count(iv Interval) int { return iv.Count(w.Start, w.End) }

// ForwardWindow returns the page that follows the candle at cursor, holding at most
// minCount candles and never passing stop. ok is false once cursor has reached stop.
func ForwardWindow(iv Interval, cursor, stop int64, minCount int) (Window, bool) {
	start := iv.NextTime(cursor)
	if start > stop {
		return Window{}, false
	}
	end := iv.EndFromStart(start, minCount)
	if end > stop {
		end = stop
	}
	return Window{Start: start, End: end}, true
}

// BackwardWindow returns the page that ends just before the candle at cursor. floor
// bounds how far back to go; zero means no bound.
func BackwardWindow(iv Interval, cursor, floor int64, minCount int) (Window, bool) {
	end := iv.LastTime(cursor)
	if end < 0 || (floor > 0 && end < floor) {
		return Window{}, false
	}
	start := iv.StartFromEnd(end, minCount)
	if floor > 0 && start < floor {
		start = floor
	}
	if start < 0 {
		start = 0
	}
	return Window{Start: start, End: end}, true
}

// MissingOpenTimes lists every open_ts in [from, to] absent from present, which must be
// sorted ascending.
func MissingOpenTimes(iv Interval, from, to int64, present []int64) []int64 {
	if iv.Millis() <= 0 || to < from {
		return nil
	}
	var missing []int64
	idx := 0
	for ts := from; ts <= to; ts = iv.NextTime(ts) {
		for idx < len(present) && present[idx] < ts {
			idx++
		}
		if idx < len(present) && present[idx] == ts {
			continue
		}
		missing = append(missing, ts)
	}
	return missing
}

// GroupRuns folds sorted missing open times into contiguous windows of at most maxCount
// candles each.
func GroupRuns(iv Interval, missing []int64, maxCount int) []Window {
	if len(missing) == 0 {
		return nil
	}
	if maxCount < 1 {
		maxCount = 1
	}
	var out []Window
	cur := Window{Start: missing[0], End: missing[0]}
	n := 1
	for _, ts := range missing[1:] {
		if ts == iv.NextTime(cur.End) && n < maxCount {
			cur.End = ts
			n++
			continue
		}
		out = append(out, cur)
		cur = Window{Start: ts, End: ts}
		n = 1
	}
	return append(out, cur)
}
