package ingest

import (
	"time"

	"klinekeeper/internal/market"
)

type EventKind string

const (
	// EventReconnected follows a successful reconnect and resubscribe.
	EventReconnected EventKind = "reconnected"
	// EventIngestionLost means every reconnect attempt failed; live data has stopped.
	EventIngestionLost  EventKind = "ingestion_lost"
	EventBackfillFailed EventKind = "backfill_failed"
	EventBackfillDone   EventKind = "backfill_done"
)

// Event is what the stream manager and the backfill runs report to the supervisor.
type Event struct {
	Kind       EventKind
	Instrument market.Instrument
	RunID      string
	Err        error
	Attempts   int
	At         time.Time
}

func (e Event) journalEntry() market.IngestEvent {
	out := market.IngestEvent{Kind: string(e.Kind), At: e.At, Detail: map[string]any{}}
	if e.Instrument.Symbol != "" {
		inst := e.Instrument
		out.Instrument = &inst
	}
	if e.Err != nil {
		out.Message = e.Err.Error()
	}
	if e.Attempts > 0 {
		out.Detail["attempts"] = e.Attempts
	}
	if e.RunID != "" {
		out.Detail["run_id"] = e.RunID
	}
	if len(out.Detail) == 0 {
		out.Detail = nil
	}
	return out
}
