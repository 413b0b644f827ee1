package market

import (
	"context"
	"time"
)

// Repository is the candle storage boundary. Writes are upserts on
// (symbol, interval, open_ts).
type Repository interface {
	// FindFirst returns nil, nil when nothing is stored for inst.
	FindFirst(ctx context.Context, inst Instrument) (*Candle, error)
	FindLast(ctx context.Context, inst Instrument) (*Candle, error)
	InsertMany(ctx context.Context, batch []Candle) ([]Candle, error)
}

// GapFinder is implemented by repositories that can report holes.
type GapFinder interface {
	MissingOpenTimes(ctx context.Context, inst Instrument, from, to int64) ([]int64, error)
}

// RangeReader is implemented by repositories that can list stored candles.
type RangeReader interface {
	Range(ctx context.Context, inst Instrument, from, to int64, limit int) ([]Candle, error)
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type RunKind string

const (
	RunFull    RunKind = "full"
	RunForward RunKind = "forward"
	RunGap     RunKind = "gap"
)

// BackfillRun is the journal entry for one worker run.
type BackfillRun struct {
	ID            string     `json:"id"`
	Instrument    Instrument `json:"instrument"`
	Kind          RunKind    `json:"kind"`
	Status        RunStatus  `json:"status"`
	StopTime      int64      `json:"stop_time"`
	ForwardPages  int        `json:"forward_pages"`
	BackwardPages int        `json:"backward_pages"`
	Candles       int        `json:"candles"`
	Low           int64      `json:"low"`
	High          int64      `json:"high"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at,omitempty"`
}

// IngestEvent is the journal entry for a supervisor-level event.
type IngestEvent struct {
	Kind       string         `json:"kind"`
	Instrument *Instrument    `json:"instrument,omitempty"`
	Message    string         `json:"message,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Journal records backfill runs and ingestion events.
type Journal interface {
	RunStarted(ctx context.Context, run BackfillRun) error
	RunFinished(ctx context.Context, run BackfillRun) error
	RecordEvent(ctx context.Context, ev IngestEvent) error
}
