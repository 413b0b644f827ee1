package market

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrQueueClosed     = errors.New("persistence queue closed")
	ErrNotConnected    = errors.New("stream not connected")
	ErrCircuitOpen     = errors.New("circuit breaker open")
)

// TransportError is a failed stream dial, read or write. The stream manager retries it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FetchError is a failed historical page request. It ends the owning backfill run.
type FetchError struct {
	Instrument Instrument
	Window     Window
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s [%d,%d]: %v", e.Instrument, e.Window.Start, e.Window.End, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError is a failed repository write. The batch is dropped.
type StorageError struct {
	Op    string
	Count int
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s (%d candles): %v", e.Op, e.Count, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ProtocolError is a malformed inbound stream message. It is logged and skipped.
type ProtocolError struct {
	Payload string
	Err     error
}

const maxPayloadEcho = 256

func NewProtocolError(payload []byte, err error) *ProtocolError {
	p := string(payload)
	if len(p) > maxPayloadEcho {
		p = p[:maxPayloadEcho] + "..."
	}
	return &ProtocolError{Payload: p, Err: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v (payload=%s)", e.Err, e.Payload)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
