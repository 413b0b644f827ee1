package market

import "context"

// HistoricalFetcher returns the candles whose open_ts lies in [start, end], oldest
// first. No data is an empty slice, not an error.
type HistoricalFetcher interface {
	FetchHistorical(ctx context.Context, inst Instrument, start, end int64) ([]Candle, error)
}

// Connection is one live stream connection.
type Connection interface {
	Subscribe(ctx context.Context, inst Instrument) error
	// NextMessage blocks until a payload arrives, the connection fails or ctx ends.
	NextMessage(ctx context.Context) ([]byte, error)
	Close() error
}

type StreamDialer interface {
	ConnectStream(ctx context.Context) (Connection, error)
}

// MessageDecoder turns a raw stream payload into a candle update. ok is false for
// control frames that carry no candle.
type MessageDecoder interface {
	DecodeMessage(payload []byte) (ev CandleEvent, ok bool, err error)
}

// FeedClient 统一历史拉取与实时订阅。
type FeedClient interface {
	HistoricalFetcher
	StreamDialer
	MessageDecoder
}

// SourceStats 记录数据源运行期的一些指标。
type SourceStats struct {
	Reconnects      int    `json:"reconnects"`
	SubscribeErrors int    `json:"subscribe_errors"`
	ProtocolErrors  int    `json:"protocol_errors"`
	FetchErrors     int    `json:"fetch_errors"`
	LastError       string `json:"last_error,omitempty"`
}
