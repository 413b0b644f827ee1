package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"klinekeeper/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestParseInstruments(t *testing.T) {
	t.Run("normalizes and dedupes", func(t *testing.T) {
		insts, err := ParseInstruments([]byte(`
instruments:
  - {symbol: btc/usdt, interval: 1m}
  - {symbol: BTCUSDT, interval: 1m}
  - {symbol: ethusdt, interval: 1h}
`))
		require.NoError(t, err)
		assert.Equal(t, []market.Instrument{
			{Symbol: "BTCUSDT", Interval: "1m"},
			{Symbol: "ETHUSDT", Interval: "1h"},
		}, insts)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseInstruments([]byte("instruments:\n  - {symbl: BTCUSDT, interval: 1m}\n"))
		assert.Error(t, err)
	})

	t.Run("bad interval", func(t *testing.T) {
		_, err := ParseInstruments([]byte("instruments:\n  - {symbol: BTCUSDT, interval: 7m}\n"))
		assert.ErrorIs(t, err, market.ErrInvalidInterval)
	})

	t.Run("empty file", func(t *testing.T) {
		insts, err := ParseInstruments(nil)
		require.NoError(t, err)
		assert.Empty(t, insts)
	})
}

func TestInstrumentLoader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	writeFile(t, path, "instruments:\n  - {symbol: BTCUSDT, interval: 1m}\n")

	l, err := NewInstrumentLoader(path)
	require.NoError(t, err)
	defer l.Close()

	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Instruments, 1)

	got := make(chan InstrumentSnapshot, 8)
	l.Subscribe(func(s InstrumentSnapshot) { got <- s })
	select {
	case s := <-got:
		assert.Equal(t, int64(1), s.Version)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	writeFile(t, path, "instruments:\n  - {symbol: BTCUSDT, interval: 1m}\n  - {symbol: ETHUSDT, interval: 5m}\n")
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-got:
			if len(s.Instruments) == 2 {
				assert.Equal(t, market.Instrument{Symbol: "ETHUSDT", Interval: "5m"}, s.Instruments[1])
				assert.Equal(t, s, l.Snapshot())
				return
			}
		case <-deadline:
			t.Fatal("reload not observed")
		}
	}
}

func TestInstrumentLoader_BadReloadKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	writeFile(t, path, "instruments:\n  - {symbol: BTCUSDT, interval: 1m}\n")
	l, err := NewInstrumentLoader(path)
	require.NoError(t, err)
	defer l.Close()

	writeFile(t, path, "instruments: [oops")
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, l.Snapshot().Instruments, 1)
}

func TestNewInstrumentLoader_MissingFile(t *testing.T) {
	_, err := NewInstrumentLoader(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
