package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"klinekeeper/internal/market"
)

// MemoryRepository 是分片的内存 K 线仓库，按 open_ts 有序并在同一 open_ts 上覆盖写入。
type MemoryRepository struct {
	shards []klineShard
}

type klineShard struct {
	mu   sync.RWMutex
	data map[string][]market.Candle
}

const defaultShardCount = 32

func NewMemoryRepository() *MemoryRepository {
	return newMemoryRepository(defaultShardCount)
}

func newMemoryRepository(shards int) *MemoryRepository {
	if shards <= 0 {
		shards = 1
	}
	out := &MemoryRepository{
		shards: make([]klineShard, shards),
	}
	for i := range out.shards {
		out.shards[i] = klineShard{data: make(map[string][]market.Candle)}
	}
	return out
}

func (s *MemoryRepository) shardFor(key string) *klineShard {
	idx := hashKey(key) % uint32(len(s.shards))
	return &s.shards[idx]
}

func key(inst market.Instrument) string { return inst.String() }

func (s *MemoryRepository) FindFirst(ctx context.Context, inst market.Instrument) (*market.Candle, error) {
	k := key(inst)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[k]
	if len(cur) == 0 {
		return nil, nil
	}
	c := cur[0]
	return &c, nil
}

func (s *MemoryRepository) FindLast(ctx context.Context, inst market.Instrument) (*market.Candle, error) {
	k := key(inst)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[k]
	if len(cur) == 0 {
		return nil, nil
	}
	c := cur[len(cur)-1]
	return &c, nil
}

func (s *MemoryRepository) InsertMany(ctx context.Context, batch []market.Candle) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch = market.DedupeCandles(batch)
	for _, c := range batch {
		if c.Symbol == "" || !c.Interval.Valid() {
			return nil, errors.New("candle symbol/interval 不能为空")
		}
	}
	for _, c := range batch {
		s.upsert(c)
	}
	return batch, nil
}

func (s *MemoryRepository) upsert(c market.Candle) {
	k := key(c.Instrument())
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.data[k]
	n := len(cur)
	// 实时流基本总是追加在末尾
	if n == 0 || cur[n-1].OpenTime < c.OpenTime {
		sh.data[k] = append(cur, c)
		return
	}
	idx := sort.Search(n, func(i int) bool { return cur[i].OpenTime >= c.OpenTime })
	if idx < n && cur[idx].OpenTime == c.OpenTime {
		cur[idx] = c
		return
	}
	cur = append(cur, market.Candle{})
	copy(cur[idx+1:], cur[idx:])
	cur[idx] = c
	sh.data[k] = cur
}

func (s *MemoryRepository) Range(ctx context.Context, inst market.Instrument, from, to int64, limit int) ([]market.Candle, error) {
	k := key(inst)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[k]
	lo := sort.Search(len(cur), func(i int) bool { return cur[i].OpenTime >= from })
	var out []market.Candle
	for i := lo; i < len(cur) && cur[i].OpenTime <= to; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cur[i])
	}
	return out, nil
}

func (s *MemoryRepository) MissingOpenTimes(ctx context.Context, inst market.Instrument, from, to int64) ([]int64, error) {
	stored, err := s.Range(ctx, inst, from, to, 0)
	if err != nil {
		return nil, err
	}
	present := make([]int64, len(stored))
	for i, c := range stored {
		present[i] = c.OpenTime
	}
	return market.MissingOpenTimes(inst.Interval, from, to, present), nil
}

// Len reports how many candles are stored for inst.
func (s *MemoryRepository) Len(inst market.Instrument) int {
	k := key(inst)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.data[k])
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
