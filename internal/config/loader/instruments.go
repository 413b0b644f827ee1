package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"klinekeeper/internal/config"
	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// InstrumentsFile 是 instruments_file 的文件结构。
type InstrumentsFile struct {
	Instruments []config.InstrumentConfig `yaml:"instruments"`
}

// InstrumentSnapshot 对外暴露的只读快照。
type InstrumentSnapshot struct {
	Version     int64
	LoadedAt    time.Time
	Instruments []market.Instrument
}

// ChangeListener 在品种列表变化时被调用。
type ChangeListener func(InstrumentSnapshot)

// InstrumentLoader 读取 instruments_file 并监听热更新。
type InstrumentLoader struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	closeMu sync.Once

	mu        sync.RWMutex
	snapshot  InstrumentSnapshot
	listeners []ChangeListener
}

// ReadInstrumentsFile 解析 yaml，未知字段直接报错。
func ReadInstrumentsFile(path string) ([]market.Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseInstruments(raw)
}

func ParseInstruments(raw []byte) ([]market.Instrument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var file InstrumentsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode instruments file: %w", err)
	}
	return config.ResolveInstruments(file.Instruments)
}

// NewInstrumentLoader 读取文件并开始监听所在目录的 FS 事件。
func NewInstrumentLoader(path string) (*InstrumentLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("instrument loader requires path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l := &InstrumentLoader{path: abs, done: make(chan struct{})}
	if _, err := l.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// 监听目录而不是文件，编辑器保存时常常是 rename 替换
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	l.watcher = w
	go l.watch()
	return l, nil
}

func (l *InstrumentLoader) watch() {
	for {
		select {
		case <-l.done:
			return
		case evt, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != l.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			changed, err := l.reload()
			if err != nil {
				logger.Errorf("instruments reload failed (%s): %v", evt.Name, err)
				continue
			}
			if changed {
				l.notify()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("instruments watcher: %v", err)
		}
	}
}

func (l *InstrumentLoader) reload() (bool, error) {
	insts, err := ReadInstrumentsFile(l.path)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snapshot.Version > 0 && slices.Equal(l.snapshot.Instruments, insts) {
		return false, nil
	}
	l.snapshot = InstrumentSnapshot{
		Version:     l.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Instruments: insts,
	}
	logger.Infof("instruments loaded (v%d): %d instrument(s) from %s", l.snapshot.Version, len(insts), l.path)
	return true, nil
}

// Snapshot 返回当前快照（拷贝）。
func (l *InstrumentLoader) Snapshot() InstrumentSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *InstrumentLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go safeCall(fn, snap)
}

func (l *InstrumentLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		go safeCall(fn, snap)
	}
}

func (l *InstrumentLoader) Close() error {
	var err error
	l.closeMu.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

func safeCall(fn ChangeListener, snap InstrumentSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("instrument listener panic: %v", r)
		}
	}()
	fn(snap)
}

func cloneSnapshot(s InstrumentSnapshot) InstrumentSnapshot {
	s.Instruments = slices.Clone(s.Instruments)
	return s
}
