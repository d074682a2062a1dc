package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Snapshot is one immutable, versioned view of the configuration. A query
// reads a snapshot once and uses it for its whole lifetime.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Source   string
	Config   Config
}

// Store owns the current snapshot. Reloads build a new snapshot and swap the
// pointer; readers never observe a partially applied change.
type Store struct {
	v       *viper.Viper
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu       sync.Mutex
	watchers []func(*Snapshot)
	watching bool
}

// NewStore loads the initial snapshot. An empty configFile searches the
// default locations.
func NewStore(configFile string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		v:      newViper(configFile),
		logger: logger,
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already built configuration, mainly for tests and
// one-shot tools.
func NewStaticStore(cfg Config) *Store {
	s := &Store{logger: zap.NewNop()}
	s.swap(cfg, "static")
	return s
}

func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload re-reads the source and swaps in a new snapshot. On any error the
// previous snapshot stays current.
func (s *Store) Reload() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v == nil {
		return s.Current(), nil
	}

	cfg, err := read(s.v)
	if err != nil {
		if prev := s.Current(); prev != nil {
			s.logger.Warn("Config reload rejected, keeping previous snapshot",
				zap.Uint64("version", prev.Version),
				zap.Error(err),
			)
		}
		return nil, err
	}

	snap := s.swap(*cfg, s.v.ConfigFileUsed())
	for _, fn := range s.watchers {
		fn(snap)
	}
	return snap, nil
}

func (s *Store) swap(cfg Config, source string) *Snapshot {
	snap := &Snapshot{
		Version:  s.version.Add(1),
		LoadedAt: time.Now(),
		Source:   source,
		Config:   cfg,
	}
	s.current.Store(snap)
	s.logger.Info("Config snapshot activated",
		zap.Uint64("version", snap.Version),
		zap.String("source", source),
	)
	return snap
}

// OnSwap registers fn to run after every successful reload.
func (s *Store) OnSwap(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Watch reloads whenever the backing file changes.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v == nil {
		return fmt.Errorf("static config store cannot be watched")
	}
	if s.v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file in use")
	}
	if s.watching {
		return nil
	}

	s.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		s.logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		_, _ = s.Reload()
	})
	s.v.WatchConfig()
	s.watching = true
	return nil
}
