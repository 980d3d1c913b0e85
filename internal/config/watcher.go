package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeFunc is invoked after a new configuration has been validated and swapped in
type ChangeFunc func(old, updated *Config)

// Watcher holds the active configuration and swaps it when the file changes.
// A new configuration is only visible after it validated in full.
type Watcher struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []ChangeFunc
	onReject    []func(error)
	reloads     uint64
	rejected    uint64
}

// NewWatcher creates a watcher seeded with the initial configuration
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	w := &Watcher{path: path, logger: logger}
	w.current.Store(initial)
	return w
}

// Current returns the active configuration; callers must treat it as read-only
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers a subscriber
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// OnReject registers fn to run when a reload is refused
func (w *Watcher) OnReject(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReject = append(w.onReject, fn)
}

// Start begins watching the config file for writes
func (w *Watcher) Start() error {
	v := newViper(w.path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		w.logger.Info("Configuration file changed",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()))
		_ = w.Reload()
	})
	v.WatchConfig()

	w.logger.Info("Watching configuration file", zap.String("path", w.path))
	return nil
}

// Reload re-reads and validates the file, then swaps it in.
// On any error the previous configuration stays active.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	updated, err := LoadStrict(w.path)
	if err != nil {
		w.rejected++
		w.logger.Error("Rejected configuration reload, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		for _, fn := range w.onReject {
			fn(err)
		}
		return err
	}

	old := w.current.Load()
	for _, field := range restartRequired(old, updated) {
		w.logger.Warn("Configuration change requires restart to take effect",
			zap.String("field", field))
	}

	w.current.Store(updated)
	w.reloads++

	w.logger.Info("Configuration reloaded", zap.String("path", w.path))

	for _, fn := range w.subscribers {
		fn(old, updated)
	}
	return nil
}

// Counts returns the number of accepted and rejected reloads
func (w *Watcher) Counts() (accepted, rejected uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.rejected
}

// restartRequired lists settings bound at startup
func restartRequired(old, updated *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if old.Node.NodeID != updated.Node.NodeID {
		fields = append(fields, "node.node_id")
	}
	if old.Redis.Addr() != updated.Redis.Addr() || old.Redis.PoolSize != updated.Redis.PoolSize {
		fields = append(fields, "redis")
	}
	if old.State.CheckpointDir != updated.State.CheckpointDir {
		fields = append(fields, "state.checkpoint_dir")
	}
	if old.State.SpilloverDir != updated.State.SpilloverDir {
		fields = append(fields, "state.spillover_dir")
	}
	if old.Coordination.ChannelPrefix != updated.Coordination.ChannelPrefix {
		fields = append(fields, "coordination.channel_prefix")
	}
	return fields
}
