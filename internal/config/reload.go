package config

import (
	"fmt"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ReloadableConfig watches the config file and atomically swaps in new
// configurations without dropping established connections.
type ReloadableConfig struct {
	path      string
	current   atomic.Value // *Config
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	reloading int32
}

// NewReloadable loads path and starts watching it for changes.
func NewReloadable(path string) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &ReloadableConfig{
		path:   path,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	return r.current.Load().(*Config)
}

// Watch registers a callback invoked after every successful reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload forces a config reload from disk.
func (r *ReloadableConfig) Reload() error {
	if !atomic.CompareAndSwapInt32(&r.reloading, 0, 1) {
		return fmt.Errorf("reload already in progress")
	}
	defer atomic.StoreInt32(&r.reloading, 0)

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()

	for _, fn := range watchers {
		go fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition rejects changes that require a restart.
func validateTransition(old, new *Config) error {
	if old.Listen != new.Listen {
		return fmt.Errorf("listen address change requires restart")
	}
	if old.Metrics.Listen != new.Metrics.Listen {
		return fmt.Errorf("metrics listen address change requires restart")
	}
	return nil
}

// RestartOnly names the config sections that changed between old and new but
// only take effect on restart: the server wires transport and outbound
// settings once at startup, so a reload cannot apply them. Callers log the
// result so operators are not misled by a successful identity swap.
func RestartOnly(old, new *Config) []string {
	var changed []string
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		changed = append(changed, "transport")
	}
	if !reflect.DeepEqual(old.Outbound, new.Outbound) {
		changed = append(changed, "outbound")
	}
	if old.Metrics.Pprof != new.Metrics.Pprof {
		changed = append(changed, "metrics.pprof")
	}
	return changed
}

func (r *ReloadableConfig) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if err := r.Reload(); err != nil {
					log.Printf("[config] reload failed: %v", err)
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	close(r.stopCh)
	return r.watcher.Close()
}
