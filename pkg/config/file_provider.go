package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// FileProvider keeps the configuration loaded from a file current and
// publishes every successful reload to its subscribers.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
	onError     func(error)
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileProvider loads path and starts watching it. The initial load must
// succeed; later reload failures are logged and the previous config is kept.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files rather than write them in place, so the
	// directory is watched instead of the file.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:    absPath,
		logger:  logger,
		current: cfg,
		watcher: watcher,
		cancel:  cancel,
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the most recently loaded configuration.
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving each reloaded configuration.
// A slow subscriber misses intermediate updates.
func (p *FileProvider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// OnReloadError registers fn to be called with every failed reload.
func (p *FileProvider) OnReloadError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// Close stops the watcher and cleans up resources.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, p.reload)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileProvider) reload() {
	cfg, err := Load(p.path)
	if err != nil {
		p.logger.Error("config reload failed, keeping previous configuration", "path", p.path, "error", err)
		p.mu.RLock()
		onError := p.onError
		p.mu.RUnlock()
		if onError != nil {
			onError(err)
		}
		return
	}

	p.mu.Lock()
	previous := p.current
	p.current = cfg
	subscribers := make([]chan *Config, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	if sections := RestartRequired(previous, cfg); len(sections) > 0 {
		p.logger.Warn("config sections changed that require a restart", "sections", sections)
	}
	p.logger.Info("configuration reloaded", "path", p.path)

	for _, ch := range subscribers {
		select {
		case ch <- cfg:
		default:
			// Drop the stale pending update in favour of this one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
