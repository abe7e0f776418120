package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/guardrail-sh/guardrail/pkg/guardrail"
	"github.com/guardrail-sh/guardrail/pkg/logging"
)

// ListProvider watches a YAML file holding a ListConfig document and
// republishes it after every successful change, so block and allow lists can
// be edited without a restart. A reload that fails to parse keeps the last
// good list and is logged.
type ListProvider struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	current     guardrail.ListConfig
	subscribers []chan guardrail.ListConfig

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewListProvider loads path and starts watching it for changes. The initial
// load must succeed; a list file that is configured but unreadable is a
// startup error, not a silently empty list.
func NewListProvider(path string, logger *slog.Logger) (*ListProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &ListProvider{
		path:    absPath,
		logger:  logging.Component(logger, "listprovider").With("path", absPath),
		watcher: watcher,
		cancel:  cancel,
	}

	if err := p.load(); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to load list file: %w", err)
	}

	// Watch the directory: editors and config tools replace files by
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the most recently loaded list.
func (p *ListProvider) Current() guardrail.ListConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives list updates. The current state
// is delivered immediately; a subscriber that falls behind misses
// intermediate updates but always receives the latest one eventually.
func (p *ListProvider) Subscribe() <-chan guardrail.ListConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan guardrail.ListConfig, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *ListProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *ListProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			// Only the watched file matters; fsnotify reports every
			// change in the directory.
			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := p.load(); err != nil {
						p.logger.Error("list reload failed, keeping previous list", "error", err)
					} else {
						p.logger.Info("list reloaded")
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watcher error", "error", err)
		}
	}
}

func (p *ListProvider) load() error {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}

	var list ListConfig
	if err := yaml.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse list file: %w", err)
	}
	built := list.Build()

	p.mu.Lock()
	p.current = built
	subscribers := make([]chan guardrail.ListConfig, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Replace a pending update instead of blocking on a slow
		// subscriber.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- built:
		default:
		}
	}

	return nil
}
