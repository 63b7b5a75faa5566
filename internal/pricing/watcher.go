package pricing

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"

	"github.com/llmgate/llmgate/internal/metrics"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher serves a pricing table loaded from a file and reloads it when the
// file changes. A file that fails to parse leaves the previous table in place.
type Watcher struct {
	path           string
	fallbackMargin decimal.Decimal
	current        atomic.Pointer[Table]

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	debounce *time.Timer
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher loads path and starts watching its directory. The initial load
// must succeed.
func NewWatcher(path string, fallbackMargin decimal.Decimal) (*Watcher, error) {
	table, err := LoadFile(path, fallbackMargin)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pricing: start watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		if closeErr := fw.Close(); closeErr != nil {
			slog.Error("pricing: failed to close watcher", "error", closeErr)
		}
		return nil, fmt.Errorf("pricing: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:           path,
		fallbackMargin: fallbackMargin,
		watcher:        fw,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	w.current.Store(table)

	go w.loop()

	slog.Info("pricing table loaded", "file", path, "models", table.Models(), "margin", table.Margin().String())
	return w, nil
}

func (w *Watcher) Current() *Table {
	return w.current.Load()
}

func (w *Watcher) loop() {
	defer close(w.done)
	name := filepath.Base(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(reloadDebounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("pricing: watcher error", "error", err)

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	table, err := LoadFile(w.path, w.fallbackMargin)
	if err != nil {
		metrics.PricingReloadsTotal.WithLabelValues("error").Inc()
		slog.Warn("pricing: reload failed, keeping previous table", "file", w.path, "error", err)
		return
	}
	w.current.Store(table)
	metrics.PricingReloadsTotal.WithLabelValues("ok").Inc()
	slog.Info("pricing table reloaded", "file", w.path, "models", table.Models(), "margin", table.Margin().String())
}

// Close stops watching. The last loaded table stays available.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done

	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
