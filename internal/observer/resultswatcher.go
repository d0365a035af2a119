package observer

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/programdb"
)

// StoreUpdateCallback is called when a watched results location's program
// database changed. location is the directory passed to Add.
type StoreUpdateCallback func(location string)

// ResultsWatcher monitors results locations for writes to their program database
type ResultsWatcher struct {
	watcher  *fsnotify.Watcher
	callback StoreUpdateCallback
	debounce time.Duration
	logger   *zap.Logger

	// Watched locations
	locations map[string]struct{}

	// Debounce state
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResultsWatcher creates a new watcher for results locations
func NewResultsWatcher(callback StoreUpdateCallback, logger *zap.Logger) (*ResultsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ResultsWatcher{
		watcher:   watcher,
		callback:  callback,
		debounce:  250 * time.Millisecond, // a generation commit touches the db and its journal
		logger:    logger,
		locations: make(map[string]struct{}),
		pending:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Add starts watching a results location
func (rw *ResultsWatcher) Add(location string) error {
	location = filepath.Clean(location)

	rw.mu.Lock()
	defer rw.mu.Unlock()

	if _, exists := rw.locations[location]; exists {
		return nil // Already watching
	}
	if err := rw.watcher.Add(location); err != nil {
		return err
	}
	rw.locations[location] = struct{}{}
	return nil
}

// Remove stops watching a results location
func (rw *ResultsWatcher) Remove(location string) {
	location = filepath.Clean(location)

	rw.mu.Lock()
	defer rw.mu.Unlock()

	if _, exists := rw.locations[location]; !exists {
		return
	}
	_ = rw.watcher.Remove(location)
	delete(rw.locations, location)
	delete(rw.pending, location)
}

// Start begins watching for file changes
func (rw *ResultsWatcher) Start(ctx context.Context) {
	ctx, rw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(rw.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-rw.watcher.Events:
				if !ok {
					return
				}
				rw.handleEvent(event)
			case err, ok := <-rw.watcher.Errors:
				if !ok {
					return
				}
				rw.logger.Warn("results watcher error", zap.Error(err))
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (rw *ResultsWatcher) Stop() {
	if rw.cancel != nil {
		rw.cancel()
		<-rw.done
	}
	rw.mu.Lock()
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.mu.Unlock()
	rw.watcher.Close()
}

func (rw *ResultsWatcher) handleEvent(event fsnotify.Event) {
	// The database file and its rollback journal both count
	if !strings.HasPrefix(filepath.Base(event.Name), programdb.FileName) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()

	location := filepath.Dir(event.Name)
	if _, ok := rw.locations[location]; !ok {
		return
	}
	rw.pending[location] = struct{}{}

	// Reset or start debounce timer
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.debounce, rw.flush)
}

func (rw *ResultsWatcher) flush() {
	rw.mu.Lock()
	pending := rw.pending
	rw.pending = make(map[string]struct{})
	rw.mu.Unlock()

	if rw.callback == nil {
		return
	}
	for location := range pending {
		rw.callback(location)
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (rw *ResultsWatcher) SetDebounce(d time.Duration) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.debounce = d
}
