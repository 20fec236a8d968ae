// Package watcher reconciles the .torrent output directory with the
// orchestrator's in-memory dedupe cache: removing a persisted file makes
// the crawler willing to fetch that hash again. Adapted from the
// teacher's debounce-by-pending-map filesystem watcher.
package watcher

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Forgetter clears a harvested hash from the dedupe cache. Satisfied by
// *orchestrator.Orchestrator.
type Forgetter interface {
	Forget(infoHashHex string)
}

// Watcher monitors the output directory for removed .torrent files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	forgetter Forgetter

	debounce      time.Duration
	pendingEvents map[string]time.Time
	eventMutex    sync.Mutex
	stopChan      chan struct{}
}

// New creates a Watcher over dir, notifying forgetter of removals.
func New(dir string, forgetter Forgetter) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher:     fsWatcher,
		dir:           dir,
		forgetter:     forgetter,
		debounce:      10 * time.Second,
		pendingEvents: make(map[string]time.Time),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins watching dir. Non-blocking.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.dir, err)
	}
	log.Printf("watcher: watching output directory %s", w.dir)

	go w.processEvents()
	go w.processPendingEvents()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsWatcher.Close()
	log.Println("watcher: stopped")
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".torrent") {
		return
	}
	infoHashHex := strings.TrimSuffix(name, ".torrent")

	w.eventMutex.Lock()
	w.pendingEvents[infoHashHex] = time.Now()
	w.eventMutex.Unlock()
}

func (w *Watcher) processPendingEvents() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.checkPendingEvents()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) checkPendingEvents() {
	now := time.Now()
	w.eventMutex.Lock()
	defer w.eventMutex.Unlock()

	for infoHashHex, eventTime := range w.pendingEvents {
		if now.Sub(eventTime) >= w.debounce {
			delete(w.pendingEvents, infoHashHex)
			log.Printf("watcher: %s removed, clearing dedupe entry", infoHashHex)
			w.forgetter.Forget(infoHashHex)
		}
	}
}
