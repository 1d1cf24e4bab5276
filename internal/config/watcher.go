package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

// OnChange receives the new, already-validated definition set whenever the
// watched source changes, unless the reload yields zero valid definitions
// while the current set is nonempty. When the current set is already empty,
// an empty reload is passed on.
type OnChange func(defs []alertdef.Definition, databases map[string]string)

// Watcher watches a single YAML file's containing directory (so editors
// that replace-via-rename still fire events) and debounces bursts of
// changes into a single reload.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onChange OnChange

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
	current  []alertdef.Definition

	stopChan chan struct{}
}

func NewWatcher(loader *Loader, path string, onChange OnChange) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		loader:   loader,
		path:     path,
		debounce: DefaultDebounceInterval,
		onChange: onChange,
		fsw:      fsw,
		stopChan: make(chan struct{}),
	}, nil
}

// Start performs the initial load (applying it unconditionally) and begins
// watching for subsequent changes.
func (w *Watcher) Start() (LoadResult, error) {
	result, err := w.loader.Load(w.path)
	if err != nil {
		return LoadResult{}, err
	}
	w.mu.Lock()
	w.current = result.Definitions
	w.lastHash = w.hashFile()
	w.mu.Unlock()

	go w.run()
	return result, nil
}

func (w *Watcher) run() {
	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceC = debounceTimer.C

		case <-debounceC:
			debounceC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", w.path).Msg("config watcher: fsnotify error")

		case <-w.stopChan:
			return
		}
	}
}

// reload applies the rollback rule: zero valid definitions out of a
// nonempty current set means the reload is rejected and logged; partial
// success (some invalid) replaces the set, dropping only the invalid ones.
func (w *Watcher) reload() {
	newHash := w.hashFile()
	w.mu.Lock()
	unchanged := newHash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	result, err := w.loader.Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("config watcher: reload failed, keeping previous definitions")
		return
	}

	w.mu.Lock()
	hadDefinitions := len(w.current) > 0
	w.mu.Unlock()

	if len(result.Definitions) == 0 && hadDefinitions {
		log.Error().Str("path", w.path).Msg("config watcher: reload produced zero valid definitions, rolling back")
		return
	}

	w.mu.Lock()
	w.current = result.Definitions
	w.lastHash = newHash
	w.mu.Unlock()

	w.onChange(result.Definitions, result.Databases)
}

func (w *Watcher) hashFile() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsw.Close()
}
