// Package secrets holds the key→value map consumed by the Template
// Resolver's {{secret:KEY}} expansion. Values are never exposed by any
// API; only key lists are.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Store holds the current secret map and reloads it from disk on
// explicit request or on file-change notification.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	logger *slog.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New loads path once and returns a Store. path may not exist yet, in
// which case the store starts empty and Reload can pick it up later.
func New(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, values: map[string]string{}, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the secrets file from disk, replacing the in-memory
// map atomically. A missing file is treated as an empty map, not an
// error, so the store can be constructed before the file is written.
func (s *Store) Reload() error {
	values, err := godotenv.Read(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read secrets file %s: %w", s.path, err)
		}
		values = map[string]string{}
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("secrets reloaded", "path", s.path, "count", len(values))
	}
	return nil
}

// Get returns the current value of key and whether it is present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// MaskValue replaces any literal secret value occurring in text with
// [REDACTED]. Error messages and handler output can carry resolved
// secrets (a failing proxy echoing a credential, a URL with userinfo);
// everything durably recorded or streamed to subscribers passes through
// here first.
func (s *Store) MaskValue(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.values {
		if v != "" && strings.Contains(text, v) {
			text = strings.ReplaceAll(text, v, "[REDACTED]")
		}
	}
	return text
}

// Keys returns the sorted set of known secret names. Values are never
// included.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WatchForChanges starts an fsnotify watch on the secrets file's
// directory and calls Reload whenever the file is written or renamed
// into place (the common pattern for atomic secret rotation: write a
// temp file, then rename over the target). Stop() tears it down.
func (s *Store) WatchForChanges() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := dirOf(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	s.stopCh = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name == s.path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
					if err := s.Reload(); err != nil && s.logger != nil {
						s.logger.Error("secrets reload failed", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if s.logger != nil {
					s.logger.Error("secrets watcher error", "err", err)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop tears down the fsnotify watch, if running.
func (s *Store) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
