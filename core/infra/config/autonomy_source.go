package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/valora-ai/valora/core/infra/logging"
)

// AutonomySource supplies the current autonomy policy. Callers must fetch on
// every check and never hold the returned snapshot across a stage boundary.
type AutonomySource interface {
	Autonomy() *AutonomyConfig
}

// StaticAutonomySource serves a fixed policy. Intended for tests and embeds.
type StaticAutonomySource struct {
	mu  sync.RWMutex
	cfg *AutonomyConfig
}

// NewStaticAutonomySource wraps a fixed config in a source.
func NewStaticAutonomySource(cfg *AutonomyConfig) *StaticAutonomySource {
	if cfg == nil {
		cfg = &AutonomyConfig{}
	}
	return &StaticAutonomySource{cfg: cfg}
}

// Autonomy returns the current config.
func (s *StaticAutonomySource) Autonomy() *AutonomyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the config, simulating an operator hot-reload.
func (s *StaticAutonomySource) Set(cfg *AutonomyConfig) {
	if cfg == nil {
		cfg = &AutonomyConfig{}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// FileAutonomySource watches a YAML policy file and re-reads it on change.
type FileAutonomySource struct {
	path    string
	watcher *fsnotify.Watcher

	mu  sync.RWMutex
	cfg *AutonomyConfig

	done chan struct{}
}

// NewFileAutonomySource loads the policy at path and begins watching the
// containing directory for edits (editors replace files, so watching the
// directory catches renames as well as writes).
func NewFileAutonomySource(path string) (*FileAutonomySource, error) {
	cfg, err := LoadAutonomyConfig(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("autonomy watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	src := &FileAutonomySource{
		path:    path,
		watcher: watcher,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go src.loop()
	return src, nil
}

// Autonomy returns the most recently loaded policy.
func (s *FileAutonomySource) Autonomy() *AutonomyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload forces a synchronous re-read of the policy file.
func (s *FileAutonomySource) Reload() error {
	cfg, err := LoadAutonomyConfig(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Close stops the watcher.
func (s *FileAutonomySource) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *FileAutonomySource) loop() {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				// Keep serving the previous policy on a bad edit.
				if !os.IsNotExist(err) {
					logging.Error("autonomy", "reload failed", "path", s.path, "error", err)
				}
				continue
			}
			logging.Info("autonomy", "policy reloaded", "path", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("autonomy", "watch error", "error", err)
		}
	}
}
