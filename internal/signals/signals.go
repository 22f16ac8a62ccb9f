// Package signals exposes runtime switches backed by environment variables and
// files in a signals directory. Creating or removing a file flips the switch
// without restarting the server.
package signals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
)

// Switch names. Each is also the file name inside the signals directory.
const (
	PauseQueue       = "pause-queue"
	DisableHealing   = "disable-self-healing"
	DisableEvolution = "disable-nightly-evolution"
	DisableQA        = "disable-nightly-qa"
)

// envNames maps switches to the environment variables that also set them.
var envNames = map[string]string{
	DisableHealing:   "DISABLE_SELF_HEALING",
	DisableEvolution: "DISABLE_NIGHTLY_EVOLUTION",
	DisableQA:        "DISABLE_NIGHTLY_QA",
}

// Known lists every switch name.
func Known() []string {
	return []string{PauseQueue, DisableHealing, DisableEvolution, DisableQA}
}

// Truthy reports whether an environment value turns a switch on.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Switches reads and watches the signals directory.
type Switches struct {
	dir    string
	getenv func(string) string
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]func(active bool)
	last     map[string]bool
}

// New creates switches rooted at dir. The directory is created on Run or Set.
func New(dir string, logger *zap.Logger) *Switches {
	return &Switches{
		dir:      dir,
		getenv:   os.Getenv,
		logger:   logging.OrNop(logger).Named("signals"),
		handlers: make(map[string][]func(bool)),
		last:     make(map[string]bool),
	}
}

// Dir returns the signals directory.
func (s *Switches) Dir() string { return s.dir }

func (s *Switches) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Active reports whether name is on, by environment variable or signal file.
// The file is checked on every call so a missed watch event never matters.
func (s *Switches) Active(name string) bool {
	if env, ok := envNames[name]; ok && Truthy(s.getenv(env)) {
		return true
	}
	if s.dir == "" {
		return false
	}
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Func returns a closure over Active for name.
func (s *Switches) Func(name string) func() bool {
	return func() bool { return s.Active(name) }
}

// Snapshot returns the state of every known switch.
func (s *Switches) Snapshot() map[string]bool {
	out := make(map[string]bool)
	for _, name := range Known() {
		out[name] = s.Active(name)
	}
	return out
}

// Set creates or removes the signal file for name.
func (s *Switches) Set(name string, on bool) error {
	if !isKnown(name) {
		return fmt.Errorf("unknown switch %q (known: %s)", name, strings.Join(Known(), ", "))
	}
	if s.dir == "" {
		return fmt.Errorf("no signals directory configured")
	}
	if on {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return fmt.Errorf("create signals dir: %w", err)
		}
		return os.WriteFile(s.path(name), []byte(time.Now().Format(time.RFC3339)), 0644)
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// OnChange registers fn to run whenever name flips. fn also runs once from
// Run with the initial state.
func (s *Switches) OnChange(name string, fn func(active bool)) {
	s.mu.Lock()
	s.handlers[name] = append(s.handlers[name], fn)
	s.mu.Unlock()
}

// Run watches the signals directory until ctx is done.
func (s *Switches) Run(ctx context.Context) error {
	if s.dir == "" {
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}

	s.dispatchAll()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return s.poll(ctx, fmt.Errorf("create watcher: %w", err))
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return s.poll(ctx, fmt.Errorf("watch %s: %w", s.dir, err))
	}
	s.logger.Info("watching signals", zap.String("dir", s.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !isKnown(name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.dispatch(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("signals watcher error", zap.Error(err))
		}
	}
}

// poll is the fallback when fsnotify is unavailable.
func (s *Switches) poll(ctx context.Context, cause error) error {
	s.logger.Warn("falling back to polling signals", zap.Error(cause))
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.dispatchAll()
		}
	}
}

func (s *Switches) dispatchAll() {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		s.dispatch(name)
	}
}

// dispatch runs handlers for name when its state differs from the last seen.
func (s *Switches) dispatch(name string) {
	active := s.Active(name)

	s.mu.Lock()
	prev, seen := s.last[name]
	if seen && prev == active {
		s.mu.Unlock()
		return
	}
	s.last[name] = active
	handlers := append([]func(bool){}, s.handlers[name]...)
	s.mu.Unlock()

	s.logger.Info("switch changed", zap.String("switch", name), zap.Bool("active", active))
	for _, fn := range handlers {
		fn(active)
	}
}

func isKnown(name string) bool {
	for _, k := range Known() {
		if k == name {
			return true
		}
	}
	return false
}
