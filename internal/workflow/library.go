package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownWorkflow is returned when a workflow id is not in the library.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Library loads workflow definitions from a list of directories and serves
// their analyzed descriptors. When the same id (file stem) appears in more
// than one directory, the later directory wins. Only workflows that declare
// at least one input slot are kept; everything else is not externally
// runnable.
type Library struct {
	dirs   []string
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*Descriptor
}

// NewLibrary creates a library over the given directories. Call Reload to
// populate it.
func NewLibrary(dirs []string, logger *slog.Logger) *Library {
	return &Library{
		dirs:      dirs,
		logger:    logger,
		workflows: make(map[string]*Descriptor),
	}
}

// Reload rescans the configured directories and replaces the library's
// contents. Directories that cannot be read are skipped; definitions that
// fail analysis are skipped with a logged warning.
func (l *Library) Reload() error {
	loaded := make(map[string]*Descriptor)
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Warn("skipping workflow directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".json")
			path := filepath.Join(dir, entry.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				l.logger.Warn("skipping unreadable workflow", "id", id, "path", path, "error", err)
				continue
			}
			desc, err := Analyze(id, raw)
			if err != nil {
				l.logger.Warn("skipping invalid workflow", "id", id, "path", path, "error", err)
				continue
			}
			if len(desc.Inputs) == 0 {
				l.logger.Debug("skipping workflow without input slots", "id", id)
				continue
			}
			loaded[id] = desc
		}
	}

	l.mu.Lock()
	l.workflows = loaded
	l.mu.Unlock()

	l.logger.Info("workflow library loaded", "count", len(loaded), "dirs", len(l.dirs))
	return nil
}

// Get returns the descriptor for a workflow id.
func (l *Library) Get(id string) (*Descriptor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	desc, ok := l.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrUnknownWorkflow)
	}
	return desc, nil
}

// List returns all workflow ids, sorted for a stable API response.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.workflows))
	for id := range l.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add inserts a descriptor directly, bypassing the directory scan.
func (l *Library) Add(desc *Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[desc.ID] = desc
}
