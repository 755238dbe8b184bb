// Package reload detects changes to the configuration files of a running
// remote server.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/aardvark/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher remembers the modification time and size of every tracked file.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher tracks the source file of cfg plus any extra paths.
func NewWatcher(cfg *config.Config, extra ...string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(cfg, extra...); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update takes a fresh snapshot. It is called after every successful reload
// so Check only reports changes made afterwards. Missing files and
// directories are not tracked.
func (w *Watcher) Update(cfg *config.Config, extra ...string) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	for _, path := range extra {
		if abs, err := filepath.Abs(path); err == nil {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Tracked returns the tracked paths in sorted order.
func (w *Watcher) Tracked() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.files))
	for path := range w.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Check reports the files that were modified or removed since the last
// snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
