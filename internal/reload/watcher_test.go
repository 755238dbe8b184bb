package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/timzifer/aardvark/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	got := uniquePaths([]string{"", "/tmp/a.cue", "/tmp/b.yaml", "/tmp/a.cue"})
	want := []string{"/tmp/a.cue", "/tmp/b.yaml"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherTracksSourceAndExtraFiles(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "aardvark.cue")
	extra := filepath.Join(dir, "adapters.yaml")
	writeFile(t, source, "library: driver: \"sim\"")
	writeFile(t, extra, "sim: {}")

	watcher, err := NewWatcher(&config.Config{Source: source}, extra, filepath.Join(dir, "missing.cue"), dir)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	want := []string{source, extra}
	if got := watcher.Tracked(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked() = %v, want %v", got, want)
	}
}

func TestWatcherWithoutSource(t *testing.T) {
	watcher, err := NewWatcher(&config.Config{})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if got := watcher.Tracked(); len(got) != 0 {
		t.Fatalf("expected no tracked files, got %v", got)
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "aardvark.cue")
	extra := filepath.Join(dir, "adapters.cue")
	writeFile(t, source, "server: listen: \":8270\"")
	writeFile(t, extra, "sim: {}")

	cfg := &config.Config{Source: source}
	watcher, err := NewWatcher(cfg, extra)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil || len(changed) != 0 {
		t.Fatalf("Check() = %v, %v; want no changes", changed, err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, source, "server: listen: \":8271\"")
	if err := os.Remove(extra); err != nil {
		t.Fatalf("Remove(%s) error = %v", extra, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if want := []string{source, extra}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("Check() = %v, want %v", changed, want)
	}

	if err := watcher.Update(cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil || len(changed) != 0 {
		t.Fatalf("Check() after Update = %v, %v; want no changes", changed, err)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update(&config.Config{}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil || changed != nil {
		t.Fatalf("nil watcher Check() = %v, %v", changed, err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
