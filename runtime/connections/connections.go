// Package connections keeps track of open adapter handles so several adapters
// can be used side by side and addressed by index or alias.
package connections

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Handle represents an open resource owned by the cache. Handles are closed by
// the cache when they are dropped.
type Handle interface {
	Close() error
}

var (
	// ErrNoConnection is returned when no handle is currently selected.
	ErrNoConnection = errors.New("No open connection.")
	// ErrNotFound is matched by lookups of an unknown index or alias.
	ErrNotFound = errors.New("connection not found")
	// ErrClosed is matched by lookups of an entry whose handle was closed.
	ErrClosed = errors.New("connection closed")
	// ErrAliasInUse is matched when an alias is registered twice.
	ErrAliasInUse = errors.New("alias already in use")
)

// LookupError reports a reference that does not resolve to an open entry.
type LookupError struct {
	Ref    string
	Closed bool
}

func (e *LookupError) Error() string {
	if e.Closed {
		return fmt.Sprintf("Aardvark adapter '%s' has been closed.", e.Ref)
	}
	return fmt.Sprintf("Non-existing index or alias '%s'.", e.Ref)
}

// Is matches ErrNotFound, or ErrClosed for closed entries.
func (e *LookupError) Is(target error) bool {
	if e.Closed {
		return target == ErrClosed
	}
	return target == ErrNotFound
}

// AliasError reports an alias that is already bound to another entry.
type AliasError struct {
	Alias string
	Index int
}

func (e *AliasError) Error() string {
	return fmt.Sprintf("alias '%s' already used by connection %d", e.Alias, e.Index)
}

// Is matches ErrAliasInUse.
func (e *AliasError) Is(target error) bool { return target == ErrAliasInUse }

type entry[H Handle] struct {
	handle H
	alias  string
	closed bool
}

// Cache maps 1-based indexes and optional aliases to handles and tracks the
// currently selected one. Indexes are assigned sequentially and are only reset
// by CloseAll.
type Cache[H Handle] struct {
	mu      sync.RWMutex
	entries []*entry[H]
	aliases map[string]int
	current int
}

// NewCache creates an empty cache.
func NewCache[H Handle]() *Cache[H] {
	return &Cache[H]{aliases: make(map[string]int)}
}

// Register stores h under the next index, binds the optional alias and makes
// h the current handle.
func (c *Cache[H]) Register(h H, alias string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aliases == nil {
		c.aliases = make(map[string]int)
	}
	key := normalizeAlias(alias)
	if key != "" {
		if index, exists := c.aliases[key]; exists {
			return 0, &AliasError{Alias: alias, Index: index}
		}
	}
	c.entries = append(c.entries, &entry[H]{handle: h, alias: alias})
	index := len(c.entries)
	if key != "" {
		c.aliases[key] = index
	}
	c.current = index
	return index, nil
}

// Switch selects the entry referenced by ref and returns the index that was
// current before. Aliases take precedence over numeric indexes. The selection
// is left untouched when ref does not resolve. A previous index of 0 means no
// handle was selected.
func (c *Cache[H]) Switch(ref string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index, err := c.resolve(ref)
	if err != nil {
		return 0, err
	}
	previous := c.current
	c.current = index
	return previous, nil
}

// SwitchIndex selects the entry with the given index.
func (c *Cache[H]) SwitchIndex(index int) (int, error) {
	return c.Switch(strconv.Itoa(index))
}

func (c *Cache[H]) resolve(ref string) (int, error) {
	index, ok := c.aliases[normalizeAlias(ref)]
	if !ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(ref))
		if err != nil || parsed < 1 || parsed > len(c.entries) {
			return 0, &LookupError{Ref: ref}
		}
		index = parsed
	}
	if c.entries[index-1].closed {
		return 0, &LookupError{Ref: ref, Closed: true}
	}
	return index, nil
}

// Current returns the selected handle and its index.
func (c *Cache[H]) Current() (H, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero H
	if c.current == 0 {
		return zero, 0, ErrNoConnection
	}
	return c.entries[c.current-1].handle, c.current, nil
}

// CurrentIndex returns the index of the selected handle, or 0 if none is selected.
func (c *Cache[H]) CurrentIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Len returns the number of registered entries, including closed ones.
func (c *Cache[H]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Open returns the number of entries whose handle is still open.
func (c *Cache[H]) Open() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	open := 0
	for _, e := range c.entries {
		if !e.closed {
			open++
		}
	}
	return open
}

// Close closes the current handle and clears the selection. The entry keeps
// its index and alias, so neither is handed out again until CloseAll, but it
// can no longer be selected.
func (c *Cache[H]) Close() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == 0 {
		return 0, ErrNoConnection
	}
	index := c.current
	e := c.entries[index-1]
	e.closed = true
	c.current = 0
	if err := e.handle.Close(); err != nil {
		return index, fmt.Errorf("close connection %d: %w", index, err)
	}
	return index, nil
}

// CloseAll closes every open handle, empties the cache and resets the index
// counter. The cache is emptied even when closing a handle fails; all close
// errors are returned joined.
func (c *Cache[H]) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for i, e := range c.entries {
		if e.closed {
			continue
		}
		e.closed = true
		if err := e.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %d: %w", i+1, err))
		}
	}
	c.entries = nil
	c.aliases = make(map[string]int)
	c.current = 0
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// normalizeAlias folds case and drops spaces and underscores, matching the
// way the test runtime compares names.
func normalizeAlias(alias string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(alias) {
		if r == ' ' || r == '_' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
