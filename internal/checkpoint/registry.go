// internal/checkpoint/registry.go
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// registryFileName is the JSON document holding the external-link registry,
// stored at the workspace root.
const registryFileName = ".links_registry.json"

// corruptedFileName is where an unparsable registry file is moved before
// the in-memory registry resets to empty.
const corruptedFileName = ".links_registry.corrupted"

// linksRegistry maps a checkpoint's absolute directory path to the external
// symlinks pointing at it. Internal links (the per-session "latest" pointer)
// are never registered; they are recomputable from checkpoint existence.
//
// The registry is scoped to one workspace instance and guarded by an
// instance lock, never shared process-wide, so multiple workspaces can
// coexist in one process.
type linksRegistry struct {
	path string

	mu      sync.Mutex
	entries map[string][]string
}

// newLinksRegistry creates the registry for a workspace root and loads the
// persisted document. A corrupt document is backed up and the registry
// starts empty rather than failing startup.
func newLinksRegistry(root string) *linksRegistry {
	r := &linksRegistry{
		path:    filepath.Join(root, registryFileName),
		entries: map[string][]string{},
	}
	r.mu.Lock()
	r.loadLocked()
	r.mu.Unlock()
	return r
}

// loadLocked re-reads the registry document from disk, replacing the
// in-memory entries. Entries that are not a list of strings are discarded.
// The caller must hold r.mu.
func (r *linksRegistry) loadLocked() {
	r.entries = map[string][]string{}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		// Keep the bad bytes around for inspection, then start clean.
		backup := filepath.Join(filepath.Dir(r.path), corruptedFileName)
		_ = os.Rename(r.path, backup)
		return
	}

	for checkpointPath, value := range raw {
		list, ok := value.([]interface{})
		if !ok {
			continue
		}
		links := make([]string, 0, len(list))
		valid := true
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				valid = false
				break
			}
			links = append(links, s)
		}
		if valid {
			r.entries[checkpointPath] = links
		}
	}
}

// persistLocked writes the registry document via a temp file and an atomic
// rename so a crash can never leave a partially written registry. The
// caller must hold r.mu.
func (r *linksRegistry) persistLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal links registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write links registry temp file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		// Windows cannot rename over an existing file.
		if rmErr := os.Remove(r.path); rmErr == nil {
			if err = os.Rename(tmp, r.path); err == nil {
				return nil
			}
		}
		_ = os.Remove(tmp)
		return fmt.Errorf("replace links registry: %w", err)
	}
	return nil
}

// update runs a mutating registry transaction: re-load from disk under the
// lock (defensive re-sync against external writers), apply fn to the
// in-memory entries, persist atomically.
func (r *linksRegistry) update(fn func(entries map[string][]string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	fn(r.entries)
	return r.persistLocked()
}

// view runs fn over a fresh read-only load of the entries.
func (r *linksRegistry) view(fn func(entries map[string][]string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	fn(r.entries)
}

// snapshot returns a deep copy of the current entries.
func (r *linksRegistry) snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := make(map[string][]string, len(r.entries))
	for checkpointPath, links := range r.entries {
		snap[checkpointPath] = append([]string(nil), links...)
	}
	return snap
}

// restore replaces the entries with a previously taken snapshot and
// persists the rollback to disk.
func (r *linksRegistry) restore(snap map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string][]string, len(snap))
	for checkpointPath, links := range snap {
		r.entries[checkpointPath] = append([]string(nil), links...)
	}
	return r.persistLocked()
}
