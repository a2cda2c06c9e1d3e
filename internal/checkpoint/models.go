// internal/checkpoint/models.go
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// timestampLayout is the directory-name encoding of a checkpoint timestamp,
// without the microsecond suffix. The full format is YYYYMMDD_HHMMSS_ffffff
// in UTC and must round-trip to the same instant.
const timestampLayout = "20060102_150405"

// timestampLen is the length of a fully formatted timestamp string.
const timestampLen = len("20060102_150405_000000")

// FormatTimestamp encodes t as a checkpoint directory name with microsecond
// precision in UTC.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s_%06d", t.Format(timestampLayout), t.Nanosecond()/1000)
}

// ParseTimestamp decodes a checkpoint directory name back to its instant.
// Directory names come from untrusted listings, so malformed input returns
// ok=false instead of an error.
func ParseTimestamp(s string) (time.Time, bool) {
	if len(s) != timestampLen || s[15] != '_' {
		return time.Time{}, false
	}
	base, err := time.Parse(timestampLayout, s[:15])
	if err != nil {
		return time.Time{}, false
	}
	micros := 0
	for i := 16; i < timestampLen; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
		micros = micros*10 + int(c-'0')
	}
	return base.Add(time.Duration(micros) * time.Microsecond), true
}

// Checkpoint is a timestamped, directory-backed snapshot of a session's
// state plus optional metadata. State and metadata load lazily from disk on
// first access and are cached until Refresh.
type Checkpoint struct {
	Session   string
	Timestamp time.Time
	Path      string

	mu       sync.Mutex
	state    map[string]interface{}
	metadata map[string]interface{}
}

// NewCheckpoint creates a checkpoint handle for an on-disk directory.
func NewCheckpoint(session string, timestamp time.Time, path string) *Checkpoint {
	return &Checkpoint{Session: session, Timestamp: timestamp, Path: path}
}

// State returns the checkpoint's state document. Missing, unreadable or
// malformed files yield an empty map, never an error.
func (c *Checkpoint) State() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil {
		c.state = loadDocument(filepath.Join(c.Path, "state.json"))
	}
	return c.state
}

// Metadata returns the checkpoint's metadata document, or an empty map when
// no metadata.json was written.
func (c *Checkpoint) Metadata() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metadata == nil {
		c.metadata = loadDocument(filepath.Join(c.Path, "metadata.json"))
	}
	return c.metadata
}

// Exists reports whether the checkpoint directory exists and contains a
// state.json. The state file's presence is the existence oracle: a directory
// without one is a partial write.
func (c *Checkpoint) Exists() bool {
	info, err := os.Stat(c.Path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(c.Path, "state.json"))
	return err == nil
}

// Refresh drops the cached state and metadata so the next access re-reads
// from disk. It does not touch the filesystem.
func (c *Checkpoint) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = nil
	c.metadata = nil
}

// loadDocument reads a JSON object from path. A JSON array with an object at
// index 0 is accepted for backward compatibility with older writers.
func loadDocument(path string) map[string]interface{} {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]interface{}{}
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return map[string]interface{}{}
	}

	switch v := value.(type) {
	case map[string]interface{}:
		return v
	case []interface{}:
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]interface{}); ok {
				return obj
			}
		}
	}
	return map[string]interface{}{}
}

// CheckpointInfo is a lightweight handle identifying a checkpoint without
// loading its documents.
type CheckpointInfo struct {
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// Checkpoint materializes the full checkpoint for this handle.
func (i CheckpointInfo) Checkpoint() *Checkpoint {
	return NewCheckpoint(i.Session, i.Timestamp, i.Path)
}

// Name returns the checkpoint's directory name (its formatted timestamp).
func (i CheckpointInfo) Name() string {
	return FormatTimestamp(i.Timestamp)
}

// Display returns the fields shown in listings.
func (i CheckpointInfo) Display() map[string]string {
	return map[string]string{
		"session":   i.Session,
		"timestamp": FormatTimestamp(i.Timestamp),
		"path":      i.Path,
		"name":      i.Name(),
	}
}

// CheckpointRef identifies a checkpoint for batch operations.
type CheckpointRef struct {
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
}
