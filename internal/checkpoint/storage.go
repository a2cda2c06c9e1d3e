// internal/checkpoint/storage.go
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"waldiez/internal/symlink"
)

// latestLinkName is the per-session pointer to the most recent checkpoint.
// It lives inside the workspace and is never registered as an external link.
const latestLinkName = "latest"

// Storage is the durability contract the manager builds on. FilesystemStorage
// is the canonical implementation; other backends can substitute without
// touching the manager.
type Storage interface {
	SaveCheckpoint(session string, state, metadata map[string]interface{}, timestamp time.Time) (string, error)
	GetCheckpoint(session string, timestamp time.Time) (*CheckpointInfo, error)
	LinkCheckpoint(to, session string, timestamp time.Time) (string, error)
	ListSessions() ([]string, error)
	ListCheckpoints(session string) ([]CheckpointInfo, error)
	DeleteCheckpoint(session string, timestamp time.Time) error
	DeleteCheckpointsBatch(refs []CheckpointRef) (int, error)
	CleanupOldCheckpoints(session string, keepCount int) (int, error)
	CleanBrokenSymlinks(session string) (int, error)
	CompactRegistry() (int, error)
	VerifyLinks(session string) (map[string][]string, error)
	Transaction(fn func() error) error
	Root() string
}

// FilesystemStorage persists checkpoints as timestamp-named directories
// under per-session subdirectories of a single workspace root. The
// filesystem is the ground truth: listings are always computed fresh from
// disk, there is no persistent index.
type FilesystemStorage struct {
	root     string
	registry *linksRegistry
}

var _ Storage = (*FilesystemStorage)(nil)

// NewFilesystemStorage opens (creating if needed) a workspace root and
// loads its external-link registry.
func NewFilesystemStorage(root string) (*FilesystemStorage, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %s: %w", root, err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	return &FilesystemStorage{
		root:     absRoot,
		registry: newLinksRegistry(absRoot),
	}, nil
}

// Root returns the absolute workspace root directory.
func (s *FilesystemStorage) Root() string {
	return s.root
}

// sessionDir returns the directory holding a session's checkpoints.
func (s *FilesystemStorage) sessionDir(session string) string {
	return filepath.Join(s.root, session)
}

// checkpointDir returns the directory for one checkpoint.
func (s *FilesystemStorage) checkpointDir(session string, timestamp time.Time) string {
	return filepath.Join(s.root, session, FormatTimestamp(timestamp))
}

// insideWorkspace reports whether path lies under the workspace root.
func (s *FilesystemStorage) insideWorkspace(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SaveCheckpoint writes state (and metadata, when non-empty) for a session.
// A zero timestamp means "now": callers that want to update an existing
// checkpoint pass back a timestamp from an earlier save. Returns the
// checkpoint directory path and repoints the session's latest link at it.
func (s *FilesystemStorage) SaveCheckpoint(session string, state, metadata map[string]interface{}, timestamp time.Time) (string, error) {
	if session == "" {
		return "", fmt.Errorf("session name must not be empty: %w", ErrInvalidArgument)
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	dir := s.checkpointDir(session, timestamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	if state == nil {
		state = map[string]interface{}{}
	}
	stateJSON, err := marshalDocument(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), stateJSON, 0644); err != nil {
		return "", fmt.Errorf("write state: %w", err)
	}

	// Absence of metadata.json, not an empty file, signals "no metadata".
	if len(metadata) > 0 {
		metadataJSON, err := marshalDocument(metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metadataJSON, 0644); err != nil {
			return "", fmt.Errorf("write metadata: %w", err)
		}
	}

	if err := s.repointLatest(session, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// marshalDocument pretty-prints a JSON document, replacing values the
// encoder rejects (channels, functions, NaN floats) with their string form
// rather than failing the save.
func marshalDocument(doc map[string]interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err == nil {
		return data, nil
	}
	return json.MarshalIndent(sanitizeValue(doc), "", "  ")
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = sanitizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Sprint(v)
		}
		return v
	}
}

// repointLatest atomically replaces the session's latest link: the new link
// is created at a temporary name and renamed over the old one, so readers
// never observe a missing pointer.
func (s *FilesystemStorage) repointLatest(session, target string) error {
	latest := filepath.Join(s.sessionDir(session), latestLinkName)
	tmp := latest + ".tmp"

	_ = os.RemoveAll(tmp)
	if err := symlink.Create(tmp, target, symlink.Options{Overwrite: true, MakeParents: true, JunctionFallback: true}); err != nil {
		return fmt.Errorf("stage latest link: %w", err)
	}
	if err := os.Rename(tmp, latest); err != nil {
		// Windows cannot rename over an existing entry.
		_ = os.RemoveAll(latest)
		if err := os.Rename(tmp, latest); err != nil {
			_ = os.RemoveAll(tmp)
			return fmt.Errorf("repoint latest link: %w", err)
		}
	}
	return nil
}

// listCheckpointInfos lists a session's checkpoints newest-first. Entries
// whose name does not parse as a timestamp, or which lack a state.json, are
// ignored.
func (s *FilesystemStorage) listCheckpointInfos(session string) []CheckpointInfo {
	dir := s.sessionDir(session)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var infos []CheckpointInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, ok := ParseTimestamp(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, "state.json")); err != nil {
			continue
		}
		infos = append(infos, CheckpointInfo{Session: session, Timestamp: ts, Path: path})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	return infos
}

// GetCheckpoint resolves a checkpoint. A zero timestamp means "most
// recent". Missing sessions and checkpoints report an error wrapping
// fs.ErrNotExist naming the session and formatted timestamp.
func (s *FilesystemStorage) GetCheckpoint(session string, timestamp time.Time) (*CheckpointInfo, error) {
	if timestamp.IsZero() {
		infos := s.listCheckpointInfos(session)
		if len(infos) == 0 {
			return nil, sessionNotFoundError(session)
		}
		info := infos[0]
		return &info, nil
	}

	dir := s.checkpointDir(session, timestamp)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, notFoundError(session, timestamp)
	}
	return &CheckpointInfo{Session: session, Timestamp: timestamp.UTC(), Path: dir}, nil
}

// LinkCheckpoint creates a symlink under the given directory pointing at a
// checkpoint (latest when timestamp is zero) and returns the link path.
// Links outside the workspace root are recorded in the registry so they can
// be unlinked when the checkpoint is deleted; internal links are not
// bookkept because they are recomputable from checkpoint existence.
func (s *FilesystemStorage) LinkCheckpoint(to, session string, timestamp time.Time) (string, error) {
	info, err := s.GetCheckpoint(session, timestamp)
	if err != nil {
		return "", err
	}

	linkPath := filepath.Join(to, info.Name())
	if err := symlink.Create(linkPath, info.Path, symlink.DefaultOptions()); err != nil {
		return "", err
	}

	absLink, err := filepath.Abs(linkPath)
	if err != nil {
		absLink = linkPath
	}
	if !s.insideWorkspace(absLink) {
		err := s.registry.update(func(entries map[string][]string) {
			for _, existing := range entries[info.Path] {
				if existing == absLink {
					return
				}
			}
			entries[info.Path] = append(entries[info.Path], absLink)
		})
		if err != nil {
			return "", err
		}
	}
	return linkPath, nil
}

// ListSessions returns every immediate subdirectory of the workspace root
// in reverse lexical order, which floats chronologically named sessions to
// the top.
func (s *FilesystemStorage) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(sessions)))
	return sessions, nil
}

// ListCheckpoints lists one session's checkpoints newest-first, or, when
// session is empty, concatenates every session's list in directory
// iteration order. The concatenation is deliberately not re-sorted into one
// timeline; callers needing a global ordering sort the result themselves.
func (s *FilesystemStorage) ListCheckpoints(session string) ([]CheckpointInfo, error) {
	if session != "" {
		return s.listCheckpointInfos(session), nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	var infos []CheckpointInfo
	for _, entry := range entries {
		if entry.IsDir() {
			infos = append(infos, s.listCheckpointInfos(entry.Name())...)
		}
	}
	return infos, nil
}

// DeleteCheckpoint removes one checkpoint directory, unlinking every
// registered external symlink first and repointing the session's latest
// link at the remaining most-recent checkpoint.
func (s *FilesystemStorage) DeleteCheckpoint(session string, timestamp time.Time) error {
	if timestamp.IsZero() {
		return fmt.Errorf("delete requires an explicit timestamp: %w", ErrInvalidArgument)
	}

	dir := s.checkpointDir(session, timestamp)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return notFoundError(session, timestamp)
	}

	err := s.registry.update(func(entries map[string][]string) {
		removeExternalLinks(entries[dir])
		delete(entries, dir)
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}

	s.fixLatest(session)
	return nil
}

// removeExternalLinks unlinks registered external symlinks best-effort.
// A stale link that cannot be removed must not fail the deletion.
func removeExternalLinks(links []string) {
	for _, link := range links {
		if _, err := os.Lstat(link); err == nil {
			_ = os.Remove(link)
		}
	}
}

// fixLatest repairs the session's latest link after a deletion: repoint it
// at the new most-recent checkpoint, or drop it when none remain.
func (s *FilesystemStorage) fixLatest(session string) {
	latest := filepath.Join(s.sessionDir(session), latestLinkName)
	if _, err := filepath.EvalSymlinks(latest); err == nil {
		return
	}

	infos := s.listCheckpointInfos(session)
	if len(infos) == 0 {
		_ = os.Remove(latest)
		return
	}
	_ = s.repointLatest(session, infos[0].Path)
}

// DeleteCheckpointsBatch deletes many checkpoints with a single registry
// mutation. Pairs whose directory does not exist are skipped without error
// and without counting; duplicate pairs count once. Returns the number of
// checkpoints removed.
func (s *FilesystemStorage) DeleteCheckpointsBatch(refs []CheckpointRef) (int, error) {
	var dirs []string
	seen := map[string]struct{}{}
	sessions := map[string]struct{}{}
	for _, ref := range refs {
		dir := s.checkpointDir(ref.Session, ref.Timestamp)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		dirs = append(dirs, dir)
		sessions[ref.Session] = struct{}{}
	}
	if len(dirs) == 0 {
		return 0, nil
	}

	var external []string
	err := s.registry.update(func(entries map[string][]string) {
		for _, dir := range dirs {
			external = append(external, entries[dir]...)
			delete(entries, dir)
		}
	})
	if err != nil {
		return 0, err
	}
	removeExternalLinks(external)

	deleted := 0
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err == nil {
			deleted++
		}
	}
	for session := range sessions {
		s.fixLatest(session)
	}
	return deleted, nil
}

// CleanupOldCheckpoints keeps the keepCount most recent checkpoints of a
// session and deletes the rest. Individual failures do not abort the sweep;
// the return value counts successful deletions. keepCount <= 0 deletes
// everything.
func (s *FilesystemStorage) CleanupOldCheckpoints(session string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	infos := s.listCheckpointInfos(session)
	if len(infos) <= keepCount {
		return 0, nil
	}

	deleted := 0
	for _, info := range infos[keepCount:] {
		if err := s.DeleteCheckpoint(session, info.Timestamp); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// CleanBrokenSymlinks removes dangling symlinks in two phases: a filesystem
// sweep of the session directories (or all sessions when session is empty),
// then a registry sweep that unlinks and forgets external links whose
// checkpoint no longer exists and prunes broken links from surviving
// entries. Returns the number of symlinks removed from disk.
func (s *FilesystemStorage) CleanBrokenSymlinks(session string) (int, error) {
	var sessions []string
	if session != "" {
		sessions = []string{session}
	} else {
		var err error
		if sessions, err = s.ListSessions(); err != nil {
			return 0, err
		}
	}

	removed := 0
	for _, name := range sessions {
		_ = filepath.WalkDir(s.sessionDir(name), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			if _, rerr := filepath.EvalSymlinks(path); rerr != nil {
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		})
	}

	err := s.registry.update(func(entries map[string][]string) {
		for checkpointPath, links := range entries {
			if _, serr := os.Stat(checkpointPath); serr != nil {
				for _, link := range links {
					if _, lerr := os.Lstat(link); lerr == nil {
						if os.Remove(link) == nil {
							removed++
						}
					}
				}
				delete(entries, checkpointPath)
				continue
			}

			kept := links[:0]
			for _, link := range links {
				if _, lerr := os.Lstat(link); lerr != nil {
					continue
				}
				if _, rerr := filepath.EvalSymlinks(link); rerr != nil {
					if os.Remove(link) == nil {
						removed++
					}
					continue
				}
				kept = append(kept, link)
			}
			entries[checkpointPath] = kept
		}
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

// CompactRegistry drops registry entries whose checkpoint no longer exists
// and prunes link paths that no longer exist from surviving entries.
// Returns the number of entries fully removed; pruned links inside
// surviving entries are a secondary effect and are not counted.
func (s *FilesystemStorage) CompactRegistry() (int, error) {
	removed := 0
	err := s.registry.update(func(entries map[string][]string) {
		for checkpointPath, links := range entries {
			if _, serr := os.Stat(checkpointPath); serr != nil {
				delete(entries, checkpointPath)
				removed++
				continue
			}
			kept := links[:0]
			for _, link := range links {
				if _, lerr := os.Lstat(link); lerr == nil {
					kept = append(kept, link)
				}
			}
			entries[checkpointPath] = kept
		}
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// VerifyLinks is a read-only diagnostic over the registry: for each entry
// (optionally filtered to one session) it reports missing links, links that
// resolve to the wrong target, and links that cannot be resolved at all.
// Only entries with at least one issue appear in the result.
func (s *FilesystemStorage) VerifyLinks(session string) (map[string][]string, error) {
	issues := map[string][]string{}
	s.registry.view(func(entries map[string][]string) {
		for checkpointPath, links := range entries {
			if session != "" && s.sessionOf(checkpointPath) != session {
				continue
			}

			expected, err := filepath.EvalSymlinks(checkpointPath)
			if err != nil {
				expected = checkpointPath
			}

			var found []string
			for _, link := range links {
				if _, lerr := os.Lstat(link); lerr != nil {
					found = append(found, fmt.Sprintf("Missing: %s", link))
					continue
				}
				resolved, rerr := filepath.EvalSymlinks(link)
				if rerr != nil {
					found = append(found, fmt.Sprintf("Cannot resolve: %s", link))
					continue
				}
				if resolved != expected {
					found = append(found, fmt.Sprintf("Wrong target: %s", link))
				}
			}
			if len(found) > 0 {
				issues[checkpointPath] = found
			}
		}
	})
	return issues, nil
}

// sessionOf extracts the session name from a checkpoint path under the
// workspace root, or "" for paths outside it.
func (s *FilesystemStorage) sessionOf(checkpointPath string) string {
	rel, err := filepath.Rel(s.root, checkpointPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	return parts[0]
}

// Transaction runs fn with registry rollback on failure: the in-memory
// registry is snapshotted on entry, and if fn returns an error the snapshot
// is restored and persisted before the error is returned unchanged.
// Filesystem side effects inside fn (created directories, written state
// files) are not rolled back; only the registry's view of links is
// transactional.
func (s *FilesystemStorage) Transaction(fn func() error) error {
	snap := s.registry.snapshot()
	if err := fn(); err != nil {
		_ = s.registry.restore(snap)
		return err
	}
	return nil
}
