// internal/checkpoint/manager.go
package checkpoint

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"waldiez/internal/session"
	"waldiez/internal/symlink"
)

// publicOutputDirName is the default directory (under the current working
// directory) holding the public, user-facing view of finalized checkpoints.
const publicOutputDirName = "waldiez_out"

// sourceArtifactExt marks output files whose generated .py sibling is
// promoted next to them during finalize.
const sourceArtifactExt = ".waldiez"

// alwaysSkipNames are never copied into a checkpoint.
var alwaysSkipNames = map[string]bool{"__pycache__": true}

// alwaysSkipSuffixes are compiled-bytecode suffixes never copied into a
// checkpoint.
var alwaysSkipSuffixes = []string{".pyc", ".pyo"}

// Manager is the single entry point callers use. It wraps a Storage backend
// and adds the policies that do not belong in the raw storage layer:
// timestamp-name parsing, the finalize workflow and history aggregation.
type Manager struct {
	storage Storage
}

// NewManager creates a manager over a storage backend.
func NewManager(storage Storage) *Manager {
	return &Manager{storage: storage}
}

// Storage returns the wrapped backend.
func (m *Manager) Storage() Storage {
	return m.storage
}

// parseName converts a checkpoint directory name to its timestamp. An empty
// name means "latest" and maps to the zero time.
func parseName(name string) (time.Time, error) {
	if name == "" {
		return time.Time{}, nil
	}
	ts, ok := ParseTimestamp(name)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", name, ErrInvalidArgument)
	}
	return ts, nil
}

// Save creates a new checkpoint for a session and returns its path.
func (m *Manager) Save(sessionName string, state, metadata map[string]interface{}) (string, error) {
	return m.storage.SaveCheckpoint(sessionName, state, metadata, time.Time{})
}

// Update rewrites an existing checkpoint identified by its directory name.
func (m *Manager) Update(sessionName, name string, state, metadata map[string]interface{}) (string, error) {
	ts, err := parseName(name)
	if err != nil {
		return "", err
	}
	if ts.IsZero() {
		return "", fmt.Errorf("update requires a checkpoint name: %w", ErrInvalidArgument)
	}
	return m.storage.SaveCheckpoint(sessionName, state, metadata, ts)
}

// Get resolves a checkpoint by directory name, or the latest when name is
// empty.
func (m *Manager) Get(sessionName, name string) (*CheckpointInfo, error) {
	ts, err := parseName(name)
	if err != nil {
		return nil, err
	}
	return m.storage.GetCheckpoint(sessionName, ts)
}

// Link creates a symlink to a checkpoint under the given directory.
func (m *Manager) Link(to, sessionName, name string) (string, error) {
	ts, err := parseName(name)
	if err != nil {
		return "", err
	}
	return m.storage.LinkCheckpoint(to, sessionName, ts)
}

// Checkpoints lists a session's checkpoints newest-first, or all sessions'
// checkpoints when sessionName is empty.
func (m *Manager) Checkpoints(sessionName string) ([]CheckpointInfo, error) {
	return m.storage.ListCheckpoints(sessionName)
}

// Sessions lists every session in the workspace.
func (m *Manager) Sessions() ([]string, error) {
	return m.storage.ListSessions()
}

// Delete removes one checkpoint by directory name.
func (m *Manager) Delete(sessionName, name string) error {
	ts, err := parseName(name)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		return fmt.Errorf("delete requires a checkpoint name: %w", ErrInvalidArgument)
	}
	return m.storage.DeleteCheckpoint(sessionName, ts)
}

// DeleteSession removes every checkpoint of a session and the session
// directory itself. Returns the number of checkpoints deleted.
func (m *Manager) DeleteSession(sessionName string) (int, error) {
	infos, err := m.storage.ListCheckpoints(sessionName)
	if err != nil {
		return 0, err
	}
	refs := make([]CheckpointRef, len(infos))
	for i, info := range infos {
		refs[i] = CheckpointRef{Session: info.Session, Timestamp: info.Timestamp}
	}
	deleted, err := m.storage.DeleteCheckpointsBatch(refs)
	if err != nil {
		return deleted, err
	}
	_ = os.RemoveAll(filepath.Join(m.storage.Root(), sessionName))
	return deleted, nil
}

// Cleanup applies the retention policy to a session.
func (m *Manager) Cleanup(sessionName string, keepCount int) (int, error) {
	return m.storage.CleanupOldCheckpoints(sessionName, keepCount)
}

// CleanupArchived applies the retention policy like Cleanup, but packs each
// checkpoint into a compressed archive under archiveDir before deleting it.
// A checkpoint that fails to archive is kept; the count covers deletions.
func (m *Manager) CleanupArchived(sessionName string, keepCount int, archiveDir string) (int, error) {
	archiver, ok := m.storage.(Archiver)
	if !ok {
		return 0, fmt.Errorf("storage backend does not support archiving: %w", ErrInvalidArgument)
	}
	if keepCount < 0 {
		keepCount = 0
	}

	infos, err := m.storage.ListCheckpoints(sessionName)
	if err != nil {
		return 0, err
	}
	if len(infos) <= keepCount {
		return 0, nil
	}

	deleted := 0
	for _, info := range infos[keepCount:] {
		if _, err := archiver.ArchiveCheckpoint(sessionName, info.Timestamp, archiveDir); err != nil {
			continue
		}
		if err := m.storage.DeleteCheckpoint(sessionName, info.Timestamp); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// CleanBrokenSymlinks sweeps dangling links for one or all sessions.
func (m *Manager) CleanBrokenSymlinks(sessionName string) (int, error) {
	return m.storage.CleanBrokenSymlinks(sessionName)
}

// CompactRegistry drops registry entries for checkpoints that no longer
// exist.
func (m *Manager) CompactRegistry() (int, error) {
	return m.storage.CompactRegistry()
}

// VerifyLinks reports registry entries with broken or mistargeted links.
func (m *Manager) VerifyLinks(sessionName string) (map[string][]string, error) {
	return m.storage.VerifyLinks(sessionName)
}

// Transaction runs fn with registry rollback on failure.
func (m *Manager) Transaction(fn func() error) error {
	return m.storage.Transaction(fn)
}

// SessionExists reports whether a session has at least one checkpoint.
func (m *Manager) SessionExists(sessionName string) bool {
	infos, err := m.storage.ListCheckpoints(sessionName)
	return err == nil && len(infos) > 0
}

// GetLatestCheckpoint returns a session's most recent checkpoint, or nil
// when the session has none.
func (m *Manager) GetLatestCheckpoint(sessionName string) *CheckpointInfo {
	info, err := m.storage.GetCheckpoint(sessionName, time.Time{})
	if err != nil {
		return nil
	}
	return info
}

// Archive packs a checkpoint into a compressed archive under destDir. The
// backend must support archiving.
func (m *Manager) Archive(sessionName, name, destDir string) (string, error) {
	archiver, ok := m.storage.(Archiver)
	if !ok {
		return "", fmt.Errorf("storage backend does not support archiving: %w", ErrInvalidArgument)
	}
	ts, err := parseName(name)
	if err != nil {
		return "", err
	}
	if ts.IsZero() {
		info, err := m.storage.GetCheckpoint(sessionName, time.Time{})
		if err != nil {
			return "", err
		}
		ts = info.Timestamp
	}
	return archiver.ArchiveCheckpoint(sessionName, ts, destDir)
}

// RestoreArchive unpacks a checkpoint archive into a session.
func (m *Manager) RestoreArchive(archivePath, sessionName string) (string, error) {
	archiver, ok := m.storage.(Archiver)
	if !ok {
		return "", fmt.Errorf("storage backend does not support archiving: %w", ErrInvalidArgument)
	}
	return archiver.RestoreArchive(archivePath, sessionName)
}

// History aggregates the derived message history across one checkpoint (by
// name) or all of a session's checkpoints, keyed by formatted timestamp.
// Checkpoints whose history is empty are skipped.
func (m *Manager) History(sessionName, name string) (map[string][]map[string]interface{}, error) {
	var infos []CheckpointInfo
	if name != "" {
		info, err := m.Get(sessionName, name)
		if err != nil {
			return nil, err
		}
		infos = []CheckpointInfo{*info}
	} else {
		var err error
		infos, err = m.storage.ListCheckpoints(sessionName)
		if err != nil {
			return nil, err
		}
	}

	result := map[string][]map[string]interface{}{}
	for _, info := range infos {
		events := session.LoadEvents(info.Path)
		messages := session.Messages(events)
		if len(messages) == 0 {
			continue
		}
		result[info.Name()] = messages
	}
	return result, nil
}

// FinalizeOptions controls the close-out of a completed run. Use
// DefaultFinalizeOptions as the starting point; the zero value disables
// latest-link maintenance and file promotion.
type FinalizeOptions struct {
	Metadata        map[string]interface{}
	Timestamp       time.Time
	LinkRoot        string
	LinkLatest      bool
	KeepTmp         bool
	CopyIntoSubdir  string
	PromoteToOutput []string
	IgnoreNames     []string
	SkipSymlinks    bool
}

// DefaultFinalizeOptions returns the defaults used by the CLI and server:
// link under cwd/waldiez_out, maintain the latest pointer, promote the
// reasoning artifacts next to the output file, and never copy cache or
// secret files into a checkpoint.
func DefaultFinalizeOptions() FinalizeOptions {
	return FinalizeOptions{
		LinkLatest:      true,
		PromoteToOutput: []string{"tree_of_thoughts.png", "reasoning_tree.json"},
		IgnoreNames:     []string{".cache", ".env"},
	}
}

// Finalize closes out a completed run: it turns the run's scratch directory
// into a durable checkpoint, promotes selected artifacts next to the output
// file, establishes the public view under the link root and removes the
// scratch directory. Returns the checkpoint path and the public link path.
//
// The registry-affecting steps run inside the storage transaction, so a
// failure rolls the registry back; the file copies themselves are not
// rolled back and a mid-copy failure leaves a partially populated
// checkpoint.
func (m *Manager) Finalize(sessionName, outputFile, tmpDir string, opts FinalizeOptions) (string, string, error) {
	fi, err := os.Stat(tmpDir)
	if err != nil || !fi.IsDir() {
		return "", "", fmt.Errorf("tmp dir %s: %w", tmpDir, fs.ErrNotExist)
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if _, ok := metadata["run_id"]; !ok {
		metadata["run_id"] = uuid.NewString()
	}

	linkRoot := opts.LinkRoot
	if linkRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", "", fmt.Errorf("resolve working directory: %w", err)
		}
		linkRoot = filepath.Join(cwd, publicOutputDirName)
	}

	var checkpointPath, publicPath string
	err = m.storage.Transaction(func() error {
		var err error
		checkpointPath, err = m.storage.SaveCheckpoint(sessionName, map[string]interface{}{}, metadata, opts.Timestamp)
		if err != nil {
			return err
		}

		dest := checkpointPath
		if opts.CopyIntoSubdir != "" {
			dest = filepath.Join(checkpointPath, opts.CopyIntoSubdir)
		}

		promote := map[string]bool{}
		for _, name := range opts.PromoteToOutput {
			promote[name] = true
		}
		if filepath.Ext(outputFile) == sourceArtifactExt {
			stem := strings.TrimSuffix(filepath.Base(outputFile), sourceArtifactExt)
			promote[stem+".py"] = true
		}
		ignore := map[string]bool{}
		for _, name := range opts.IgnoreNames {
			ignore[name] = true
		}

		if err := mergeCopy(tmpDir, dest, ignore, promote, filepath.Dir(outputFile)); err != nil {
			return err
		}

		name, err := m.establishPublicView(linkRoot, sessionName, checkpointPath, opts)
		if err != nil {
			return err
		}
		publicPath = name
		return nil
	})
	if err != nil {
		return "", "", err
	}

	if !opts.KeepTmp {
		_ = os.RemoveAll(tmpDir)
	}
	return checkpointPath, publicPath, nil
}

// establishPublicView creates the user-facing view of a checkpoint under
// the link root: a symlink (registered as external) or, when symlinks are
// unavailable, a full copy. With LinkLatest the session's public latest
// pointer is atomically repointed at the new checkpoint.
func (m *Manager) establishPublicView(linkRoot, sessionName, checkpointPath string, opts FinalizeOptions) (string, error) {
	publicDir := filepath.Join(linkRoot, sessionName)
	name := filepath.Base(checkpointPath)
	publicPath := filepath.Join(publicDir, name)
	ts, _ := ParseTimestamp(name)

	if opts.SkipSymlinks {
		if err := copyTree(checkpointPath, publicPath); err != nil {
			return "", fmt.Errorf("copy checkpoint to public view: %w", err)
		}
	} else {
		if _, err := m.storage.LinkCheckpoint(publicDir, sessionName, ts); err != nil {
			return "", err
		}
	}

	if opts.LinkLatest {
		latest := filepath.Join(publicDir, latestLinkName)
		tmp := latest + ".tmp"
		_ = os.RemoveAll(tmp)

		if opts.SkipSymlinks {
			if err := copyTree(checkpointPath, tmp); err != nil {
				return "", fmt.Errorf("stage public latest copy: %w", err)
			}
		} else {
			if err := symlink.Create(tmp, checkpointPath, symlink.Options{Overwrite: true, MakeParents: true, JunctionFallback: true}); err != nil {
				return "", err
			}
		}
		if err := os.Rename(tmp, latest); err != nil {
			// POSIX rename replaces atomically; Windows needs the
			// remove-then-rename dance.
			_ = os.RemoveAll(latest)
			if err := os.Rename(tmp, latest); err != nil {
				_ = os.RemoveAll(tmp)
				return "", fmt.Errorf("repoint public latest: %w", err)
			}
		}
	}
	return publicPath, nil
}

// mergeCopy copies src's contents into dst with directory-merge semantics:
// files already present at untouched destination paths survive. Names in
// ignore (and compiled-bytecode files) are skipped entirely; files whose
// base name is in promote are additionally copied into outputDir.
func mergeCopy(src, dst string, ignore, promote map[string]bool, outputDir string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != src && (alwaysSkipNames[name] || ignore[name]) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		for _, suffix := range alwaysSkipSuffixes {
			if strings.HasSuffix(name, suffix) {
				return nil
			}
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if err := copyFile(path, target); err != nil {
			return err
		}
		if promote[name] {
			if err := os.MkdirAll(outputDir, 0755); err != nil {
				return err
			}
			if err := copyFile(path, filepath.Join(outputDir, name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// copyFile copies one regular file, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyTree recursively copies a directory, skipping symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return copyFile(path, target)
	})
}
