// app.go
package main

import (
	"context"
	"fmt"
	"time"

	"waldiez/internal/checkpoint"
	"waldiez/internal/config"
	"waldiez/internal/session"
	"waldiez/internal/watcher"
)

// sweepDebounce is how long the workspace watcher waits after an
// out-of-band removal before sweeping the affected session.
const sweepDebounce = 500 * time.Millisecond

// Broadcaster pushes events to connected clients.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// App binds the storage manager, configuration and workspace watcher into
// the surface served over WebSocket. Every exported method is callable as
// an RPC.
type App struct {
	cfg         *config.Config
	manager     *checkpoint.Manager
	watcher     *watcher.Watcher
	broadcaster Broadcaster
}

// NewApp creates the application over the configured workspace.
func NewApp(workspace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}

	storage, err := checkpoint.NewFilesystemStorage(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		manager: checkpoint.NewManager(storage),
	}, nil
}

// Startup starts the workspace watcher so out-of-band checkpoint removals
// trigger a broken-symlink sweep.
func (a *App) Startup(ctx context.Context) error {
	w, err := watcher.New(a.manager.Storage().Root(), sweepDebounce, a.sweepSession)
	if err != nil {
		return fmt.Errorf("start workspace watcher: %w", err)
	}
	a.watcher = w
	w.Start()
	return nil
}

// Shutdown stops the watcher.
func (a *App) Shutdown(ctx context.Context) {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
}

// SetBroadcaster wires the event sink used for sweep notifications.
func (a *App) SetBroadcaster(b Broadcaster) {
	a.broadcaster = b
}

func (a *App) sweepSession(sessionName string) {
	removed, err := a.manager.CleanBrokenSymlinks(sessionName)
	if err != nil || removed == 0 {
		return
	}
	if a.broadcaster != nil {
		a.broadcaster.BroadcastEvent("links-cleaned", map[string]interface{}{
			"session": sessionName,
			"removed": removed,
		})
	}
}

// SaveCheckpoint creates a new checkpoint and returns its path.
func (a *App) SaveCheckpoint(sessionName string, state, metadata map[string]interface{}) (string, error) {
	return a.manager.Save(sessionName, state, metadata)
}

// UpdateCheckpoint rewrites an existing checkpoint by directory name.
func (a *App) UpdateCheckpoint(sessionName, name string, state, metadata map[string]interface{}) (string, error) {
	return a.manager.Update(sessionName, name, state, metadata)
}

// GetCheckpoint returns the display fields of a checkpoint (latest when
// name is empty).
func (a *App) GetCheckpoint(sessionName, name string) (map[string]string, error) {
	info, err := a.manager.Get(sessionName, name)
	if err != nil {
		return nil, err
	}
	return info.Display(), nil
}

// GetCheckpointState returns a checkpoint's state document.
func (a *App) GetCheckpointState(sessionName, name string) (map[string]interface{}, error) {
	info, err := a.manager.Get(sessionName, name)
	if err != nil {
		return nil, err
	}
	return info.Checkpoint().State(), nil
}

// LinkCheckpoint symlinks a checkpoint under the given directory.
func (a *App) LinkCheckpoint(to, sessionName, name string) (string, error) {
	return a.manager.Link(to, sessionName, name)
}

// ListSessions lists every session in the workspace.
func (a *App) ListSessions() ([]string, error) {
	return a.manager.Sessions()
}

// ListCheckpoints lists checkpoints of one session, or all sessions when
// sessionName is empty.
func (a *App) ListCheckpoints(sessionName string) ([]map[string]string, error) {
	infos, err := a.manager.Checkpoints(sessionName)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(infos))
	for i, info := range infos {
		out[i] = info.Display()
	}
	return out, nil
}

// DeleteCheckpoint removes one checkpoint by directory name.
func (a *App) DeleteCheckpoint(sessionName, name string) error {
	return a.manager.Delete(sessionName, name)
}

// DeleteSession removes a session and all its checkpoints.
func (a *App) DeleteSession(sessionName string) (int, error) {
	return a.manager.DeleteSession(sessionName)
}

// Cleanup applies the retention policy to a session.
func (a *App) Cleanup(sessionName string, keepCount int) (int, error) {
	return a.manager.Cleanup(sessionName, keepCount)
}

// CleanupArchived applies the retention policy, archiving each checkpoint
// before deletion.
func (a *App) CleanupArchived(sessionName string, keepCount int, archiveDir string) (int, error) {
	return a.manager.CleanupArchived(sessionName, keepCount, archiveDir)
}

// CleanBrokenSymlinks sweeps dangling links for one or all sessions.
func (a *App) CleanBrokenSymlinks(sessionName string) (int, error) {
	return a.manager.CleanBrokenSymlinks(sessionName)
}

// CompactRegistry drops stale registry entries.
func (a *App) CompactRegistry() (int, error) {
	return a.manager.CompactRegistry()
}

// VerifyLinks reports registry entries with link issues.
func (a *App) VerifyLinks(sessionName string) (map[string][]string, error) {
	return a.manager.VerifyLinks(sessionName)
}

// SessionExists reports whether a session has at least one checkpoint.
func (a *App) SessionExists(sessionName string) bool {
	return a.manager.SessionExists(sessionName)
}

// History returns the derived message history per checkpoint.
func (a *App) History(sessionName, name string) (map[string][]map[string]interface{}, error) {
	return a.manager.History(sessionName, name)
}

// EnrichResults fills derived summary fields of a checkpoint's results
// file. Best-effort; always succeeds.
func (a *App) EnrichResults(sessionName, name string) error {
	info, err := a.manager.Get(sessionName, name)
	if err != nil {
		return err
	}
	session.EnrichResults(info.Path)
	return nil
}

// Finalize closes out a completed run with the configured defaults.
func (a *App) Finalize(sessionName, outputFile, tmpDir string, metadata map[string]interface{}) ([]string, error) {
	opts := checkpoint.DefaultFinalizeOptions()
	opts.Metadata = metadata
	opts.LinkRoot = a.cfg.LinkRoot
	opts.IgnoreNames = a.cfg.IgnoreNames
	opts.SkipSymlinks = a.cfg.SkipSymlinks

	checkpointPath, publicPath, err := a.manager.Finalize(sessionName, outputFile, tmpDir, opts)
	if err != nil {
		return nil, err
	}
	if a.broadcaster != nil {
		a.broadcaster.BroadcastEvent("run-finalized", map[string]interface{}{
			"session":    sessionName,
			"checkpoint": checkpointPath,
			"public":     publicPath,
		})
	}
	return []string{checkpointPath, publicPath}, nil
}

// ArchiveCheckpoint packs a checkpoint into a compressed archive.
func (a *App) ArchiveCheckpoint(sessionName, name, destDir string) (string, error) {
	return a.manager.Archive(sessionName, name, destDir)
}

// RestoreArchive unpacks a checkpoint archive into a session.
func (a *App) RestoreArchive(archivePath, sessionName string) (string, error) {
	return a.manager.RestoreArchive(archivePath, sessionName)
}
