// internal/checkpoint/storage_test.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *FilesystemStorage {
	t.Helper()
	storage, err := NewFilesystemStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStorage failed: %v", err)
	}
	return storage
}

func readRegistry(t *testing.T, storage *FilesystemStorage) map[string][]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(storage.Root(), registryFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]string{}
	}
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	var entries map[string][]string
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	return entries
}

func TestFilesystemStorage_SaveGetRoundTrip(t *testing.T) {
	storage := newTestStorage(t)

	path, err := storage.SaveCheckpoint("s", map[string]interface{}{"a": 1}, nil, time.Time{})
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	info, err := storage.GetCheckpoint("s", time.Time{})
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if info.Path != path {
		t.Errorf("path = %q, want %q", info.Path, path)
	}
	if state := info.Checkpoint().State(); state["a"] != float64(1) {
		t.Errorf("state = %v, want a=1", state)
	}

	// No metadata was given, so no metadata.json must exist.
	if _, err := os.Stat(filepath.Join(path, "metadata.json")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("metadata.json written for empty metadata")
	}
}

func TestFilesystemStorage_SaveWithMetadata(t *testing.T) {
	storage := newTestStorage(t)

	path, err := storage.SaveCheckpoint("s", nil, map[string]interface{}{"run": "x"}, time.Time{})
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	info, _ := storage.GetCheckpoint("s", time.Time{})
	if info.Checkpoint().Metadata()["run"] != "x" {
		t.Error("metadata not persisted")
	}
	if _, err := os.Stat(filepath.Join(path, "state.json")); err != nil {
		t.Errorf("state.json missing: %v", err)
	}
}

func TestFilesystemStorage_UpdateReusesTimestamp(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	first, err := storage.SaveCheckpoint("s", map[string]interface{}{"v": 1}, nil, ts)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second, err := storage.SaveCheckpoint("s", map[string]interface{}{"v": 2}, nil, ts)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if first != second {
		t.Errorf("update created a new directory: %q vs %q", first, second)
	}

	infos, _ := storage.ListCheckpoints("s")
	if len(infos) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(infos))
	}
	if infos[0].Checkpoint().State()["v"] != float64(2) {
		t.Error("update did not overwrite state")
	}
}

func TestFilesystemStorage_LatestSemantics(t *testing.T) {
	storage := newTestStorage(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1, t2, t3 := base, base.Add(time.Second), base.Add(2*time.Second)

	for _, ts := range []time.Time{t1, t2, t3} {
		if _, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts); err != nil {
			t.Fatalf("save at %v failed: %v", ts, err)
		}
	}

	info, err := storage.GetCheckpoint("s", time.Time{})
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !info.Timestamp.Equal(t3) {
		t.Errorf("latest = %v, want %v", info.Timestamp, t3)
	}

	// The latest symlink must resolve to the newest checkpoint dir.
	latest := filepath.Join(storage.Root(), "s", latestLinkName)
	resolved, err := filepath.EvalSymlinks(latest)
	if err != nil {
		t.Fatalf("resolve latest: %v", err)
	}
	wantDir, _ := filepath.EvalSymlinks(info.Path)
	if resolved != wantDir {
		t.Errorf("latest resolves to %q, want %q", resolved, wantDir)
	}

	if err := storage.DeleteCheckpoint("s", t3); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	info, err = storage.GetCheckpoint("s", time.Time{})
	if err != nil {
		t.Fatalf("GetCheckpoint after delete failed: %v", err)
	}
	if !info.Timestamp.Equal(t2) {
		t.Errorf("latest after delete = %v, want %v", info.Timestamp, t2)
	}
}

func TestFilesystemStorage_GetMissingCheckpoint(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := storage.GetCheckpoint("nope", ts)
	if !IsNotFound(err) {
		t.Errorf("missing checkpoint error = %v, want not-found", err)
	}
	_, err = storage.GetCheckpoint("nope", time.Time{})
	if !IsNotFound(err) {
		t.Errorf("missing session error = %v, want not-found", err)
	}
}

func TestFilesystemStorage_CleanupRetainsExactly(t *testing.T) {
	storage := newTestStorage(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if _, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	deleted, err := storage.CleanupOldCheckpoints("s", 3)
	if err != nil {
		t.Fatalf("CleanupOldCheckpoints failed: %v", err)
	}
	if deleted != 7 {
		t.Errorf("deleted = %d, want 7", deleted)
	}

	infos, _ := storage.ListCheckpoints("s")
	if len(infos) != 3 {
		t.Fatalf("remaining = %d, want 3", len(infos))
	}
	for i, want := range []time.Time{base.Add(9 * time.Second), base.Add(8 * time.Second), base.Add(7 * time.Second)} {
		if !infos[i].Timestamp.Equal(want) {
			t.Errorf("remaining[%d] = %v, want %v", i, infos[i].Timestamp, want)
		}
	}
}

func TestFilesystemStorage_CleanupKeepZeroDeletesAll(t *testing.T) {
	storage := newTestStorage(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		storage.SaveCheckpoint("s", map[string]interface{}{}, nil, base.Add(time.Duration(i)*time.Second))
	}

	deleted, err := storage.CleanupOldCheckpoints("s", 0)
	if err != nil {
		t.Fatalf("CleanupOldCheckpoints failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	infos, _ := storage.ListCheckpoints("s")
	if len(infos) != 0 {
		t.Errorf("remaining = %d, want 0", len(infos))
	}
}

func TestFilesystemStorage_LinkRegistration(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Internal link: inside the workspace, never registered.
	internalDir := filepath.Join(storage.Root(), "views")
	if _, err := storage.LinkCheckpoint(internalDir, "s", ts); err != nil {
		t.Fatalf("internal LinkCheckpoint failed: %v", err)
	}
	if entries := readRegistry(t, storage); len(entries[path]) != 0 {
		t.Errorf("internal link was registered: %v", entries)
	}

	// External link: outside the workspace, always registered.
	externalDir := t.TempDir()
	linkPath, err := storage.LinkCheckpoint(externalDir, "s", ts)
	if err != nil {
		t.Fatalf("external LinkCheckpoint failed: %v", err)
	}
	entries := readRegistry(t, storage)
	if len(entries[path]) != 1 || entries[path][0] != linkPath {
		t.Errorf("registry entry = %v, want [%s]", entries[path], linkPath)
	}

	// Linking again is idempotent on both the filesystem and the registry.
	if _, err := storage.LinkCheckpoint(externalDir, "s", ts); err != nil {
		t.Fatalf("repeat LinkCheckpoint failed: %v", err)
	}
	if entries := readRegistry(t, storage); len(entries[path]) != 1 {
		t.Errorf("duplicate registry entry: %v", entries[path])
	}
}

func TestFilesystemStorage_DeleteRemovesExternalLinks(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path, _ := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)

	externalDir := t.TempDir()
	linkPath, err := storage.LinkCheckpoint(externalDir, "s", ts)
	if err != nil {
		t.Fatalf("LinkCheckpoint failed: %v", err)
	}

	if err := storage.DeleteCheckpoint("s", ts); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := os.Lstat(linkPath); !errors.Is(err, fs.ErrNotExist) {
		t.Error("external link survived checkpoint deletion")
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Error("checkpoint dir survived deletion")
	}
	if entries := readRegistry(t, storage); len(entries[path]) != 0 {
		t.Error("registry still mentions deleted checkpoint")
	}
}

func TestFilesystemStorage_CleanBrokenSymlinks(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path, _ := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)

	externalDir := t.TempDir()
	linkPath, err := storage.LinkCheckpoint(externalDir, "s", ts)
	if err != nil {
		t.Fatalf("LinkCheckpoint failed: %v", err)
	}

	// Delete the checkpoint out-of-band, bypassing DeleteCheckpoint.
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("out-of-band remove: %v", err)
	}

	removed, err := storage.CleanBrokenSymlinks("")
	if err != nil {
		t.Fatalf("CleanBrokenSymlinks failed: %v", err)
	}
	if removed < 2 {
		t.Errorf("removed = %d, want at least 2 (latest + external)", removed)
	}

	latest := filepath.Join(storage.Root(), "s", latestLinkName)
	if _, err := os.Lstat(latest); !errors.Is(err, fs.ErrNotExist) {
		t.Error("dangling latest link survived sweep")
	}
	if _, err := os.Lstat(linkPath); !errors.Is(err, fs.ErrNotExist) {
		t.Error("dangling external link survived sweep")
	}
	if entries := readRegistry(t, storage); len(entries[path]) != 0 {
		t.Error("registry still mentions swept checkpoint")
	}
}

func TestFilesystemStorage_RegistryCorruptionRecovery(t *testing.T) {
	root := t.TempDir()
	registryPath := filepath.Join(root, registryFileName)
	if err := os.WriteFile(registryPath, []byte("\x00not json at all"), 0644); err != nil {
		t.Fatalf("write corrupt registry: %v", err)
	}

	storage, err := NewFilesystemStorage(root)
	if err != nil {
		t.Fatalf("NewFilesystemStorage failed on corrupt registry: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, corruptedFileName)); err != nil {
		t.Errorf("corrupted backup missing: %v", err)
	}
	if entries := readRegistry(t, storage); len(entries) != 0 {
		t.Errorf("registry not reset: %v", entries)
	}

	// The instance must be fully functional afterwards.
	if _, err := storage.SaveCheckpoint("s", map[string]interface{}{"ok": true}, nil, time.Time{}); err != nil {
		t.Errorf("save after recovery failed: %v", err)
	}
}

func TestFilesystemStorage_RegistryDiscardsMalformedEntries(t *testing.T) {
	root := t.TempDir()
	raw := `{"/a": ["x"], "/b": "not a list", "/c": [1, 2], "/d": []}`
	if err := os.WriteFile(filepath.Join(root, registryFileName), []byte(raw), 0644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	storage, err := NewFilesystemStorage(root)
	if err != nil {
		t.Fatalf("NewFilesystemStorage failed: %v", err)
	}
	storage.registry.mu.Lock()
	defer storage.registry.mu.Unlock()
	if _, ok := storage.registry.entries["/a"]; !ok {
		t.Error("valid entry /a discarded")
	}
	if _, ok := storage.registry.entries["/b"]; ok {
		t.Error("non-list entry /b kept")
	}
	if _, ok := storage.registry.entries["/c"]; ok {
		t.Error("non-string-list entry /c kept")
	}
	if _, ok := storage.registry.entries["/d"]; !ok {
		t.Error("empty list entry /d discarded")
	}
}

func TestFilesystemStorage_TransactionRollback(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)

	externalDir := t.TempDir()
	if _, err := storage.LinkCheckpoint(externalDir, "s", ts); err != nil {
		t.Fatalf("LinkCheckpoint failed: %v", err)
	}
	before := readRegistry(t, storage)

	boom := errors.New("boom")
	err := storage.Transaction(func() error {
		ts2 := ts.Add(time.Second)
		if _, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts2); err != nil {
			return err
		}
		if _, err := storage.LinkCheckpoint(t.TempDir(), "s", ts2); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v, want boom", err)
	}

	after := readRegistry(t, storage)
	if len(after) != len(before) {
		t.Fatalf("registry entries = %v, want rollback to %v", after, before)
	}
	for path, links := range before {
		got := after[path]
		if len(got) != len(links) {
			t.Errorf("entry %s = %v, want %v", path, got, links)
		}
	}
}

func TestFilesystemStorage_BatchDelete(t *testing.T) {
	storage := newTestStorage(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	var refs []CheckpointRef
	var paths []string
	var links []string
	externalDir := t.TempDir()
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		path, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)
		if err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
		link, err := storage.LinkCheckpoint(externalDir, "s", ts)
		if err != nil {
			t.Fatalf("link %d failed: %v", i, err)
		}
		refs = append(refs, CheckpointRef{Session: "s", Timestamp: ts})
		paths = append(paths, path)
		links = append(links, link)
	}

	// Two nonexistent pairs are skipped silently.
	refs = append(refs,
		CheckpointRef{Session: "s", Timestamp: base.Add(time.Hour)},
		CheckpointRef{Session: "ghost", Timestamp: base},
	)

	deleted, err := storage.DeleteCheckpointsBatch(refs)
	if err != nil {
		t.Fatalf("DeleteCheckpointsBatch failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("checkpoint %s survived batch delete", path)
		}
	}
	for _, link := range links {
		if _, err := os.Lstat(link); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("external link %s survived batch delete", link)
		}
	}
	if entries := readRegistry(t, storage); len(entries) != 0 {
		t.Errorf("registry not emptied: %v", entries)
	}
}

func TestFilesystemStorage_BatchDeleteDuplicateRefs(t *testing.T) {
	storage := newTestStorage(t)
	t1 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	if _, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, t1); err != nil {
		t.Fatalf("save t1 failed: %v", err)
	}
	if _, err := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, t2); err != nil {
		t.Fatalf("save t2 failed: %v", err)
	}

	// The same pair repeated must count once, not once per occurrence.
	refs := []CheckpointRef{
		{Session: "s", Timestamp: t1},
		{Session: "s", Timestamp: t1},
		{Session: "s", Timestamp: t2},
		{Session: "s", Timestamp: t1},
	}
	deleted, err := storage.DeleteCheckpointsBatch(refs)
	if err != nil {
		t.Fatalf("DeleteCheckpointsBatch failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
}

func TestFilesystemStorage_CompactRegistry(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path, _ := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)

	externalDir := t.TempDir()
	if _, err := storage.LinkCheckpoint(externalDir, "s", ts); err != nil {
		t.Fatalf("LinkCheckpoint failed: %v", err)
	}

	// Remove the checkpoint out-of-band so its entry goes stale.
	os.RemoveAll(path)

	removed, err := storage.CompactRegistry()
	if err != nil {
		t.Fatalf("CompactRegistry failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if entries := readRegistry(t, storage); len(entries) != 0 {
		t.Errorf("registry not compacted: %v", entries)
	}
}

func TestFilesystemStorage_VerifyLinks(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path, _ := storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)

	externalDir := t.TempDir()
	linkPath, err := storage.LinkCheckpoint(externalDir, "s", ts)
	if err != nil {
		t.Fatalf("LinkCheckpoint failed: %v", err)
	}

	issues, err := storage.VerifyLinks("")
	if err != nil {
		t.Fatalf("VerifyLinks failed: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("healthy workspace reported issues: %v", issues)
	}

	// Remove the link: the entry must report it missing.
	os.Remove(linkPath)
	issues, _ = storage.VerifyLinks("")
	if len(issues[path]) != 1 {
		t.Fatalf("issues = %v, want one for %s", issues, path)
	}

	// Session filter excludes other sessions.
	issues, _ = storage.VerifyLinks("other")
	if len(issues) != 0 {
		t.Errorf("filtered VerifyLinks reported %v", issues)
	}
}

func TestFilesystemStorage_ListSessionsReverseOrder(t *testing.T) {
	storage := newTestStorage(t)
	for _, name := range []string{"alpha", "charlie", "bravo"} {
		if _, err := storage.SaveCheckpoint(name, map[string]interface{}{}, nil, time.Time{}); err != nil {
			t.Fatalf("save for %s failed: %v", name, err)
		}
	}

	sessions, err := storage.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	want := []string{"charlie", "bravo", "alpha"}
	if len(sessions) != len(want) {
		t.Fatalf("sessions = %v, want %v", sessions, want)
	}
	for i := range want {
		if sessions[i] != want[i] {
			t.Errorf("sessions[%d] = %q, want %q", i, sessions[i], want[i])
		}
	}
}

func TestFilesystemStorage_ListCheckpointsIgnoresJunk(t *testing.T) {
	storage := newTestStorage(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	storage.SaveCheckpoint("s", map[string]interface{}{}, nil, ts)

	// A directory that parses as a timestamp but has no state.json, and one
	// with an unparsable name; neither may appear in listings.
	sessionDir := filepath.Join(storage.Root(), "s")
	os.Mkdir(filepath.Join(sessionDir, "20240101_130000_000000"), 0755)
	os.Mkdir(filepath.Join(sessionDir, "notes"), 0755)

	infos, _ := storage.ListCheckpoints("s")
	if len(infos) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(infos))
	}
	if !infos[0].Timestamp.Equal(ts) {
		t.Errorf("checkpoint = %v, want %v", infos[0].Timestamp, ts)
	}
}
