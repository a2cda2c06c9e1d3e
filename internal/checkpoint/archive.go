// internal/checkpoint/archive.go
package checkpoint

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// archiveSuffix is appended to the checkpoint directory name to form the
// archive file name.
const archiveSuffix = ".tar.zst"

// Archiver is the optional capability of storage backends that can pack
// checkpoints into compressed archives and restore them.
type Archiver interface {
	ArchiveCheckpoint(session string, timestamp time.Time, destDir string) (string, error)
	RestoreArchive(archivePath, session string) (string, error)
}

// ArchiveCheckpoint packs a checkpoint directory into a zstd-compressed tar
// file under destDir, named after the checkpoint's formatted timestamp.
// Symlinks inside the checkpoint are skipped; archives carry content, not
// pointers. Returns the archive path.
func (s *FilesystemStorage) ArchiveCheckpoint(session string, timestamp time.Time, destDir string) (string, error) {
	info, err := s.GetCheckpoint(session, timestamp)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	archivePath := filepath.Join(destDir, info.Name()+archiveSuffix)

	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(info.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(info.Path, path)
		if err != nil || rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		enc.Close()
		_ = os.Remove(archivePath)
		return "", fmt.Errorf("archive checkpoint: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finish tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finish zstd: %w", err)
	}
	return archivePath, nil
}

// RestoreArchive unpacks an archive produced by ArchiveCheckpoint into the
// given session, recreating the checkpoint directory named after the
// archive file. The restored checkpoint becomes the session's latest when
// it is the most recent one. Returns the checkpoint directory path.
func (s *FilesystemStorage) RestoreArchive(archivePath, session string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(archivePath), archiveSuffix)
	timestamp, ok := ParseTimestamp(name)
	if !ok {
		return "", fmt.Errorf("archive name %s is not a checkpoint timestamp: %w", filepath.Base(archivePath), ErrInvalidArgument)
	}

	in, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	dir := s.checkpointDir(session, timestamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read archive: %w", err)
		}

		rel := filepath.FromSlash(hdr.Name)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		path := filepath.Join(dir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, fs.FileMode(hdr.Mode)); err != nil {
				return "", fmt.Errorf("restore dir %s: %w", rel, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return "", fmt.Errorf("restore parent of %s: %w", rel, err)
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return "", fmt.Errorf("restore file %s: %w", rel, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return "", fmt.Errorf("restore file %s: %w", rel, err)
			}
			f.Close()
		}
	}

	infos := s.listCheckpointInfos(session)
	if len(infos) > 0 && infos[0].Path == dir {
		if err := s.repointLatest(session, dir); err != nil {
			return "", err
		}
	}
	return dir, nil
}
