package zfs

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/klauspost/compress/zip"
)

// createArchive zips every regular file under dir into dest. Hidden files
// are left out. The zip is written to a temp name and renamed into place.
func createArchive(dir, dest string) error {
	tmpPath := dest + ".part"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	zw := zip.NewWriter(f)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		return addArchiveEntry(zw, path, filepath.ToSlash(rel))
	})

	if walkErr == nil {
		walkErr = zw.Close()
	}

	if walkErr == nil {
		walkErr = f.Sync()
	}

	if cerr := f.Close(); walkErr == nil {
		walkErr = cerr
	}

	if walkErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing archive: %w", walkErr)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming archive: %w", err)
	}

	return nil
}

func addArchiveEntry(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(w, src)

	return err
}

// extractArchive unpacks src into dir. Entries that would land outside dir
// abort the extraction before anything is written for them.
func extractArchive(src, dir string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment dir: %w", err)
	}

	var written []string

	for _, entry := range zr.File {
		target, err := archiveTarget(dir, entry.Name)
		if err != nil {
			return written, err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}

			continue
		}

		if err := extractEntry(entry, target); err != nil {
			return written, fmt.Errorf("extracting %s: %w", entry.Name, err)
		}

		written = append(written, target)
	}

	return written, nil
}

// archiveTarget resolves an entry name inside dir.
func archiveTarget(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%q: %w", name, apperrors.ErrUnsafeArchivePath)
	}

	target := filepath.Join(dir, filepath.FromSlash(name))

	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", name, apperrors.ErrUnsafeArchivePath)
	}

	return target, nil
}

func extractEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := writeFileAtomic(target, rc); err != nil {
		return err
	}

	if mod := entry.Modified; !mod.IsZero() {
		return os.Chtimes(target, mod, mod)
	}

	return nil
}

// writeFileAtomic writes r to a sibling temp file, fsyncs it and renames
// it over path.
func writeFileAtomic(path string, r io.Reader) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)

		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)

		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return nil
}

// moveFile renames src to dst, copying when they sit on different
// filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(dst, in); err != nil {
		in.Close()
		return err
	}

	in.Close()

	return os.Remove(src)
}

// setModTime sets a file's mtime from epoch milliseconds.
func setModTime(path string, ms int64) error {
	t := time.UnixMilli(ms)
	return os.Chtimes(path, t, t)
}

// fileMD5 returns the md5 hex digest and size of a file.
func fileMD5(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // the storage protocol identifies content by md5
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
