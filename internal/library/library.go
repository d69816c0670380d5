// Package library is the local attachment repository: a YAML manifest of
// attachment items over a Zotero-style storage directory where each item
// keeps its files in <storage>/<key>/.
package library

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/storage"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// storageDirPerm is the permission mode for the storage directory and the
// per-item directories created inside it.
const storageDirPerm = fs.FileMode(0o755)

// Manifest is the on-disk description of the library.
type Manifest struct {
	Libraries   []storage.Library `yaml:"libraries"`
	Attachments []Entry           `yaml:"attachments"`
}

// Entry is one attachment item. Filename may be empty for items whose file
// has never been downloaded; the server's filename is used then.
type Entry struct {
	ID        string `yaml:"id"`
	Key       string `yaml:"key"`
	LibraryID int64  `yaml:"library_id"`
	Filename  string `yaml:"filename,omitempty"`
}

// Library serves attachments from a manifest. Reload swaps the manifest
// atomically; readers always see a complete one.
type Library struct {
	manifestPath  string
	storageDir    string
	includeGroups bool

	mu        sync.RWMutex
	entries   map[string]Entry
	order     []string
	byKey     map[string]string
	libraries map[int64]storage.Library
}

// Config configures a Library.
type Config struct {
	ManifestPath string
	StorageDir   string

	// IncludeGroups lists group library attachments in AttachmentIDs.
	IncludeGroups bool
}

var (
	_ storage.AttachmentStore  = (*Library)(nil)
	_ storage.AttachmentLister = (*Library)(nil)
)

// Open loads the manifest and creates the storage directory if needed.
func Open(cfg Config) (*Library, error) {
	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("storage directory must not be empty")
	}

	if err := os.MkdirAll(cfg.StorageDir, storageDirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory %s: %w", cfg.StorageDir, err)
	}

	l := &Library{
		manifestPath:  cfg.ManifestPath,
		storageDir:    cfg.StorageDir,
		includeGroups: cfg.IncludeGroups,
	}

	if err := l.Reload(); err != nil {
		return nil, err
	}

	return l, nil
}

// StorageDir returns the root directory holding attachment directories.
func (l *Library) StorageDir() string {
	return l.storageDir
}

// ManifestPath returns the manifest file location.
func (l *Library) ManifestPath() string {
	return l.manifestPath
}

// Reload re-reads the manifest.
func (l *Library) Reload() error {
	data, err := os.ReadFile(l.manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidManifest, err)
	}

	libraries := make(map[int64]storage.Library, len(m.Libraries))
	for _, lib := range m.Libraries {
		if lib.ID <= 0 {
			return fmt.Errorf("%w: library id must be positive", apperrors.ErrInvalidManifest)
		}

		libraries[lib.ID] = lib
	}

	entries := make(map[string]Entry, len(m.Attachments))
	byKey := make(map[string]string, len(m.Attachments))
	order := make([]string, 0, len(m.Attachments))

	for i, e := range m.Attachments {
		if err := validateEntry(e, libraries); err != nil {
			return fmt.Errorf("%w: attachment %d: %v", apperrors.ErrInvalidManifest, i, err)
		}

		if _, dup := entries[e.ID]; dup {
			return fmt.Errorf("%w: duplicate attachment id %q", apperrors.ErrInvalidManifest, e.ID)
		}

		if _, dup := byKey[e.Key]; dup {
			return fmt.Errorf("%w: duplicate attachment key %q", apperrors.ErrInvalidManifest, e.Key)
		}

		e.Filename = norm.NFC.String(e.Filename)
		entries[e.ID] = e
		byKey[e.Key] = e.ID
		order = append(order, e.ID)
	}

	l.mu.Lock()
	l.entries = entries
	l.byKey = byKey
	l.order = order
	l.libraries = libraries
	l.mu.Unlock()

	return nil
}

func validateEntry(e Entry, libraries map[int64]storage.Library) error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}

	if !validKey(e.Key) {
		return fmt.Errorf("invalid key %q", e.Key)
	}

	if _, ok := libraries[e.LibraryID]; !ok {
		return fmt.Errorf("unknown library %d", e.LibraryID)
	}

	if e.Filename != "" && filepath.Base(e.Filename) != e.Filename {
		return fmt.Errorf("filename %q must not contain a path", e.Filename)
	}

	return nil
}

// validKey accepts item keys that are safe both as a directory name and
// as a URL path segment.
func validKey(key string) bool {
	if key == "" {
		return false
	}

	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		default:
			return false
		}
	}

	return true
}

// AttachmentIDs lists attachments in manifest order. Group library
// attachments are left out unless the library includes groups.
func (l *Library) AttachmentIDs(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.order))

	for _, id := range l.order {
		if !l.includeGroups && l.libraries[l.entries[id].LibraryID].IsGroup() {
			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// IDForKey returns the attachment id for an item key.
func (l *Library) IDForKey(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byKey[key]

	return id, ok
}

// Attachment builds a fresh view of an attachment from disk.
func (l *Library) Attachment(ctx context.Context, id string) (*storage.Attachment, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	lib := l.libraries[e.LibraryID]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrAttachmentNotFound)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(l.storageDir, e.Key)

	a := &storage.Attachment{
		ID:      e.ID,
		Key:     e.Key,
		Library: lib,
		Dir:     dir,
	}

	if e.Filename != "" {
		a.Path = filepath.Join(dir, e.Filename)
	}

	n, err := countFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	a.NumFiles = n

	if a.Path == "" && n == 1 {
		// Items downloaded before the manifest named their file keep the
		// server's filename; a lone file in the directory is that file.
		name, err := soleFile(dir)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}

		if name != "" {
			a.Path = filepath.Join(dir, name)
		}
	}

	if a.Path == "" {
		return a, nil
	}

	info, err := os.Stat(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}

		return nil, fmt.Errorf("stat %s: %w", a.Path, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", a.Path)
	}

	hash, err := md5File(a.Path)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", a.Path, err)
	}

	a.Exists = true
	a.ModTime = info.ModTime().UnixMilli()
	a.Hash = hash

	return a, nil
}

// countFiles counts the regular, non-hidden files under dir. A missing
// directory has no files.
func countFiles(dir string) (int, error) {
	n := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return fs.SkipAll
			}

			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type().IsRegular() {
			n++
		}

		return nil
	})

	return n, err
}

// soleFile returns the name of the only regular, non-hidden file directly
// inside dir, or "" when there is not exactly one.
func soleFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	name := ""

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}

		if name != "" {
			return "", nil
		}

		name = e.Name()
	}

	return name, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is inside the storage dir
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // the storage protocol identifies content by md5
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// KeyForPath maps a path inside the storage directory to the item key of
// the attachment directory it belongs to.
func (l *Library) KeyForPath(absPath string) (string, bool) {
	rel, err := filepath.Rel(l.storageDir, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	key, _, _ := strings.Cut(filepath.ToSlash(rel), "/")

	return key, validKey(key)
}
