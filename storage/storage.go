// Package storage holds the backend-independent parts of attachment file
// sync: the attachment and ledger contracts, the conflict rules, the error
// taxonomy, request lifecycle and the queues that drive a sync run.
// Backends such as zfs implement Mode.
package storage

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -source=storage.go -destination=storagemock/mocks.go -package=storagemock

// Library identifies who owns the storage quota for an attachment.
// GroupID is zero for the personal library.
type Library struct {
	ID        int64  `json:"id" yaml:"library_id"`
	GroupID   int64  `json:"group_id" yaml:"group_id"`
	GroupName string `json:"group_name" yaml:"name"`
}

// IsGroup reports whether the library belongs to a group.
func (l Library) IsGroup() bool {
	return l.GroupID != 0
}

// Attachment is the subset of a local attachment item the sync core reads.
// ModTime is in milliseconds since the epoch. Hash is the md5 hex digest of
// the primary file and only meaningful when NumFiles is 1.
type Attachment struct {
	ID       string
	Key      string
	Library  Library
	Dir      string
	Path     string
	NumFiles int
	ModTime  int64
	Hash     string
	Exists   bool
}

// IsMultiFile reports whether the attachment is transferred as a zip.
func (a *Attachment) IsMultiFile() bool {
	return a.NumFiles > 1
}

// Name is the request name used in logs and conflict records:
// "<libraryID>/<key>".
func (a *Attachment) Name() string {
	return fmt.Sprintf("%d/%s", a.Library.ID, a.Key)
}

// FileInfo is the remote metadata for an attachment file. ModTime is in
// milliseconds on the server clock.
type FileInfo struct {
	Hash       string
	Filename   string
	ModTime    int64
	Compressed bool
}

// SyncState is the per-attachment ledger state.
type SyncState int

const (
	StateUnsynced SyncState = iota
	StateInSync
	StateForceUpload
)

func (s SyncState) String() string {
	switch s {
	case StateUnsynced:
		return "unsynced"
	case StateInSync:
		return "in_sync"
	case StateForceUpload:
		return "force_upload"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// AttachmentStore is the local item repository. Attachment must return a
// fresh view of the files on disk each time it is called.
type AttachmentStore interface {
	Attachment(ctx context.Context, id string) (*Attachment, error)
}

// LedgerTx is the set of ledger operations available inside a single
// transaction.
type LedgerTx interface {
	State(id string) (SyncState, error)
	SetState(id string, state SyncState) error
	SyncedModTime(id string) (int64, error)
	SetSyncedModTime(id string, mtime int64, markChanged bool) error
	SyncedHash(id string) (string, error)
	SetSyncedHash(id string, hash string, markChanged bool) error
}

// Ledger persists sync state. Update commits every mutation made by fn or
// none of them when fn returns an error.
type Ledger interface {
	View(fn func(tx LedgerTx) error) error
	Update(fn func(tx LedgerTx) error) error
}

// Settings is the persisted (setting, key) -> value table plus the schema
// version table.
type Settings interface {
	Setting(setting, key string) (string, bool, error)
	SetSetting(setting, key, value string) error
	DeleteSetting(setting, key string) error
	Version(name string) (int64, bool, error)
	SetVersion(name string, value int64) error
}

// EventSink receives progress and outcome notifications. Implementations
// must be safe for concurrent use.
type EventSink interface {
	Progress(req *Request, transferred, total int64)
	Warning(err error)
	Error(req *Request, err error)
	ChangesMade()
}

// ClientResetter performs a full local sync-state reset after the server
// reports that an item it should know about is missing.
type ClientResetter interface {
	ResetClient(ctx context.Context) error
}

// Mode is one storage backend.
type Mode interface {
	Name() string
	DownloadFile(ctx context.Context, req *Request) (Result, error)
	UploadFile(ctx context.Context, req *Request) (Result, error)
	LastSyncTime(ctx context.Context) (*time.Time, error)
	SetLastSyncTime(ctx context.Context, useCached bool) error
	PurgeDeletedFiles(ctx context.Context) (bool, error)
}

// Outcome describes how a successful request ended.
type Outcome int

const (
	// OutcomeTransferred means file content crossed the network.
	OutcomeTransferred Outcome = iota
	// OutcomeSkipped means local and remote already matched.
	OutcomeSkipped
	// OutcomeExists means the server already had the file content.
	OutcomeExists
	// OutcomeConflict means a conflict record was queued.
	OutcomeConflict
	// OutcomeNotFound means there was no remote file to download.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTransferred:
		return "transferred"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeExists:
		return "exists"
	case OutcomeConflict:
		return "conflict"
	case OutcomeNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is returned by a finished pipeline.
type Result struct {
	Outcome Outcome
	Bytes   int64
}
