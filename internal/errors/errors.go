package errors

import "errors"

// Library errors.
var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrInvalidManifest    = errors.New("invalid library manifest")
	ErrLocalFileMissing   = errors.New("local attachment file missing")
	ErrUnsafeArchivePath  = errors.New("archive entry escapes attachment directory")
)

// Sync errors.
var (
	ErrMissingUserID     = errors.New("no user id configured")
	ErrInvalidPurgeValue = errors.New("invalid zfsPurge value")
	ErrPartialSync       = errors.New("sync finished with unfinished work")
)
