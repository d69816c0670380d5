package storage

import "sync"

const (
	// InvalidModTime is a maxed-out 32-bit mtime some servers stored for a
	// while. A remote file carrying it is never trusted.
	InvalidModTime int64 = 2147483647

	hourMs   int64 = 3_600_000
	secondMs int64 = 1000
)

// Decision is the outcome of comparing local and remote file metadata.
type Decision int

const (
	// DecisionProceed means transfer as planned.
	DecisionProceed Decision = iota
	// DecisionSkip means both sides already match.
	DecisionSkip
	// DecisionForce means the remote metadata is invalid and the local
	// file wins.
	DecisionForce
	// DecisionConflict means the remote file changed since the last sync.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionProceed:
		return "proceed"
	case DecisionSkip:
		return "skip"
	case DecisionForce:
		return "force"
	case DecisionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// MatchReason says why local and remote were considered equal.
type MatchReason int

const (
	MatchNone MatchReason = iota
	MatchExact
	MatchFloored
	MatchHourOffset
	MatchHash
)

func (m MatchReason) String() string {
	switch m {
	case MatchExact:
		return "mtime"
	case MatchFloored:
		return "mtime_floored"
	case MatchHourOffset:
		return "mtime_hour_offset"
	case MatchHash:
		return "hash"
	default:
		return "none"
	}
}

// LocalMeta is the local side of a comparison.
type LocalMeta struct {
	ModTime   int64
	Hash      string
	MultiFile bool
}

// LocalMetaOf extracts the comparison fields from an attachment.
func LocalMetaOf(a *Attachment) LocalMeta {
	return LocalMeta{
		ModTime:   a.ModTime,
		Hash:      a.Hash,
		MultiFile: a.IsMultiFile(),
	}
}

// MatchesTime compares two millisecond mtimes, tolerating second
// precision filesystems and a one-hour time zone shift.
func MatchesTime(local, remote int64) MatchReason {
	if local == remote {
		return MatchExact
	}

	fl, fr := floorSecond(local), floorSecond(remote)
	if fr == local || fl == remote {
		return MatchFloored
	}

	// Flooring applies to one side at a time; two fractional times an
	// hour apart after flooring both are different files.
	if abs(local-remote) == hourMs ||
		abs(local-fr) == hourMs ||
		abs(fl-remote) == hourMs {
		return MatchHourOffset
	}

	return MatchNone
}

// MatchesRemote applies the skip rules: mtime equality first, then the
// content hash for uncompressed single files.
func MatchesRemote(local LocalMeta, remote FileInfo) MatchReason {
	if r := MatchesTime(local.ModTime, remote.ModTime); r != MatchNone {
		return r
	}

	if !remote.Compressed && !local.MultiFile && local.Hash != "" && local.Hash == remote.Hash {
		return MatchHash
	}

	return MatchNone
}

// DetectConflict decides what an upload should do given the remote file
// and the last mtime known to match the server. The invalid-mtime
// sentinel is checked first so it forces the upload regardless of the
// local time or the ledger.
func DetectConflict(local LocalMeta, remote FileInfo, syncedModTime int64) Decision {
	if remote.ModTime == InvalidModTime {
		return DecisionForce
	}

	if MatchesRemote(local, remote) != MatchNone {
		return DecisionSkip
	}

	if syncedModTime != remote.ModTime {
		return DecisionConflict
	}

	return DecisionProceed
}

func floorSecond(ms int64) int64 {
	r := ms % secondMs
	if r < 0 {
		r += secondMs
	}

	return ms - r
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}

// ConflictSide is one side of a conflict.
type ConflictSide struct {
	ModTime int64 `json:"mtime"`
}

// ConflictRecord pairs local and remote metadata for user reconciliation.
type ConflictRecord struct {
	RequestName  string       `json:"name"`
	AttachmentID string       `json:"attachment_id"`
	Local        ConflictSide `json:"local"`
	Remote       ConflictSide `json:"remote"`
}

// Conflicts collects conflict records. Safe for concurrent use.
type Conflicts struct {
	mu      sync.Mutex
	records []ConflictRecord
}

// Add queues a conflict record.
func (c *Conflicts) Add(rec ConflictRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// All returns a copy of the queued records.
func (c *Conflicts) All() []ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ConflictRecord, len(c.records))
	copy(out, c.records)

	return out
}

// Len returns the number of queued records.
func (c *Conflicts) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.records)
}
