package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// VersionKey is the version-table entry holding the last storage sync
// time confirmed by the server, in epoch seconds.
const VersionKey = "storage_zfs"

// AttachmentLister enumerates the attachments a run should consider.
type AttachmentLister interface {
	AttachmentIDs(ctx context.Context) ([]string, error)
}

// RunStarter is implemented by modes that keep per-run session state.
type RunStarter interface {
	BeginRun()
}

// RunOptions selects the work for one run.
type RunOptions struct {
	Uploads   []string
	Downloads []string

	// Force runs the download queue even when the server's last sync
	// time matches the one recorded locally.
	Force bool
}

// Report summarizes a run.
type Report struct {
	Purged       bool
	FullSync     bool
	LastSyncTime *time.Time
	Uploads      *QueueReport
	Downloads    *QueueReport
	Conflicts    []ConflictRecord
}

// PartialSuccess reports whether the run completed but left work undone.
func (r *Report) PartialSuccess() bool {
	for _, q := range []*QueueReport{r.Uploads, r.Downloads} {
		if q != nil && (q.Stopped || len(q.Failed) > 0) {
			return true
		}
	}

	return len(r.Conflicts) > 0
}

// Runner drives one sync run against a Mode.
type Runner struct {
	mode         Mode
	settings     Settings
	conflicts    *Conflicts
	sink         EventSink
	logger       *slog.Logger
	maxUploads   int
	maxDownloads int
}

// RunnerConfig holds the Runner dependencies.
type RunnerConfig struct {
	Mode         Mode
	Settings     Settings
	Conflicts    *Conflicts
	Sink         EventSink
	MaxUploads   int
	MaxDownloads int
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	return &Runner{
		mode:         cfg.Mode,
		settings:     cfg.Settings,
		conflicts:    cfg.Conflicts,
		sink:         cfg.Sink,
		logger:       logger,
		maxUploads:   cfg.MaxUploads,
		maxDownloads: cfg.MaxDownloads,
	}
}

// Run performs purge, the last-sync gate, downloads and uploads, then
// records the new last sync time. Per-item failures end up in the
// report; only fatal errors are returned.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if rs, ok := r.mode.(RunStarter); ok {
		rs.BeginRun()
	}

	report := &Report{}

	purged, err := r.mode.PurgeDeletedFiles(ctx)
	if err != nil {
		r.sink.Warning(fmt.Errorf("purging deleted files: %w", err))
	}

	report.Purged = purged

	remote, err := r.mode.LastSyncTime(ctx)
	if err != nil {
		return report, fmt.Errorf("getting last sync time: %w", err)
	}

	report.LastSyncTime = remote

	report.FullSync, err = r.needsFullSync(remote)
	if err != nil {
		return report, err
	}

	downloads := opts.Downloads
	if !report.FullSync && !opts.Force {
		r.logger.Info("remote storage unchanged since last sync, skipping download check")

		downloads = nil
	}

	uq := NewQueue(KindUpload, r.mode, r.maxUploads, r.sink, r.logger)
	dq := NewQueue(KindDownload, r.mode, r.maxDownloads, r.sink, r.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rep, err := dq.Run(gctx, downloads)
		report.Downloads = rep

		return err
	})
	g.Go(func() error {
		rep, err := uq.Run(gctx, opts.Uploads)
		report.Uploads = rep

		return err
	})

	if err := g.Wait(); err != nil {
		return report, err
	}

	if r.conflicts != nil {
		report.Conflicts = r.conflicts.All()
	}

	uploaded := report.Uploads.Outcomes[OutcomeTransferred] + report.Uploads.Outcomes[OutcomeExists]

	switch {
	case uploaded > 0:
		if err := r.mode.SetLastSyncTime(ctx, false); err != nil {
			return report, fmt.Errorf("setting last sync time: %w", err)
		}
	case remote != nil:
		if err := r.mode.SetLastSyncTime(ctx, true); err != nil {
			return report, fmt.Errorf("recording last sync time: %w", err)
		}
	}

	r.logger.Info("file sync finished",
		slog.Bool("full_sync", report.FullSync),
		slog.Int("uploaded", report.Uploads.Succeeded()),
		slog.Int("downloaded", report.Downloads.Succeeded()),
		slog.Int("upload_failures", len(report.Uploads.Failed)),
		slog.Int("download_failures", len(report.Downloads.Failed)),
		slog.Int("conflicts", len(report.Conflicts)),
		slog.Bool("partial", report.PartialSuccess()),
	)

	return report, nil
}

func (r *Runner) needsFullSync(remote *time.Time) (bool, error) {
	if remote == nil {
		return true, nil
	}

	local, ok, err := r.settings.Version(VersionKey)
	if err != nil {
		return false, fmt.Errorf("reading local sync time: %w", err)
	}

	return !ok || local != remote.Unix(), nil
}

// PendingUploads returns the attachments whose local file differs from
// what the ledger last saw on the server, plus those marked for forced
// upload.
func PendingUploads(ctx context.Context, lister AttachmentLister, store AttachmentStore, ledger Ledger) ([]string, error) {
	return pending(ctx, lister, store, ledger, func(a *Attachment, st SyncState, rec syncedRecord) bool {
		if !a.Exists {
			return false
		}

		if st != StateInSync {
			return true
		}

		return !rec.unchanged(a)
	})
}

// PendingDownloads returns the attachments that are missing locally or
// unchanged since the last sync, so downloading cannot overwrite local
// edits.
func PendingDownloads(ctx context.Context, lister AttachmentLister, store AttachmentStore, ledger Ledger) ([]string, error) {
	return pending(ctx, lister, store, ledger, func(a *Attachment, st SyncState, rec syncedRecord) bool {
		if !a.Exists {
			return st != StateForceUpload
		}

		return st == StateInSync && rec.unchanged(a)
	})
}

// syncedRecord is what the ledger last agreed with the server.
type syncedRecord struct {
	modTime int64
	hash    string
}

// unchanged reports whether the local file is still the one last synced,
// by mtime or, for single files, by content hash.
func (r syncedRecord) unchanged(a *Attachment) bool {
	if MatchesTime(a.ModTime, r.modTime) != MatchNone {
		return true
	}

	return r.hash != "" && !a.IsMultiFile() && a.Hash == r.hash
}

func pending(ctx context.Context, lister AttachmentLister, store AttachmentStore, ledger Ledger,
	want func(a *Attachment, st SyncState, rec syncedRecord) bool,
) ([]string, error) {
	ids, err := lister.AttachmentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	var out []string

	for _, id := range ids {
		a, err := store.Attachment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading attachment %s: %w", id, err)
		}

		var (
			st  SyncState
			rec syncedRecord
		)

		err = ledger.View(func(tx LedgerTx) error {
			var err error
			if st, err = tx.State(id); err != nil {
				return err
			}

			if rec.modTime, err = tx.SyncedModTime(id); err != nil {
				return err
			}

			rec.hash, err = tx.SyncedHash(id)

			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reading ledger for %s: %w", id, err)
		}

		if want(a, st, rec) {
			out = append(out, id)
		}
	}

	return out, nil
}
