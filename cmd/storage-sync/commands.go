package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/internal/library"
	"github.com/alexjbarnes/storage-sync/internal/state"
	"github.com/alexjbarnes/storage-sync/storage"
	"github.com/alexjbarnes/storage-sync/storage/zfs"
)

func parseForce(name string, args []string) (bool, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	force := fs.Bool("force", false, "check every attachment even if the server reports no changes")

	if err := fs.Parse(args); err != nil {
		return false, err
	}

	if fs.NArg() > 0 {
		return false, fmt.Errorf("%s: unexpected arguments %v", name, fs.Args())
	}

	return *force, nil
}

func runSync(ctx context.Context, a *app, args []string) error {
	force, err := parseForce("sync", args)
	if err != nil {
		return err
	}

	uploads, err := storage.PendingUploads(ctx, a.lib, a.lib, a.state)
	if err != nil {
		return fmt.Errorf("listing pending uploads: %w", err)
	}

	downloads, err := storage.PendingDownloads(ctx, a.lib, a.lib, a.state)
	if err != nil {
		return fmt.Errorf("listing pending downloads: %w", err)
	}

	return a.syncOnce(ctx, os.Stdout, storage.RunOptions{
		Uploads:   uploads,
		Downloads: downloads,
		Force:     force,
	})
}

func runDownload(ctx context.Context, a *app, args []string) error {
	force, err := parseForce("download", args)
	if err != nil {
		return err
	}

	downloads, err := storage.PendingDownloads(ctx, a.lib, a.lib, a.state)
	if err != nil {
		return fmt.Errorf("listing pending downloads: %w", err)
	}

	return a.syncOnce(ctx, os.Stdout, storage.RunOptions{Downloads: downloads, Force: force})
}

func (a *app) syncOnce(ctx context.Context, w io.Writer, opts storage.RunOptions) error {
	a.logger.Info("starting file sync",
		slog.Int("uploads", len(opts.Uploads)),
		slog.Int("downloads", len(opts.Downloads)),
		slog.Bool("force", opts.Force),
	)

	report, err := a.runner.Run(ctx, opts)
	if report != nil {
		printReport(w, report)
	}

	if err != nil {
		return err
	}

	if report.PartialSuccess() {
		return apperrors.ErrPartialSync
	}

	return nil
}

// runWatch syncs everything once, then uploads attachments as their files
// change until interrupted.
func runWatch(ctx context.Context, a *app, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("watch: unexpected arguments %v", args)
	}

	if err := runSync(ctx, a, nil); err != nil {
		if !errors.Is(err, apperrors.ErrPartialSync) {
			return err
		}

		a.logger.Warn("initial sync left work undone")
	}

	handler := func(ctx context.Context, ids []string) {
		uploads, err := a.changedUploads(ctx, ids)
		if err != nil {
			a.logger.Warn("checking changed attachments", slog.String("error", err.Error()))
			return
		}

		if len(uploads) == 0 {
			return
		}

		report, err := a.runner.Run(ctx, storage.RunOptions{Uploads: uploads})
		if err != nil {
			a.logger.Error("sync after change failed",
				slog.Any("attachments", uploads),
				slog.String("error", err.Error()),
			)

			return
		}

		for id, ferr := range report.Uploads.Failed {
			a.logger.Warn("upload failed", slog.String("attachment", id), slog.String("error", ferr.Error()))
		}
	}

	err := library.NewWatcher(a.lib, handler, a.logger).Watch(ctx)
	if errors.Is(err, context.Canceled) {
		a.logger.Info("watcher stopped")
		return nil
	}

	return err
}

// idList lists a fixed set of attachments.
type idList []string

func (l idList) AttachmentIDs(context.Context) ([]string, error) { return l, nil }

// changedUploads narrows watcher ids to attachments with local changes the
// server has not seen. Files a download just wrote match the ledger and
// deleted files have nothing to upload.
func (a *app) changedUploads(ctx context.Context, ids []string) ([]string, error) {
	return storage.PendingUploads(ctx, idList(ids), a.lib, a.state)
}

func runLastSync(ctx context.Context, a *app, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("last-sync: unexpected arguments %v", args)
	}

	a.mode.BeginRun()

	ts, err := a.mode.LastSyncTime(ctx)
	if err != nil {
		return err
	}

	fmt.Println(formatSyncTime(ts))

	return nil
}

func formatSyncTime(ts *time.Time) string {
	if ts == nil {
		return "never"
	}

	return ts.UTC().Format(time.RFC3339)
}

// runPurge flags the purge and runs it immediately. The flag stays set
// when the request fails so the next sync retries it.
func runPurge(ctx context.Context, a *app, args []string) error {
	value := "user"
	if len(args) > 0 {
		value = strings.Join(args, ",")
	}

	if err := validPurgeValue(value); err != nil {
		return err
	}

	if err := a.state.SetSetting(zfs.PurgeSetting, zfs.PurgeKey, value); err != nil {
		return fmt.Errorf("flagging purge: %w", err)
	}

	a.mode.BeginRun()

	purged, err := a.mode.PurgeDeletedFiles(ctx)
	if err != nil {
		return err
	}

	if purged {
		fmt.Println("purged")
	} else {
		fmt.Println("nothing to purge")
	}

	return nil
}

func validPurgeValue(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "user" && v != "group" {
			return fmt.Errorf("%w %q: expected user or group", apperrors.ErrInvalidPurgeValue, v)
		}
	}

	return nil
}

func runReset(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		if err := a.state.ResetClient(ctx); err != nil {
			return fmt.Errorf("resetting sync state: %w", err)
		}

		a.logger.Info("sync state reset; next sync checks every attachment")

		return nil
	}

	for _, id := range args {
		if _, err := a.lib.Attachment(ctx, id); err != nil {
			return err
		}

		if err := a.state.ResetAttachment(id); err != nil {
			return fmt.Errorf("resetting %s: %w", id, err)
		}

		a.logger.Info("attachment sync state reset", slog.String("attachment", id))
	}

	return nil
}

// runResolve settles a conflict by hand. "local" forces the next upload
// over the server's file; "remote" marks the local file as already synced
// so the next download replaces it.
func runResolve(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errors.New("resolve: expected <attachment-id> local|remote")
	}

	id, side := args[0], args[1]

	att, err := a.lib.Attachment(ctx, id)
	if err != nil {
		return err
	}

	err = a.state.Update(func(tx storage.LedgerTx) error {
		switch side {
		case "local":
			return tx.SetState(id, storage.StateForceUpload)
		case "remote":
			if err := tx.SetSyncedModTime(id, att.ModTime, false); err != nil {
				return err
			}

			hash := ""
			if att.Exists && !att.IsMultiFile() {
				hash = att.Hash
			}

			if err := tx.SetSyncedHash(id, hash, false); err != nil {
				return err
			}

			return tx.SetState(id, storage.StateInSync)
		default:
			return fmt.Errorf("resolve: unknown side %q: expected local or remote", side)
		}
	})
	if err != nil {
		return err
	}

	a.logger.Info("conflict resolved", slog.String("attachment", id), slog.String("keep", side))

	return nil
}

func runStatus(_ context.Context, a *app, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("status: unexpected arguments %v", args)
	}

	records, err := a.state.AllRecords()
	if err != nil {
		return err
	}

	var last *time.Time

	if secs, ok, err := a.state.Version(storage.VersionKey); err != nil {
		return err
	} else if ok {
		t := time.Unix(secs, 0)
		last = &t
	}

	printStatus(os.Stdout, last, records)

	return nil
}

func printStatus(w io.Writer, last *time.Time, records map[string]state.LedgerRecord) {
	fmt.Fprintf(w, "last storage sync: %s\n\n", formatSyncTime(last))

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTACHMENT\tSTATE\tSYNCED MTIME\tSYNCED HASH\tCHANGED")

	for _, id := range ids {
		rec := records[id]

		mtime := "-"
		if rec.SyncedModTime > 0 {
			mtime = time.UnixMilli(rec.SyncedModTime).UTC().Format(time.RFC3339)
		}

		hash := rec.SyncedHash
		if hash == "" {
			hash = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", id, rec.State, mtime, hash, rec.Changed)
	}

	tw.Flush()
}

func printReport(w io.Writer, r *storage.Report) {
	if r.Purged {
		fmt.Fprintln(w, "purged deleted library files on the server")
	}

	fmt.Fprintf(w, "last storage sync: %s (full check: %t)\n", formatSyncTime(r.LastSyncTime), r.FullSync)

	for _, q := range []*storage.QueueReport{r.Downloads, r.Uploads} {
		if q == nil {
			continue
		}

		fmt.Fprintf(w, "%ss: %d transferred, %d skipped, %d already on server, %d failed, %d bytes",
			q.Kind,
			q.Outcomes[storage.OutcomeTransferred],
			q.Outcomes[storage.OutcomeSkipped],
			q.Outcomes[storage.OutcomeExists],
			len(q.Failed),
			q.Bytes,
		)

		if q.Stopped {
			fmt.Fprint(w, " (stopped)")
		}

		fmt.Fprintln(w)

		failed := make([]string, 0, len(q.Failed))
		for id := range q.Failed {
			failed = append(failed, id)
		}

		sort.Strings(failed)

		for _, id := range failed {
			fmt.Fprintf(w, "  %s: %v\n", id, q.Failed[id])
		}

		for _, warn := range q.Warnings {
			fmt.Fprintf(w, "  warning: %v\n", warn)
		}
	}

	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "conflict %s: local %s, remote %s\n",
			c.RequestName,
			time.UnixMilli(c.Local.ModTime).UTC().Format(time.RFC3339),
			time.UnixMilli(c.Remote.ModTime).UTC().Format(time.RFC3339),
		)
	}
}
