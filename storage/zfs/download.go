package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/storage-sync/storage"
)

// DownloadFile runs the download pipeline for req.
func (m *Mode) DownloadFile(ctx context.Context, req *storage.Request) (storage.Result, error) {
	return m.run(ctx, req, m.download)
}

func (m *Mode) download(ctx context.Context, req *storage.Request) (storage.Result, error) {
	a, err := m.attachment(ctx, req)
	if err != nil {
		return storage.Result{}, err
	}

	logger := m.logger.With(slog.String("attachment", a.Name()))

	if err := m.EnsureAuthenticated(ctx); err != nil {
		return storage.Result{}, err
	}

	info, err := m.FileInfo(ctx, a)
	if err != nil {
		return storage.Result{}, err
	}

	if info == nil {
		return storage.Result{Outcome: storage.OutcomeNotFound}, nil
	}

	if err := req.Advance(storage.PhaseInfoChecked); err != nil {
		return storage.Result{}, err
	}

	if a.Exists {
		if reason := storage.MatchesRemote(storage.LocalMetaOf(a), *info); reason != storage.MatchNone {
			logger.Debug("file matches remote file, skipping download", slog.String("reason", reason.String()))

			err := m.commit(req, nil, func(tx storage.LedgerTx) error {
				if reason == storage.MatchHash {
					if err := tx.SetSyncedHash(a.ID, info.Hash, false); err != nil {
						return err
					}
				}

				if err := tx.SetSyncedModTime(a.ID, info.ModTime, false); err != nil {
					return err
				}

				return tx.SetState(a.ID, storage.StateInSync)
			})

			return storage.Result{Outcome: storage.OutcomeSkipped}, err
		}
	}

	tmpPath, err := m.prepareTempFile(a, info)
	if err != nil {
		return storage.Result{}, err
	}
	// After a successful promotion the temp file is gone already.
	defer os.Remove(tmpPath)

	if err := req.Advance(storage.PhaseStreaming); err != nil {
		return storage.Result{}, err
	}

	n, err := m.fetch(ctx, req, a, tmpPath)
	if err != nil {
		return storage.Result{}, err
	}

	err = m.commit(req,
		func() error { return m.promote(a, info, tmpPath) },
		func(tx storage.LedgerTx) error {
			if err := tx.SetSyncedModTime(a.ID, info.ModTime, false); err != nil {
				return err
			}

			if !info.Compressed {
				if err := tx.SetSyncedHash(a.ID, info.Hash, false); err != nil {
					return err
				}
			}

			return tx.SetState(a.ID, storage.StateInSync)
		},
	)
	if err != nil {
		return storage.Result{}, err
	}

	logger.Info("downloaded file", slog.Int64("bytes", n), slog.Bool("compressed", info.Compressed))

	return storage.Result{Outcome: storage.OutcomeTransferred, Bytes: n}, nil
}

// prepareTempFile removes any stale temp file for the attachment and
// creates an empty placeholder, so a zero-length body still yields a file.
func (m *Mode) prepareTempFile(a *storage.Attachment, info *storage.FileInfo) (string, error) {
	name := a.Key + ".tmp"
	if info.Compressed {
		name = a.Key + ".zip.tmp"
	}

	path := filepath.Join(m.cfg.TempDir, name)

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("removing stale temp file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	return path, f.Close()
}

// fetch streams the remote file into tmpPath.
func (m *Mode) fetch(ctx context.Context, req *storage.Request, a *storage.Attachment, tmpPath string) (int64, error) {
	httpReq, err := m.client.newRequest(ctx, http.MethodGet, m.client.itemFileURL(a), nil)
	if err != nil {
		return 0, err
	}

	resp, err := m.send(ctx, storage.OpDownload, httpReq)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode != http.StatusOK {
		body := drain(resp)
		return 0, storage.ClassifyStatus(storage.OpDownload, resp.StatusCode, body, http.StatusOK)
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening temp file: %w", err)
	}

	n, err := io.Copy(f, &progressReader{
		r:     resp.Body,
		req:   req,
		sink:  m.deps.Sink,
		total: resp.ContentLength,
	})
	if err != nil {
		f.Close()

		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		return n, &storage.TransientError{Err: fmt.Errorf("downloading %s: %w", a.Name(), err)}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return n, fmt.Errorf("syncing temp file: %w", err)
	}

	return n, f.Close()
}

// promote moves the downloaded bytes into the attachment's location and
// stamps the remote mtime on the primary file.
func (m *Mode) promote(a *storage.Attachment, info *storage.FileInfo, tmpPath string) error {
	dest := a.Path
	if dest == "" {
		if info.Filename == "" || filepath.Base(info.Filename) != info.Filename {
			return &storage.ProtocolError{Op: storage.OpDownload, Msg: "missing or unsafe remote filename"}
		}

		dest = filepath.Join(a.Dir, info.Filename)
	}

	if info.Compressed {
		if _, err := extractArchive(tmpPath, a.Dir); err != nil {
			return err
		}

		if err := os.Remove(tmpPath); err != nil {
			m.logger.Warn("removing downloaded archive", slog.String("error", err.Error()))
		}

		if _, err := os.Stat(dest); err != nil {
			// The archive did not contain the primary file; nothing to stamp.
			return nil
		}

		return setModTime(dest, info.ModTime)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating attachment dir: %w", err)
	}

	if err := moveFile(tmpPath, dest); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}

	return setModTime(dest, info.ModTime)
}
