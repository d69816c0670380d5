// Package zfs implements the Zotero File Storage backend: credential
// probing, remote file info, the upload and download pipelines, the last
// sync time and the remote purge.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/internal/metrics"
	"github.com/alexjbarnes/storage-sync/storage"
)

// Name is the mode name reported to the runner.
const Name = "ZFS"

// Config configures a Mode.
type Config struct {
	Client ClientConfig

	// TempDir holds staged zips and in-progress downloads.
	TempDir string

	// DisableAutoReset turns the one-time client reset on a 404 upload
	// parameter response into a plain failure.
	DisableAutoReset bool
}

// Deps are the collaborators a Mode reads and writes.
type Deps struct {
	Store     storage.AttachmentStore
	Ledger    storage.Ledger
	Settings  storage.Settings
	Sink      storage.EventSink
	Resetter  storage.ClientResetter
	Conflicts *storage.Conflicts
}

// Mode is the ZFS storage backend. It is safe for concurrent use by the
// upload and download queues.
type Mode struct {
	client  *Client
	session *Session
	cfg     Config
	deps    Deps
	logger  *slog.Logger
}

var (
	_ storage.Mode       = (*Mode)(nil)
	_ storage.RunStarter = (*Mode)(nil)
)

// New creates a Mode.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Mode, error) {
	client, err := NewClient(cfg.Client)
	if err != nil {
		return nil, err
	}

	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	if deps.Conflicts == nil {
		deps.Conflicts = &storage.Conflicts{}
	}

	return &Mode{
		client:  client,
		session: NewSession(),
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("mode", Name)),
	}, nil
}

// Name returns "ZFS".
func (m *Mode) Name() string { return Name }

// Session exposes the per-run state.
func (m *Mode) Session() *Session { return m.session }

// BeginRun resets the session at the start of a run.
func (m *Mode) BeginRun() {
	m.session.Reset()
}

// EnsureAuthenticated probes the storage root once per session.
// Concurrent callers share a single probe.
func (m *Mode) EnsureAuthenticated(ctx context.Context) error {
	if m.session.CredentialsCached() {
		return nil
	}

	// The shared probe must not die with whichever caller started it.
	ch := m.session.auth.DoChan("auth", func() (any, error) {
		if m.session.CredentialsCached() {
			return nil, nil
		}

		return nil, m.probe(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mode) probe(ctx context.Context) error {
	metrics.AuthProbe()

	req, err := m.client.newRequest(ctx, http.MethodGet, m.client.rootURL(), nil)
	if err != nil {
		return err
	}

	resp, err := m.send(ctx, storage.OpAuth, req)
	if err != nil {
		return err
	}

	body := drain(resp)

	if err := storage.ClassifyStatus(storage.OpAuth, resp.StatusCode, body, http.StatusOK); err != nil {
		m.logger.Warn("credential probe failed", slog.Int("status", resp.StatusCode))
		return err
	}

	m.session.setCredentialsCached()
	m.logger.Debug("credentials are cached")

	return nil
}

// send performs an API call. Any 401 or 403 clears the credential cache.
func (m *Mode) send(ctx context.Context, op storage.Operation, req *http.Request) (*http.Response, error) {
	resp, err := m.client.do(ctx, op, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		m.logger.Info("clearing authentication credentials",
			slog.String("op", string(op)),
			slog.Int("status", resp.StatusCode),
		)
		m.session.InvalidateCredentials()
	}

	return resp, nil
}

// attachment loads and binds the request's attachment.
func (m *Mode) attachment(ctx context.Context, req *storage.Request) (*storage.Attachment, error) {
	a, err := m.deps.Store.Attachment(ctx, req.AttachmentID)
	if err != nil {
		return nil, err
	}

	if a == nil {
		return nil, fmt.Errorf("%s: %w", req.AttachmentID, apperrors.ErrAttachmentNotFound)
	}

	req.Bind(a)

	return a, nil
}

// ledgerView reads the sync state and synced mtime of one attachment.
func (m *Mode) ledgerView(id string) (storage.SyncState, int64, error) {
	var (
		st     storage.SyncState
		synced int64
	)

	err := m.deps.Ledger.View(func(tx storage.LedgerTx) error {
		var err error
		if st, err = tx.State(id); err != nil {
			return err
		}

		synced, err = tx.SyncedModTime(id)

		return err
	})

	return st, synced, err
}

// commit runs a ledger transaction as the request's success step.
func (m *Mode) commit(req *storage.Request, before func() error, fn func(tx storage.LedgerTx) error) error {
	err := req.Commit(func() error {
		if before != nil {
			if err := before(); err != nil {
				return err
			}
		}

		return m.deps.Ledger.Update(fn)
	})
	if err != nil {
		return err
	}

	m.deps.Sink.ChangesMade()

	return nil
}

// run wraps a pipeline with request start, finish and metrics.
func (m *Mode) run(ctx context.Context, req *storage.Request,
	pipeline func(ctx context.Context, req *storage.Request) (storage.Result, error),
) (storage.Result, error) {
	ctx, cancel := req.Start(ctx)
	defer cancel()

	res, err := pipeline(ctx, req)
	if err = req.Finish(err); err != nil {
		if !errors.Is(err, storage.ErrCancelled) {
			m.logger.Debug("request failed",
				slog.String("request", req.Name()),
				slog.String("kind", req.Kind.String()),
				slog.String("phase", req.Phase().String()),
				slog.String("error", err.Error()),
			)
		}

		metrics.ObserveTransfer(req.Kind.String(), "failed", 0)

		return storage.Result{}, err
	}

	metrics.ObserveTransfer(req.Kind.String(), res.Outcome.String(), res.Bytes)

	return res, nil
}

// progressReader reports bytes read through it to the request and sink.
type progressReader struct {
	r     io.Reader
	req   *storage.Request
	sink  storage.EventSink
	total int64
	n     int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.req.SetProgress(p.n, p.total)
		p.sink.Progress(p.req, p.n, p.total)
	}

	return n, err
}
