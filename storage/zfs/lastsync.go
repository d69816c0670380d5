package zfs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/storage"
)

const lastSyncPath = "laststoragesync?auth=1"

// LastSyncTime returns the server's last successful storage sync time, or
// nil when there has never been one. The value is kept in the session so
// SetLastSyncTime(ctx, true) can persist it without another request.
func (m *Mode) LastSyncTime(ctx context.Context) (*time.Time, error) {
	if m.cfg.Client.UserID == 0 {
		return nil, apperrors.ErrMissingUserID
	}

	if err := m.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	req, err := m.client.newRequest(ctx, http.MethodGet, m.client.userURL(lastSyncPath), nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(ctx, storage.OpGetLastSync, req)
	if err != nil {
		return nil, err
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, &storage.TransientError{Err: fmt.Errorf("reading last sync time: %w", err)}
	}

	if resp.StatusCode == http.StatusNotFound {
		m.session.setLastSyncTime(nil)
		return nil, nil
	}

	err = storage.ClassifyStatus(storage.OpGetLastSync, resp.StatusCode, sanitizeResponseBody(body), http.StatusOK)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(storage.OpGetLastSync, body)
	if err != nil {
		return nil, err
	}

	m.session.setLastSyncTime(&ts)

	t := time.Unix(ts, 0)
	m.logger.Debug("last successful storage sync", slog.Time("time", t))

	return &t, nil
}

// SetLastSyncTime records a storage sync time locally. With useCached the
// timestamp fetched by LastSyncTime is stored, or nothing happens when
// there is none; otherwise the server stamps a fresh one. The credential
// cache is cleared after every successful set.
func (m *Mode) SetLastSyncTime(ctx context.Context, useCached bool) error {
	if useCached {
		ts, ok := m.session.LastSyncTime()
		if !ok {
			return nil
		}

		if err := m.deps.Settings.SetVersion(storage.VersionKey, ts); err != nil {
			return fmt.Errorf("storing last sync time: %w", err)
		}

		m.session.setLastSyncTime(nil)
		m.session.InvalidateCredentials()

		return nil
	}

	m.session.setLastSyncTime(nil)

	if m.cfg.Client.UserID == 0 {
		return apperrors.ErrMissingUserID
	}

	if err := m.EnsureAuthenticated(ctx); err != nil {
		return err
	}

	req, err := m.client.newRequest(ctx, http.MethodPost, m.client.userURL(lastSyncPath), nil)
	if err != nil {
		return err
	}

	resp, err := m.send(ctx, storage.OpSetLastSync, req)
	if err != nil {
		return err
	}

	body, err := readBody(resp)
	if err != nil {
		return &storage.TransientError{Err: fmt.Errorf("reading last sync time: %w", err)}
	}

	err = storage.ClassifyStatus(storage.OpSetLastSync, resp.StatusCode, sanitizeResponseBody(body), http.StatusOK)
	if err != nil {
		return err
	}

	ts, err := parseTimestamp(storage.OpSetLastSync, body)
	if err != nil {
		return err
	}

	if err := m.deps.Settings.SetVersion(storage.VersionKey, ts); err != nil {
		return fmt.Errorf("storing last sync time: %w", err)
	}

	m.session.InvalidateCredentials()

	return nil
}

func parseTimestamp(op storage.Operation, body []byte) (int64, error) {
	raw := strings.TrimSpace(string(body))

	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &storage.ProtocolError{Op: op, Msg: "invalid timestamp " + strconv.Quote(sanitizeResponseBody(body)), Err: err}
	}

	return ts, nil
}
