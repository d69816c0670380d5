package zfs

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/storage"
)

// Purge flag location in the settings table.
const (
	PurgeSetting = "storage"
	PurgeKey     = "zfsPurge"
)

// PurgeDeletedFiles removes the files of deleted libraries from the server
// when a purge was flagged locally. It returns false without error when
// there is nothing to do.
func (m *Mode) PurgeDeletedFiles(ctx context.Context) (bool, error) {
	if m.cfg.Client.UserID == 0 {
		return false, nil
	}

	value, ok, err := m.deps.Settings.Setting(PurgeSetting, PurgeKey)
	if err != nil {
		return false, fmt.Errorf("reading purge flag: %w", err)
	}

	if !ok || strings.TrimSpace(value) == "" {
		return false, nil
	}

	query, err := purgeQuery(value)
	if err != nil {
		return false, err
	}

	if err := m.EnsureAuthenticated(ctx); err != nil {
		return false, err
	}

	m.logger.Info("unlinking synced files on storage server")

	req, err := m.client.newRequest(ctx, http.MethodPost, m.client.userURL("removestoragefiles?"+query), nil)
	if err != nil {
		return false, err
	}

	resp, err := m.send(ctx, storage.OpPurge, req)
	if err != nil {
		return false, err
	}

	body := drain(resp)

	if err := storage.ClassifyStatus(storage.OpPurge, resp.StatusCode, body, http.StatusNoContent); err != nil {
		return false, err
	}

	if err := m.deps.Settings.DeleteSetting(PurgeSetting, PurgeKey); err != nil {
		return true, fmt.Errorf("clearing purge flag: %w", err)
	}

	return true, nil
}

// purgeQuery turns the stored flag ("user", "group" or a comma list of
// both) into the removal query.
func purgeQuery(value string) (string, error) {
	var parts []string

	seen := make(map[string]bool)

	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v != "user" && v != "group" {
			return "", fmt.Errorf("%w %q", apperrors.ErrInvalidPurgeValue, v)
		}

		if !seen[v] {
			seen[v] = true
			parts = append(parts, v+"=1")
		}
	}

	return strings.Join(parts, "&"), nil
}
