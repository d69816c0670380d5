package zfs

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexjbarnes/storage-sync/storage"
)

const (
	headerFilename   = "X-Zotero-Filename"
	headerModTime    = "X-Zotero-Modification-Time"
	headerCompressed = "X-Zotero-Compressed"
)

// FileInfo fetches the remote metadata for an attachment's file. It
// returns nil, nil when the server has no file for the item.
func (m *Mode) FileInfo(ctx context.Context, a *storage.Attachment) (*storage.FileInfo, error) {
	req, err := m.client.newRequest(ctx, http.MethodGet, m.client.itemInfoURL(a), nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(ctx, storage.OpFileInfo, req)
	if err != nil {
		return nil, err
	}

	body := drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		m.logger.Debug("remote file not found", slog.String("attachment", a.Name()))
		return nil, nil
	}

	if err := storage.ClassifyStatus(storage.OpFileInfo, resp.StatusCode, body, http.StatusOK); err != nil {
		return nil, err
	}

	return parseFileInfo(resp.Header)
}

func parseFileInfo(h http.Header) (*storage.FileInfo, error) {
	hash := strings.Trim(h.Get("ETag"), `"`)
	if hash == "" {
		return nil, &storage.ProtocolError{Op: storage.OpFileInfo, Msg: "hash not found in info response"}
	}

	raw := h.Get(headerModTime)

	mtime, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, &storage.ProtocolError{
			Op:  storage.OpFileInfo,
			Msg: "invalid modification time " + strconv.Quote(raw),
			Err: err,
		}
	}

	return &storage.FileInfo{
		Hash:       hash,
		Filename:   h.Get(headerFilename),
		ModTime:    mtime,
		Compressed: h.Get(headerCompressed) == "Yes",
	}, nil
}
