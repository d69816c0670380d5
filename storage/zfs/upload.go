package zfs

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/internal/metrics"
	"github.com/alexjbarnes/storage-sync/storage"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// formParam is one server-supplied form field, kept in server order.
type formParam struct {
	Name  string
	Value string
}

// uploadTarget is the authorization returned by the upload parameter
// request.
type uploadTarget struct {
	URL    string
	Key    string
	Params []formParam
}

// uploadFile is the file actually sent: the attachment's primary file, or
// a staged zip for multi-file attachments.
type uploadFile struct {
	Path     string
	Filename string
	Hash     string
	Size     int64
	Zip      bool
}

// UploadFile runs the upload pipeline for req.
func (m *Mode) UploadFile(ctx context.Context, req *storage.Request) (storage.Result, error) {
	return m.run(ctx, req, m.upload)
}

func (m *Mode) upload(ctx context.Context, req *storage.Request) (storage.Result, error) {
	a, err := m.attachment(ctx, req)
	if err != nil {
		return storage.Result{}, err
	}

	if !a.Exists {
		return storage.Result{}, fmt.Errorf("%s: %w", a.Name(), apperrors.ErrLocalFileMissing)
	}

	logger := m.logger.With(slog.String("attachment", a.Name()))

	if err := m.EnsureAuthenticated(ctx); err != nil {
		return storage.Result{}, err
	}

	state, synced, err := m.ledgerView(a.ID)
	if err != nil {
		return storage.Result{}, fmt.Errorf("reading ledger: %w", err)
	}

	info, err := m.FileInfo(ctx, a)
	if err != nil {
		return storage.Result{}, err
	}

	if err := req.Advance(storage.PhaseInfoChecked); err != nil {
		return storage.Result{}, err
	}

	if state != storage.StateForceUpload && info != nil {
		switch storage.DetectConflict(storage.LocalMetaOf(a), *info, synced) {
		case storage.DecisionSkip:
			reason := storage.MatchesRemote(storage.LocalMetaOf(a), *info)
			logger.Debug("file matches remote file, skipping upload", slog.String("reason", reason.String()))

			err := m.commit(req, nil, func(tx storage.LedgerTx) error {
				// A hash-only match records the server's mtime and hash, the
				// same as a download skip, so both pending checks agree.
				synced := a.ModTime
				if reason == storage.MatchHash {
					synced = info.ModTime

					if err := tx.SetSyncedHash(a.ID, info.Hash, false); err != nil {
						return err
					}
				}

				if err := tx.SetSyncedModTime(a.ID, synced, false); err != nil {
					return err
				}

				return tx.SetState(a.ID, storage.StateInSync)
			})

			return storage.Result{Outcome: storage.OutcomeSkipped}, err
		case storage.DecisionConflict:
			logger.Info("conflict: last synced mtime does not match storage server",
				slog.Int64("synced_mtime", synced),
				slog.Int64("remote_mtime", info.ModTime),
			)

			m.deps.Conflicts.Add(storage.ConflictRecord{
				RequestName:  req.Name(),
				AttachmentID: a.ID,
				Local:        storage.ConflictSide{ModTime: a.ModTime},
				Remote:       storage.ConflictSide{ModTime: info.ModTime},
			})
			metrics.Conflict()

			return storage.Result{Outcome: storage.OutcomeConflict}, nil
		case storage.DecisionForce:
			logger.Info("remote mtime is invalid, uploading local file")
		case storage.DecisionProceed:
		}
	}

	file, err := m.stageUpload(a)
	if err != nil {
		return storage.Result{}, err
	}

	if file.Zip {
		// Success removes the zip inside commit; every other exit lands here.
		defer os.Remove(file.Path)
	}

	if err := req.Advance(storage.PhaseParamsRequested); err != nil {
		return storage.Result{}, err
	}

	target, err := m.uploadParams(ctx, a, file)
	if err != nil {
		return storage.Result{}, err
	}

	if target == nil {
		logger.Debug("file already exists on storage server")

		err := m.commit(req, nil, m.updateItemFileInfo(a, file))

		return storage.Result{Outcome: storage.OutcomeExists}, err
	}

	if err := req.Advance(storage.PhaseStreaming); err != nil {
		return storage.Result{}, err
	}

	if err := m.postFile(ctx, req, target, file); err != nil {
		return storage.Result{}, err
	}

	if err := m.registerUpload(ctx, a, target.Key); err != nil {
		return storage.Result{}, err
	}

	if err := req.Advance(storage.PhaseRegistered); err != nil {
		return storage.Result{}, err
	}

	if err := m.commit(req, nil, m.updateItemFileInfo(a, file)); err != nil {
		return storage.Result{}, err
	}

	logger.Info("uploaded file", slog.Int64("bytes", file.Size))

	return storage.Result{Outcome: storage.OutcomeTransferred, Bytes: file.Size}, nil
}

// stageUpload picks the file to send and computes its hash and size.
func (m *Mode) stageUpload(a *storage.Attachment) (*uploadFile, error) {
	if a.IsMultiFile() {
		path := filepath.Join(m.cfg.TempDir, a.Key+".zip")
		if err := createArchive(a.Dir, path); err != nil {
			return nil, err
		}

		hash, size, err := fileMD5(path)
		if err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("hashing archive: %w", err)
		}

		return &uploadFile{Path: path, Filename: a.Key + ".zip", Hash: hash, Size: size, Zip: true}, nil
	}

	hash, size, err := fileMD5(a.Path)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", a.Name(), err)
	}

	return &uploadFile{Path: a.Path, Filename: filepath.Base(a.Path), Hash: hash, Size: size}, nil
}

// updateItemFileInfo is the ledger step after a successful upload.
func (m *Mode) updateItemFileInfo(a *storage.Attachment, file *uploadFile) func(tx storage.LedgerTx) error {
	return func(tx storage.LedgerTx) error {
		if err := tx.SetState(a.ID, storage.StateInSync); err != nil {
			return err
		}

		if err := tx.SetSyncedModTime(a.ID, a.ModTime, true); err != nil {
			return err
		}

		if a.NumFiles == 1 {
			if err := tx.SetSyncedHash(a.ID, file.Hash, false); err != nil {
				return err
			}
		}

		if file.Zip {
			if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("removing upload archive", slog.String("error", err.Error()))
			}
		}

		return nil
	}
}

// uploadParams asks the server where to upload. It returns nil when the
// server already has the file.
func (m *Mode) uploadParams(ctx context.Context, a *storage.Attachment, file *uploadFile) (*uploadTarget, error) {
	form := url.Values{}
	form.Set("md5", file.Hash)
	form.Set("filename", norm.NFC.String(file.Filename))
	form.Set("filesize", strconv.FormatInt(file.Size, 10))
	form.Set("mtime", strconv.FormatInt(a.ModTime, 10))

	if file.Zip {
		form.Set("zip", "1")
	}

	req, err := m.client.newRequest(ctx, http.MethodPost, m.client.itemFileURL(a), form)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(ctx, storage.OpUploadParams, req)
	if err != nil {
		return nil, err
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, &storage.TransientError{Err: fmt.Errorf("reading upload parameters: %w", err)}
	}

	err = storage.ClassifyStatus(storage.OpUploadParams, resp.StatusCode, sanitizeResponseBody(body), http.StatusOK)
	if err != nil {
		return nil, m.uploadParamsError(ctx, a, file, resp, err)
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct == "application/json" {
		return parseUploadJSON(body)
	}

	return parseUploadXML(body)
}

// uploadParamsError fills in the context the status table cannot know and
// runs the one-time client reset on a 404.
func (m *Mode) uploadParamsError(ctx context.Context, a *storage.Attachment, file *uploadFile,
	resp *http.Response, err error,
) error {
	var (
		quota    *storage.QuotaExceededError
		auth     *storage.AuthenticationError
		notFound *storage.NotFoundRemoteStateError
	)

	switch {
	case errors.As(err, &quota):
		quota.Filename = file.Filename
		quota.FileSize = file.Size
		quota.Library = a.Library
		quota.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))

		return quota
	case errors.As(err, &auth):
		if auth.Status == http.StatusForbidden {
			auth.GroupID = a.Library.GroupID
		}

		return auth
	case errors.As(err, &notFound):
		logger := m.logger.With(slog.String("attachment", a.Name()))

		switch {
		case m.cfg.DisableAutoReset:
			logger.Error("unexpected 404 on upload parameters; skipping automatic client reset due to configuration")
		case !m.session.takeAutoReset():
			logger.Error("unexpected 404 on upload parameters; client has already been auto-reset, manual sync required")
		default:
			logger.Warn("unexpected 404 on upload parameters; resetting client")

			if m.deps.Resetter != nil {
				if rerr := m.deps.Resetter.ResetClient(ctx); rerr != nil {
					return fmt.Errorf("resetting client: %w", rerr)
				}
			}

			notFound.ResetPerformed = true
		}

		return notFound
	default:
		return err
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

type xmlUploadResponse struct {
	XMLName xml.Name
	URL     string `xml:"url"`
	Key     string `xml:"key"`
	Params  struct {
		Fields []xmlParam `xml:",any"`
	} `xml:"params"`
}

type xmlParam struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func parseUploadXML(body []byte) (*uploadTarget, error) {
	var doc xmlUploadResponse
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &storage.ProtocolError{
			Op:  storage.OpUploadParams,
			Msg: "invalid response retrieving file upload parameters",
			Err: err,
		}
	}

	switch doc.XMLName.Local {
	case "exists":
		return nil, nil
	case "upload":
	default:
		return nil, &storage.ProtocolError{
			Op:  storage.OpUploadParams,
			Msg: fmt.Sprintf("unexpected root element <%s>", doc.XMLName.Local),
		}
	}

	target := &uploadTarget{
		URL: strings.TrimSpace(doc.URL),
		Key: strings.TrimSpace(doc.Key),
	}

	for _, f := range doc.Params.Fields {
		target.Params = append(target.Params, formParam{Name: f.XMLName.Local, Value: f.Value})
	}

	return target, validateTarget(target)
}

func parseUploadJSON(body []byte) (*uploadTarget, error) {
	if !gjson.ValidBytes(body) {
		return nil, &storage.ProtocolError{
			Op:  storage.OpUploadParams,
			Msg: "invalid JSON retrieving file upload parameters",
		}
	}

	doc := gjson.ParseBytes(body)
	if doc.Get("exists").Exists() {
		return nil, nil
	}

	target := &uploadTarget{
		URL: doc.Get("url").String(),
		Key: doc.Get("uploadKey").String(),
	}

	doc.Get("params").ForEach(func(k, v gjson.Result) bool {
		target.Params = append(target.Params, formParam{Name: k.String(), Value: v.String()})
		return true
	})

	return target, validateTarget(target)
}

func validateTarget(t *uploadTarget) error {
	if t.URL == "" || t.Key == "" {
		return &storage.ProtocolError{Op: storage.OpUploadParams, Msg: "upload url or key missing"}
	}

	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return &storage.ProtocolError{Op: storage.OpUploadParams, Msg: "invalid upload url", Err: err}
	}

	return nil
}

// postFile streams the multipart body: server params first, file last.
func (m *Mode) postFile(ctx context.Context, req *storage.Request, target *uploadTarget, file *uploadFile) error {
	src, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("opening upload file: %w", err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	defer pr.Close()

	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, target.Params, file.Filename, &progressReader{
			r:     src,
			req:   req,
			sink:  m.deps.Sink,
			total: file.Size,
		}))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, pr)
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}

	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.client.do(ctx, storage.OpUpload, httpReq)
	if err != nil {
		return err
	}

	body := drain(resp)

	if resp.StatusCode == http.StatusInternalServerError {
		return &storage.TransientError{Err: errors.New("file upload failed, please try again")}
	}

	return storage.ClassifyStatus(storage.OpUpload, resp.StatusCode, body, http.StatusCreated)
}

func writeMultipart(mw *multipart.Writer, params []formParam, filename string, r io.Reader) error {
	for _, p := range params {
		if err := mw.WriteField(p.Name, p.Value); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", norm.NFC.String(filename))
	if err != nil {
		return err
	}

	if _, err := io.Copy(part, r); err != nil {
		return err
	}

	return mw.Close()
}

// registerUpload tells the server the upload completed.
func (m *Mode) registerUpload(ctx context.Context, a *storage.Attachment, uploadKey string) error {
	form := url.Values{}
	form.Set("update", uploadKey)
	form.Set("mtime", strconv.FormatInt(a.ModTime, 10))

	req, err := m.client.newRequest(ctx, http.MethodPost, m.client.itemFileURL(a), form)
	if err != nil {
		return err
	}

	resp, err := m.send(ctx, storage.OpRegister, req)
	if err != nil {
		return err
	}

	body := drain(resp)

	return storage.ClassifyStatus(storage.OpRegister, resp.StatusCode, body, http.StatusNoContent)
}
