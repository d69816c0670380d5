package zfs

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/storage-sync/storage"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func uploadReq(a *storage.Attachment) *storage.Request {
	return storage.NewRequest(storage.KindUpload, a.ID)
}

func TestUpload_SkipsWhenModTimeMatches(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "SKIP0001", "paper.pdf", []byte("local bytes"), 1000000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: []byte("remote bytes"), mtime: 1000000, filename: "paper.pdf"})

	req := uploadReq(a)
	res, err := env.mode.UploadFile(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, storage.OutcomeSkipped, res.Outcome)
	assert.Equal(t, int32(0), env.server.paramRequests.Load(), "no upload parameter request")
	assert.Equal(t, int32(0), env.server.uploads.Load())
	assert.Equal(t, storage.PhaseFinished, req.Phase())

	rec := env.record(t, a.ID)
	assert.Equal(t, storage.StateInSync, rec.State)
	assert.Equal(t, int64(1000000), rec.SyncedModTime)
	assert.Equal(t, int64(1), env.sink.Changes())
}

func TestUpload_SkipsOnOneHourOffset(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "HOUR0001", "paper.pdf", []byte("local"), 1000000000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: []byte("remote"), mtime: 1003600000})

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)

	assert.Equal(t, storage.OutcomeSkipped, res.Outcome)
	assert.Equal(t, int32(0), env.server.paramRequests.Load())
	assert.Equal(t, storage.StateInSync, env.record(t, a.ID).State)
}

func TestUpload_HashMatchRecordsServerModTime(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	content := []byte("same bytes, different mtime")
	a := localAttachment(t, "HASH0001", "paper.pdf", content, 7_000_000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: content, mtime: 9_000_000, filename: "paper.pdf"})

	ctx := context.Background()

	res, err := env.mode.UploadFile(ctx, uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeSkipped, res.Outcome)
	assert.Equal(t, int32(0), env.server.paramRequests.Load())

	afterUpload := env.record(t, a.ID)
	assert.Equal(t, int64(9_000_000), afterUpload.SyncedModTime)
	assert.Equal(t, md5Hex(content), afterUpload.SyncedHash)

	res, err = env.mode.DownloadFile(ctx, storage.NewRequest(storage.KindDownload, a.ID))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeSkipped, res.Outcome)
	assert.Equal(t, int32(0), env.server.downloads.Load())
	assert.Equal(t, afterUpload, env.record(t, a.ID), "both skips record the same ledger values")
}

func TestUpload_NewFile(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	content := []byte("brand new attachment")
	a := localAttachment(t, "NEW00001", "notes.txt", content, 1500000000000)
	env.serve(a)

	req := uploadReq(a)
	res, err := env.mode.UploadFile(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)
	assert.Equal(t, int64(len(content)), res.Bytes)
	assert.Equal(t, storage.PhaseFinished, req.Phase())

	remote := env.server.file(a.Key)
	require.NotNil(t, remote, "upload registered on server")
	assert.Equal(t, content, remote.data)
	assert.Equal(t, int64(1500000000000), remote.mtime)
	assert.Equal(t, "notes.txt", remote.filename)

	env.server.mu.Lock()
	assert.Equal(t, []string{"key", "acl", "policy", "file"}, env.server.uploadFields,
		"server params first in server order, file last")
	assert.Equal(t, md5Hex(content), env.server.lastParamsForm["md5"])
	assert.Equal(t, "1500000000000", env.server.lastParamsForm["mtime"])
	assert.NotContains(t, env.server.lastParamsForm, "zip")
	env.server.mu.Unlock()

	rec := env.record(t, a.ID)
	assert.Equal(t, storage.StateInSync, rec.State)
	assert.Equal(t, int64(1500000000000), rec.SyncedModTime)
	assert.Equal(t, md5Hex(content), rec.SyncedHash)
	assert.True(t, rec.Changed)

	transferred, total := req.Progress()
	assert.Equal(t, int64(len(content)), transferred)
	assert.Equal(t, int64(len(content)), total)
}

func TestUpload_JSONParameters(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	env.server.behave(func(b *behavior) { b.paramsJSON = true })
	a := localAttachment(t, "JSON0001", "data.csv", []byte("a,b\n1,2\n"), 42000)
	env.serve(a)

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)
	assert.Equal(t, int32(1), env.server.registrations.Load())
}

func TestUpload_ExistsOnServer(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	env.server.behave(func(b *behavior) { b.alwaysExists = true })
	a := localAttachment(t, "EXIST001", "paper.pdf", []byte("same content"), 2000)
	env.serve(a)

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)

	assert.Equal(t, storage.OutcomeExists, res.Outcome)
	assert.Equal(t, int32(0), env.server.uploads.Load())
	assert.Equal(t, storage.StateInSync, env.record(t, a.ID).State)
}

func TestUpload_Conflict(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "CONF0001", "paper.pdf", []byte("local edit"), 6_000_000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: []byte("remote edit"), mtime: 5_000_000})

	require.NoError(t, env.state.Update(func(tx storage.LedgerTx) error {
		return tx.SetSyncedModTime(a.ID, 4_000_000, false)
	}))

	req := uploadReq(a)
	res, err := env.mode.UploadFile(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, storage.OutcomeConflict, res.Outcome)
	assert.Equal(t, int32(0), env.server.paramRequests.Load())

	records := env.conflicts.All()
	require.Len(t, records, 1)
	assert.Equal(t, "1/CONF0001", records[0].RequestName)
	assert.Equal(t, int64(6_000_000), records[0].Local.ModTime)
	assert.Equal(t, int64(5_000_000), records[0].Remote.ModTime)

	assert.Equal(t, int64(4_000_000), env.record(t, a.ID).SyncedModTime, "ledger untouched")
}

func TestUpload_ProceedsWhenRemoteUnchangedSinceSync(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "PROC0001", "paper.pdf", []byte("local edit"), 6_000_000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: []byte("old"), mtime: 5_000_000})

	require.NoError(t, env.state.Update(func(tx storage.LedgerTx) error {
		return tx.SetSyncedModTime(a.ID, 5_000_000, false)
	}))

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)
	assert.Equal(t, []byte("local edit"), env.server.file(a.Key).data)
}

func TestUpload_InvalidRemoteModTimeForcesUpload(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "SENT0001", "paper.pdf", []byte("local"), 7_000_000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: []byte("remote"), mtime: storage.InvalidModTime})

	require.NoError(t, env.state.Update(func(tx storage.LedgerTx) error {
		return tx.SetSyncedModTime(a.ID, 1, false)
	}))

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)
	assert.Empty(t, env.conflicts.All())
}

func TestUpload_ForceUploadStateBypassesConflictCheck(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "FORC0001", "paper.pdf", []byte("local"), 1000000)
	env.serve(a)
	env.server.putFile(a.Key, &remoteFile{data: []byte("remote"), mtime: 1000000})

	require.NoError(t, env.state.Update(func(tx storage.LedgerTx) error {
		return tx.SetState(a.ID, storage.StateForceUpload)
	}))

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)
	assert.Equal(t, int32(1), env.server.uploads.Load())
}

func TestUpload_QuotaWithRetryAfter(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	env.server.behave(func(b *behavior) {
		b.paramsStatus = http.StatusRequestEntityTooLarge
		b.retryAfter = "600"
	})
	a := localAttachment(t, "QUOT0001", "big.pdf", bytes.Repeat([]byte("x"), 4096), 1000)
	env.serve(a)

	req := uploadReq(a)
	_, err := env.mode.UploadFile(context.Background(), req)

	var quota *storage.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 10*time.Minute, quota.RetryAfter)
	assert.Contains(t, quota.RetryHint(), "10 minutes")
	assert.Equal(t, "big.pdf", quota.Filename)
	assert.Equal(t, int64(4096), quota.FileSize)
	assert.Equal(t, storage.AccountStorageURL, quota.AccountURL())
	assert.Contains(t, quota.DialogText(), "big.pdf (4KB)")
	assert.Equal(t, storage.PolicyStopQueue, storage.PolicyFor(err))
	assert.Equal(t, storage.PhaseError, req.Phase())

	assert.Equal(t, storage.StateUnsynced, env.record(t, a.ID).State)
}

func TestUpload_GroupQuotaNamesGroup(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	env.server.behave(func(b *behavior) { b.paramsStatus = http.StatusRequestEntityTooLarge })
	a := localAttachment(t, "GQUO0001", "big.pdf", []byte("x"), 1000)
	a.Library = storage.Library{ID: 5, GroupID: 77, GroupName: "Reading Group"}
	env.serve(a)

	_, err := env.mode.UploadFile(context.Background(), uploadReq(a))

	var quota *storage.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Empty(t, quota.AccountURL())
	assert.Empty(t, quota.RetryHint())
	assert.Contains(t, quota.DialogText(), "Reading Group")
}

func TestUpload_GroupEditingDenied(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	env.server.behave(func(b *behavior) { b.paramsStatus = http.StatusForbidden })
	a := localAttachment(t, "DENY0001", "paper.pdf", []byte("x"), 1000)
	a.Library = storage.Library{ID: 5, GroupID: 77, GroupName: "Lab"}
	env.serve(a)

	_, err := env.mode.UploadFile(context.Background(), uploadReq(a))

	var authErr *storage.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.FileEditingDenied())
	assert.Equal(t, int64(77), authErr.GroupID)
	assert.False(t, env.mode.Session().CredentialsCached(), "403 clears the credential cache")
}

func TestUpload_NotFoundResetsClientOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)
	env.server.behave(func(b *behavior) { b.paramsStatus = http.StatusNotFound })
	env.resetter.EXPECT().ResetClient(gomock.Any()).Return(nil).Times(1)

	a := localAttachment(t, "GONE0001", "paper.pdf", []byte("x"), 1000)
	b := localAttachment(t, "GONE0002", "paper.pdf", []byte("y"), 1000)
	env.serve(a, b)

	_, err := env.mode.UploadFile(context.Background(), uploadReq(a))

	var nf *storage.NotFoundRemoteStateError
	require.ErrorAs(t, err, &nf)
	assert.True(t, nf.ResetPerformed)
	assert.Equal(t, storage.PolicyResetClient, storage.PolicyFor(err))

	_, err = env.mode.UploadFile(context.Background(), uploadReq(b))
	require.ErrorAs(t, err, &nf)
	assert.False(t, nf.ResetPerformed)
	assert.Equal(t, storage.PolicyFatal, storage.PolicyFor(err))
}

func TestUpload_NotFoundWithAutoResetDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, withoutAutoReset())
	env.server.behave(func(b *behavior) { b.paramsStatus = http.StatusNotFound })
	env.resetter.EXPECT().ResetClient(gomock.Any()).Times(0)

	a := localAttachment(t, "GONE0003", "paper.pdf", []byte("x"), 1000)
	env.serve(a)

	_, err := env.mode.UploadFile(context.Background(), uploadReq(a))

	var nf *storage.NotFoundRemoteStateError
	require.ErrorAs(t, err, &nf)
	assert.False(t, nf.ResetPerformed)
}

func TestUpload_UnexpectedParamsStatus(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	env.server.behave(func(b *behavior) { b.paramsStatus = http.StatusTeapot })
	a := localAttachment(t, "TEAP0001", "paper.pdf", []byte("x"), 1000)
	env.serve(a)

	_, err := env.mode.UploadFile(context.Background(), uploadReq(a))

	var unexpected *storage.UnexpectedStatusError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, http.StatusTeapot, unexpected.Status)
	assert.Equal(t, storage.PolicyRetry, storage.PolicyFor(err))
}

func TestUpload_MultiFileSendsZip(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "SNAP0001", "index.html", []byte("<html>page</html>"), 3000)
	require.NoError(t, os.WriteFile(filepath.Join(a.Dir, "style.css"), []byte("body{}"), 0o644))
	a.NumFiles = 2
	env.serve(a)

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)

	env.server.mu.Lock()
	assert.Equal(t, "1", env.server.lastParamsForm["zip"])
	assert.Equal(t, "SNAP0001.zip", env.server.lastParamsForm["filename"])
	env.server.mu.Unlock()

	remote := env.server.file(a.Key)
	require.NotNil(t, remote)
	assert.True(t, remote.compressed)

	zr, err := zip.NewReader(bytes.NewReader(remote.data), int64(len(remote.data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}

	assert.ElementsMatch(t, []string{"index.html", "style.css"}, names)

	_, statErr := os.Stat(filepath.Join(env.tempDir, "SNAP0001.zip"))
	assert.True(t, os.IsNotExist(statErr), "staged zip removed after success")

	assert.Empty(t, env.record(t, a.ID).SyncedHash, "no hash for multi-file attachments")
}

func TestUpload_MissingLocalFile(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := missingAttachment(t, "MISS0001", "paper.pdf")
	env.serve(a)

	_, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.Error(t, err)
	assert.Equal(t, int32(0), env.server.paramRequests.Load())
}

func TestUpload_CredentialsNotSentToUploadHost(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))

	gotAuth := make(chan string, 1)

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")

		_ = r.ParseMultipartForm(1 << 20)
		w.WriteHeader(http.StatusCreated)
	}))
	defer other.Close()

	env.server.behave(func(b *behavior) { b.uploadBase = other.URL })

	a := localAttachment(t, "HOST0001", "paper.pdf", []byte("x"), 1000)
	env.serve(a)

	res, err := env.mode.UploadFile(context.Background(), uploadReq(a))
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeTransferred, res.Outcome)

	select {
	case auth := <-gotAuth:
		assert.Empty(t, auth)
	default:
		t.Fatal("upload host never received the file")
	}
}

func TestUpload_ConcurrentUploadsShareOneAuthCheck(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	gate := make(chan struct{})
	env.server.behave(func(b *behavior) { b.authGate = gate })

	a := localAttachment(t, "CONC0001", "a.pdf", []byte("first"), 1000)
	b := localAttachment(t, "CONC0002", "b.pdf", []byte("second"), 2000)
	env.serve(a, b)

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i, att := range []*storage.Attachment{a, b} {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_, errs[i] = env.mode.UploadFile(context.Background(), uploadReq(att))
		}()
	}

	require.Eventually(t, func() bool { return env.server.authProbes.Load() == 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), env.server.paramRequests.Load(), "no upload before authentication")
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), env.server.authProbes.Load())
	assert.Equal(t, int32(2), env.server.registrations.Load())
}

func TestUpload_CancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "CANC0001", "paper.pdf", []byte("x"), 1000)
	env.serve(a)

	req := uploadReq(a)
	req.Cancel()

	_, err := env.mode.UploadFile(context.Background(), req)
	assert.ErrorIs(t, err, storage.ErrCancelled)
	assert.Equal(t, storage.PhaseCancelled, req.Phase())
	assert.Equal(t, int32(0), env.server.paramRequests.Load())
	assert.Equal(t, storage.StateUnsynced, env.record(t, a.ID).State)
}

func TestUpload_MultiFileCancelledMidStream(t *testing.T) {
	env := newTestEnv(t, gomock.NewController(t))
	a := localAttachment(t, "CANC0002", "index.html", bytes.Repeat([]byte("p"), 256*1024), 3000)
	require.NoError(t, os.WriteFile(filepath.Join(a.Dir, "style.css"), []byte("body{}"), 0o644))
	a.NumFiles = 2
	env.serve(a)

	started := make(chan struct{})
	env.server.behave(func(b *behavior) { b.uploadStarted = started })

	req := uploadReq(a)
	done := make(chan error, 1)

	go func() {
		_, err := env.mode.UploadFile(context.Background(), req)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started streaming")
	}

	req.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, storage.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after cancel")
	}

	assert.Equal(t, storage.PhaseCancelled, req.Phase())
	assert.Equal(t, int32(0), env.server.registrations.Load())
	assert.Nil(t, env.server.file(a.Key))

	_, statErr := os.Stat(filepath.Join(env.tempDir, a.Key+".zip"))
	assert.True(t, os.IsNotExist(statErr), "staged zip removed after cancel")

	rec := env.record(t, a.ID)
	assert.Equal(t, storage.StateUnsynced, rec.State)
	assert.Equal(t, int64(0), rec.SyncedModTime)
	assert.Empty(t, rec.SyncedHash)
}

// --- parsing ---

func TestParseUploadXML(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<upload>
  <url>https://uploads.example.com/</url>
  <key>abc123</key>
  <params>
    <key>1/ABCD/file</key>
    <AWSAccessKeyId>AKIA</AWSAccessKeyId>
    <policy>cG9saWN5</policy>
  </params>
</upload>`

	target, err := parseUploadXML([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "https://uploads.example.com/", target.URL)
	assert.Equal(t, "abc123", target.Key)
	assert.Equal(t, []formParam{
		{Name: "key", Value: "1/ABCD/file"},
		{Name: "AWSAccessKeyId", Value: "AKIA"},
		{Name: "policy", Value: "cG9saWN5"},
	}, target.Params)
}

func TestParseUploadXML_Exists(t *testing.T) {
	target, err := parseUploadXML([]byte(`<?xml version="1.0"?><exists/>`))
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestParseUploadXML_Invalid(t *testing.T) {
	for _, body := range []string{"not xml", "<error>nope</error>", "<upload><key>k</key></upload>"} {
		_, err := parseUploadXML([]byte(body))

		var perr *storage.ProtocolError
		assert.ErrorAs(t, err, &perr, body)
	}
}

func TestParseUploadJSON(t *testing.T) {
	target, err := parseUploadJSON([]byte(`{"url":"https://u.example.com/","uploadKey":"k1","params":{"b":"2","a":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "k1", target.Key)
	assert.Equal(t, []formParam{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}, target.Params)

	target, err = parseUploadJSON([]byte(`{"exists":1}`))
	require.NoError(t, err)
	assert.Nil(t, target)

	_, err = parseUploadJSON([]byte(`{"url":`))
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 10*time.Minute, parseRetryAfter("600"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
}

func TestWriteMultipart_FieldOrderAndNFCFilename(t *testing.T) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	params := []formParam{{Name: "z", Value: "1"}, {Name: "a", Value: "2"}}
	require.NoError(t, writeMultipart(mw, params, "cafe\u0301.pdf", strings.NewReader("body")))

	mr := multipart.NewReader(&buf, mw.Boundary())

	var names []string

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		names = append(names, part.FormName())

		if part.FormName() == "file" {
			assert.Equal(t, "caf\u00e9.pdf", part.FileName())
		}
	}

	assert.Equal(t, []string{"z", "a", "file"}, names)
}
