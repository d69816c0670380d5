package zfs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/storage-sync/internal/state"
	"github.com/alexjbarnes/storage-sync/storage"
	"github.com/alexjbarnes/storage-sync/storage/storagemock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	testUserID   = 1
	testUsername = "user"
	testPassword = "pass"
)

// remoteFile is a file as the fake server stores it.
type remoteFile struct {
	data       []byte
	mtime      int64
	hash       string
	filename   string
	compressed bool
}

// behavior holds the knobs tests turn to provoke server responses.
type behavior struct {
	paramsStatus   int
	retryAfter     string
	paramsJSON     bool
	alwaysExists   bool
	omitETag       bool
	downloadStatus int
	uploadBase     string

	// authGate blocks the credential probe until closed.
	authGate chan struct{}

	// streamStarted is closed after the first download chunk is sent; the
	// handler then waits for the client to go away.
	streamStarted chan struct{}

	// uploadStarted is closed once the first upload body bytes arrive; the
	// handler then drains the body until the client goes away.
	uploadStarted chan struct{}
}

// fakeZFS is an in-memory storage server speaking the subset of the
// protocol the client uses.
type fakeZFS struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	files   map[string]*remoteFile
	pending map[string]*remoteFile

	lastSync      *int64
	stampLastSync int64
	b             behavior

	authProbes    atomic.Int32
	paramRequests atomic.Int32
	uploads       atomic.Int32
	downloads     atomic.Int32
	registrations atomic.Int32

	lastParamsForm map[string]string
	uploadFields   []string
	uploadAuth     string
	purgeQueries   []string
}

func newFakeZFS(t *testing.T) *fakeZFS {
	t.Helper()

	f := &fakeZFS{
		t:             t,
		files:         make(map[string]*remoteFile),
		pending:       make(map[string]*remoteFile),
		stampLastSync: 1700000123,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", f.handleAuth)
	mux.HandleFunc("GET /users/1/items/{key}/file", f.handleFileGet)
	mux.HandleFunc("POST /users/1/items/{key}/file", f.handleFilePost)
	mux.HandleFunc("GET /groups/{group}/items/{key}/file", f.handleFileGet)
	mux.HandleFunc("POST /groups/{group}/items/{key}/file", f.handleFilePost)
	mux.HandleFunc("POST /upload/{key}", f.handleUpload)
	mux.HandleFunc("GET /users/1/laststoragesync", f.handleGetLastSync)
	mux.HandleFunc("POST /users/1/laststoragesync", f.handleSetLastSync)
	mux.HandleFunc("POST /users/1/removestoragefiles", f.handlePurge)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeZFS) URL() string { return f.srv.URL + "/" }

func (f *fakeZFS) behave(fn func(b *behavior)) {
	f.mu.Lock()
	fn(&f.b)
	f.mu.Unlock()
}

func (f *fakeZFS) snapshot() behavior {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.b
}

func (f *fakeZFS) putFile(key string, rf *remoteFile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rf.hash == "" {
		rf.hash = md5Hex(rf.data)
	}

	f.files[key] = rf
}

func (f *fakeZFS) file(key string) *remoteFile {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.files[key]
}

func (f *fakeZFS) handleAuth(w http.ResponseWriter, r *http.Request) {
	f.authProbes.Add(1)

	if gate := f.snapshot().authGate; gate != nil {
		<-gate
	}

	user, pass, ok := r.BasicAuth()
	if !ok || user != testUsername || pass != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (f *fakeZFS) handleFileGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rf := f.file(key)
	b := f.snapshot()

	if r.URL.Query().Get("info") == "1" {
		if rf == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		if !b.omitETag {
			w.Header().Set("ETag", rf.hash)
		}

		w.Header().Set(headerFilename, rf.filename)
		w.Header().Set(headerModTime, strconv.FormatInt(rf.mtime, 10))

		if rf.compressed {
			w.Header().Set(headerCompressed, "Yes")
		} else {
			w.Header().Set(headerCompressed, "No")
		}

		w.WriteHeader(http.StatusOK)

		return
	}

	f.downloads.Add(1)

	if b.downloadStatus != 0 {
		w.WriteHeader(b.downloadStatus)
		return
	}

	if rf == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if b.streamStarted != nil {
		w.Header().Set("Content-Length", strconv.Itoa(len(rf.data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rf.data[:len(rf.data)/2])
		w.(http.Flusher).Flush()
		close(b.streamStarted)
		<-r.Context().Done()

		return
	}

	_, _ = w.Write(rf.data)
}

func (f *fakeZFS) handleFilePost(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if upKey := r.PostForm.Get("update"); upKey != "" {
		f.register(w, key, upKey, r.PostForm.Get("mtime"))
		return
	}

	f.paramRequests.Add(1)
	b := f.snapshot()

	f.mu.Lock()
	f.lastParamsForm = map[string]string{}
	for k := range r.PostForm {
		f.lastParamsForm[k] = r.PostForm.Get(k)
	}
	f.mu.Unlock()

	if b.paramsStatus != 0 {
		if b.retryAfter != "" {
			w.Header().Set("Retry-After", b.retryAfter)
		}

		w.WriteHeader(b.paramsStatus)

		return
	}

	mtime, _ := strconv.ParseInt(r.PostForm.Get("mtime"), 10, 64)
	hash := r.PostForm.Get("md5")

	existing := f.file(key)
	if b.alwaysExists || (existing != nil && existing.hash == hash) {
		if b.paramsJSON {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"exists":1}`)

			return
		}

		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+"\n<exists/>")

		return
	}

	upKey := "up-" + key

	f.mu.Lock()
	f.pending[upKey] = &remoteFile{
		hash:       hash,
		mtime:      mtime,
		filename:   r.PostForm.Get("filename"),
		compressed: r.PostForm.Get("zip") == "1",
	}
	f.mu.Unlock()

	base := b.uploadBase
	if base == "" {
		base = f.srv.URL
	}

	target := base + "/upload/" + key

	if b.paramsJSON {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = fmt.Fprintf(w, `{"url":%q,"uploadKey":%q,"params":{"key":"%s/file","acl":"private","policy":"p0l1cy"}}`,
			target, upKey, key)

		return
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<upload><url>%s</url><key>%s</key><params><key>%s/file</key><acl>private</acl><policy>p0l1cy</policy></params></upload>`,
		target, upKey, key)
}

func (f *fakeZFS) register(w http.ResponseWriter, key, upKey, mtime string) {
	f.registrations.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	rf, ok := f.pending[upKey]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rf.mtime, _ = strconv.ParseInt(mtime, 10, 64)
	f.files[key] = rf
	delete(f.pending, upKey)

	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeZFS) handleUpload(w http.ResponseWriter, r *http.Request) {
	f.uploads.Add(1)
	key := r.PathValue("key")

	if started := f.snapshot().uploadStarted; started != nil {
		_, _ = io.ReadFull(r.Body, make([]byte, 1))
		close(started)
		_, _ = io.Copy(io.Discard, r.Body)

		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var (
		fields []string
		data   []byte
	)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		fields = append(fields, part.FormName())

		if part.FormName() == "file" {
			data, _ = io.ReadAll(part)
		}
	}

	f.mu.Lock()
	f.uploadFields = fields
	f.uploadAuth = r.Header.Get("Authorization")

	if rf, ok := f.pending["up-"+key]; ok {
		rf.data = data
	}
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (f *fakeZFS) handleGetLastSync(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastSync == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	_, _ = io.WriteString(w, strconv.FormatInt(*f.lastSync, 10))
}

func (f *fakeZFS) handleSetLastSync(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts := f.stampLastSync
	f.lastSync = &ts

	_, _ = io.WriteString(w, strconv.FormatInt(ts, 10))
}

func (f *fakeZFS) handlePurge(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.purgeQueries = append(f.purgeQueries, r.URL.RawQuery)
	f.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// testEnv bundles a Mode with its real state and fakes.
type testEnv struct {
	server    *fakeZFS
	mode      *Mode
	state     *state.State
	sink      *storage.LogSink
	conflicts *storage.Conflicts
	store     *storagemock.MockAttachmentStore
	resetter  *storagemock.MockClientResetter
	tempDir   string
}

type envOption func(*Config)

func withoutAutoReset() envOption {
	return func(c *Config) { c.DisableAutoReset = true }
}

func newTestEnv(t *testing.T, ctrl *gomock.Controller, opts ...envOption) *testEnv {
	t.Helper()

	server := newFakeZFS(t)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		server:    server,
		state:     st,
		sink:      storage.NewLogSink(quietLogger),
		conflicts: &storage.Conflicts{},
		store:     storagemock.NewMockAttachmentStore(ctrl),
		resetter:  storagemock.NewMockClientResetter(ctrl),
		tempDir:   t.TempDir(),
	}

	cfg := Config{
		Client: ClientConfig{
			RootURL:  server.URL(),
			UserID:   testUserID,
			Username: testUsername,
			Password: testPassword,
			Timeout:  10 * time.Second,
		},
		TempDir: env.tempDir,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	env.mode, err = New(cfg, Deps{
		Store:     env.store,
		Ledger:    st,
		Settings:  st,
		Sink:      env.sink,
		Resetter:  env.resetter,
		Conflicts: env.conflicts,
	}, quietLogger)
	require.NoError(t, err)

	return env
}

// serve registers attachments with the mock store.
func (e *testEnv) serve(atts ...*storage.Attachment) {
	for _, a := range atts {
		e.store.EXPECT().Attachment(gomock.Any(), a.ID).Return(a, nil).AnyTimes()
	}
}

func (e *testEnv) record(t *testing.T, id string) state.LedgerRecord {
	t.Helper()

	rec, err := e.state.Record(id)
	require.NoError(t, err)

	return rec
}

// localAttachment writes content to <dir>/<key>/<name> and describes it.
func localAttachment(t *testing.T, key, name string, content []byte, mtime int64) *storage.Attachment {
	t.Helper()

	dir := filepath.Join(t.TempDir(), key)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return &storage.Attachment{
		ID:       "item-" + key,
		Key:      key,
		Library:  storage.Library{ID: 1},
		Dir:      dir,
		Path:     path,
		NumFiles: 1,
		ModTime:  mtime,
		Hash:     md5Hex(content),
		Exists:   true,
	}
}

// missingAttachment describes an attachment whose file is not on disk yet.
func missingAttachment(t *testing.T, key, name string) *storage.Attachment {
	t.Helper()

	dir := filepath.Join(t.TempDir(), key)

	return &storage.Attachment{
		ID:      "item-" + key,
		Key:     key,
		Library: storage.Library{ID: 1},
		Dir:     dir,
		Path:    filepath.Join(dir, name),
	}
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // protocol hash
	return hex.EncodeToString(sum[:])
}
