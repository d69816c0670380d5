package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/storage-sync/internal/metrics"
	"github.com/alexjbarnes/storage-sync/storage"
	"golang.org/x/time/rate"
)

// DefaultRootURL is the production storage API root.
const DefaultRootURL = "https://sync.zotero.org/"

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// defaultTimeout bounds whole transfers, not just the API calls, so it
	// has to leave room for large files.
	defaultTimeout = 10 * time.Minute

	// maxAPIResponseBytes caps reads of small API responses.
	maxAPIResponseBytes = 1024 * 1024

	// maxErrorBodyBytes caps how much of an error body is kept.
	maxErrorBodyBytes = 256
)

// Client is the HTTP transport for the storage API. Credentials are sent
// only to the root host; server-supplied upload and download URLs on other
// hosts never see them.
type Client struct {
	httpClient *http.Client
	root       *url.URL
	userID     int64
	username   string
	password   string
	limiter    *rate.Limiter
}

// ClientConfig configures a Client.
type ClientConfig struct {
	RootURL  string
	UserID   int64
	Username string
	Password string

	// RateLimit is the maximum number of API calls per second. Zero
	// disables throttling.
	RateLimit float64

	Timeout    time.Duration
	HTTPClient *http.Client
}

// redirectPolicy follows redirects to other hosts, which the download
// endpoint relies on, but refuses to downgrade from https to http. net/http
// drops the Authorization header on cross-host redirects by itself.
func redirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect from https to %s blocked", req.URL.Scheme)
	}

	return nil
}

// NewClient creates a storage API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rootURL := cfg.RootURL
	if rootURL == "" {
		rootURL = DefaultRootURL
	}

	if !strings.HasSuffix(rootURL, "/") {
		rootURL += "/"
	}

	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parsing root url: %w", err)
	}

	if root.Scheme != "http" && root.Scheme != "https" {
		return nil, fmt.Errorf("root url must be http or https, got %q", root.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: redirectPolicy,
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &Client{
		httpClient: httpClient,
		root:       root,
		userID:     cfg.UserID,
		username:   cfg.Username,
		password:   cfg.Password,
		limiter:    limiter,
	}, nil
}

// rootURL is the credential probe URL.
func (c *Client) rootURL() string {
	return c.root.String() + "?auth=1"
}

// userURL returns "<root>users/<id>/<rest>".
func (c *Client) userURL(rest string) string {
	return c.root.String() + "users/" + strconv.FormatInt(c.userID, 10) + "/" + rest
}

// itemPath is the library-scoped path of an attachment item.
func (c *Client) itemPath(a *storage.Attachment) string {
	if a.Library.IsGroup() {
		return "groups/" + strconv.FormatInt(a.Library.GroupID, 10) + "/items/" + url.PathEscape(a.Key)
	}

	return "users/" + strconv.FormatInt(c.userID, 10) + "/items/" + url.PathEscape(a.Key)
}

// itemFileURL is the file endpoint used for download, upload parameters
// and registration.
func (c *Client) itemFileURL(a *storage.Attachment) string {
	return c.root.String() + c.itemPath(a) + "/file?auth=1&iskey=1&version=1"
}

// itemInfoURL is the metadata-only variant of itemFileURL.
func (c *Client) itemInfoURL(a *storage.Attachment) string {
	return c.itemFileURL(a) + "&info=1"
}

// newRequest builds a request against any URL. Form bodies get the
// urlencoded content type.
func (c *Client) newRequest(ctx context.Context, method, target string, form url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return req, nil
}

// do sends req after waiting for the rate limiter. Network failures are
// transient. The caller owns the response body.
func (c *Client) do(ctx context.Context, op storage.Operation, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if req.URL.Host == c.root.Host && c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveHTTP(string(op), 0, time.Since(start))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &storage.TransientError{Err: fmt.Errorf("%s: %w", op, redact(err))}
	}

	metrics.ObserveHTTP(string(op), resp.StatusCode, time.Since(start))

	return resp, nil
}

// readBody reads a capped API response body and closes it.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	return io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
}

// drain discards the rest of a body so the connection can be reused, and
// returns a sanitized prefix for error messages.
func drain(resp *http.Response) string {
	body, _ := readBody(resp)
	return sanitizeResponseBody(body)
}

// redact strips user info from URL errors so passwords never reach logs.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, perr := url.Parse(urlErr.URL); perr == nil && u.User != nil {
			u.User = url.User("********")
			urlErr.URL = u.String()
		}
	}

	return err
}

// sanitizeResponseBody truncates a response body for inclusion in error
// messages and replaces control characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
