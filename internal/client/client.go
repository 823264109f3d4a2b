// Package client talks to the time capsule backend. It wraps the four REST calls
// the locker needs (upload, list, download, delete) and turns HTTP failures into
// typed errors the front ends can present.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

const (
	// DefaultRequestsPerMinute matches the backend's per-user allowance.
	DefaultRequestsPerMinute = 40

	fallbackDownloadName = "download"
	msgDownloadFailed    = "Failed to download"
	msgDeleteFailed      = "Failed to delete capsule"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// RequestsPerMinute caps outgoing calls; zero or less disables pacing.
	RequestsPerMinute int
	// HTTPClient is wrapped with tracing; nil means http.DefaultTransport.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a CapsuleClient. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	newID   func() string
}

// New validates opts and returns a ready Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", opts.BaseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		// Copy so wrapping the transport never mutates the caller's client.
		*httpClient = *opts.HTTPClient
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient.Transport = otelhttp.NewTransport(transport)
	return &Client{
		base:    base,
		http:    httpClient,
		limiter: newLimiter(opts.RequestsPerMinute),
		logger:  logger,
		newID:   uuid.NewString,
	}, nil
}

// newLimiter builds a token bucket whose burst plus one minute of refill never
// exceeds perMinute, so any 60 second window stays inside the server's limit.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := max(perMinute/2, 1)
	refill := max(perMinute-burst, 1)
	return rate.NewLimiter(rate.Limit(float64(refill)/60.0), burst)
}

// uploadResponse is what POST /api/upload answers with.
type uploadResponse struct {
	Status string `json:"status"`
	FileID string `json:"file_id"`
	URL    string `json:"url"`
}

// Upload streams the file plus its metadata as one multipart request. The caller
// is expected to have validated the form; Upload still refuses a blank owner key.
func (c *Client) Upload(ctx context.Context, p model.PendingUpload) (*model.CapsuleRecord, error) {
	if strings.TrimSpace(p.OwnerKey) == "" {
		return nil, ErrOwnerKeyRequired
	}
	if p.File == nil || p.File.Reader == nil {
		return nil, &ValidationError{Field: "file", Message: "Choose a file"}
	}
	users, err := json.Marshal(p.AllowedUsers)
	if err != nil {
		return nil, fmt.Errorf("encode allowed users: %w", err)
	}
	// io.Pipe lets the multipart encoder feed the request body as it is sent,
	// so large capsules never sit in memory in full.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, p, string(users)))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(nil, "api", "upload"), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		return nil, &ServerError{Status: resp.StatusCode, Message: bodyMessage(body)}
	}
	var out uploadResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			c.logger.Warn("upload response not json", "error", err)
		}
	}
	return &model.CapsuleRecord{
		ID:           out.FileID,
		Filename:     p.File.Name,
		UnlockDate:   p.UnlockDate,
		AllowedUsers: append([]string(nil), p.AllowedUsers...),
	}, nil
}

func writeUploadForm(mw *multipart.Writer, p model.PendingUpload, users string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(p.File.Name)))
	contentType := p.File.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, p.File.Reader); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	fields := [][2]string{
		{"unlock_date", p.UnlockDate.String()},
		{"allowed_users", users},
		{"user_id", p.OwnerKey},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("write %s: %w", f[0], err)
		}
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// List returns every capsule the owner key may see.
func (c *Client) List(ctx context.Context, ownerKey string) ([]model.CapsuleRecord, error) {
	if strings.TrimSpace(ownerKey) == "" {
		return nil, ErrOwnerKeyRequired
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(ownerQuery(ownerKey), "api", "files"), nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		return nil, &ServerError{Status: resp.StatusCode, Message: bodyMessage(body)}
	}
	var records []model.CapsuleRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode capsule list: %w", err)
	}
	return records, nil
}

// Download fetches a capsule body. A 403 carrying unlock_date becomes
// NotYetUnlockedError; every other failure is a ServerError.
func (c *Client) Download(ctx context.Context, id, ownerKey string) (*model.Blob, error) {
	if strings.TrimSpace(ownerKey) == "" {
		return nil, ErrOwnerKeyRequired
	}
	if id == "" {
		return nil, ErrCapsuleIDRequired
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(ownerQuery(ownerKey), "api", "download", id), nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		if eb.UnlockDate != "" {
			ts, perr := model.ParseTimestamp(eb.UnlockDate)
			if perr != nil {
				c.logger.Warn("unparseable unlock_date", "value", eb.UnlockDate, "error", perr)
			}
			return nil, &NotYetUnlockedError{UnlockDate: ts, Raw: eb.UnlockDate}
		}
		return nil, &ServerError{Status: resp.StatusCode, Message: jsonMessage(body, true, msgDownloadFailed)}
	}
	if !success(resp.StatusCode) {
		return nil, &ServerError{Status: resp.StatusCode, Message: jsonMessage(body, false, msgDownloadFailed)}
	}
	return &model.Blob{
		CapsuleID:   id,
		Filename:    attachmentName(resp.Header.Get("Content-Disposition")),
		ContentType: resp.Header.Get("Content-Type"),
		Data:        body,
	}, nil
}

// Delete removes a capsule on the server. Confirmation is the caller's job.
func (c *Client) Delete(ctx context.Context, id, ownerKey string) error {
	if strings.TrimSpace(ownerKey) == "" {
		return ErrOwnerKeyRequired
	}
	if id == "" {
		return ErrCapsuleIDRequired
	}
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint(ownerQuery(ownerKey), "api", "delete", id), nil)
	if err != nil {
		return err
	}
	resp, body, err := c.do(req)
	if err != nil {
		return err
	}
	if !success(resp.StatusCode) {
		return &ServerError{Status: resp.StatusCode, Message: jsonMessage(body, false, msgDeleteFailed)}
	}
	return nil
}

func (c *Client) endpoint(q url.Values, elem ...string) string {
	u := c.base.JoinPath(elem...)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func ownerQuery(ownerKey string) url.Values {
	return url.Values{"user_id": {ownerKey}}
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("X-Request-ID", c.newID())
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do paces, sends and fully reads one request. No retries and no client-side
// deadline: failures come from the transport or the caller's context.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, nil, fmt.Errorf("rate limit wait: %w", err)
	}
	start := time.Now()
	reqID := req.Header.Get("X-Request-ID")
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("capsule request failed", "method", req.Method, "path", req.URL.Path, "request_id", reqID, "error", err)
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	c.logger.Debug("capsule request", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode,
		"request_id", reqID, "duration", time.Since(start))
	return resp, body, nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}

// bodyMessage prefers a structured error field and falls back to the raw text.
func bodyMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if msg := eb.text(false); msg != "" {
			return msg
		}
	}
	return trimBody(body)
}

// jsonMessage reads the error envelope, using fallback when it is absent.
func jsonMessage(body []byte, preferMessage bool, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if msg := eb.text(preferMessage); msg != "" {
			return msg
		}
	}
	return fallback
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return fallbackDownloadName
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return fallbackDownloadName
	}
	name := params["filename"]
	// Only the base name is kept; a server must never choose our directory.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return fallbackDownloadName
	}
	return name
}

// IsNotYetUnlocked reports whether err is the distinguished locked response.
func IsNotYetUnlocked(err error) (*NotYetUnlockedError, bool) {
	var locked *NotYetUnlockedError
	if errors.As(err, &locked) {
		return locked, true
	}
	return nil, false
}
