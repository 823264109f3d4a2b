// Package capsuletest runs an in-memory stand-in for the time capsule backend.
// Tests across the module point a real client at it; it speaks the same routes,
// status codes and JSON envelopes as the production server.
package capsuletest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

// storedLayout is how the backend persists and echoes unlock dates.
const storedLayout = "2006-01-02 15:04:05"

// Capsule is a stored upload.
type Capsule struct {
	ID           string
	Filename     string
	UnlockDate   model.Timestamp
	UploadDate   model.Timestamp
	AllowedUsers []string
	Uploader     string
	ContentType  string
	Data         []byte
}

type failure struct {
	status int
	body   string
}

// Server is the fake backend. Route hit counters and one-shot failures let tests
// assert exactly which requests a component issued.
type Server struct {
	*httptest.Server

	mu       sync.RWMutex
	capsules map[string]*Capsule
	order    []string
	hits     map[string]int
	failures map[string]failure
	now      func() time.Time
}

// New starts a Server and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		capsules: make(map[string]*Capsule),
		hits:     make(map[string]int),
		failures: make(map[string]failure),
		now:      time.Now,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// SetNow overrides the clock used for unlock checks.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Route names used by Hits and FailNext.
const (
	RouteUpload   = "upload"
	RouteList     = "files"
	RouteDownload = "download"
	RouteDelete   = "delete"
)

// Hits returns how many requests reached route.
func (s *Server) Hits(route string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits[route]
}

// TotalHits counts every API request.
func (s *Server) TotalHits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// FailNext makes the next request to route answer status with body verbatim.
func (s *Server) FailNext(route string, status int, body string) {
	s.mu.Lock()
	s.failures[route] = failure{status: status, body: body}
	s.mu.Unlock()
}

// Put stores a capsule directly, bypassing the upload route.
func (s *Server) Put(c Capsule) *Capsule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = randomID()
	}
	if c.UploadDate.IsZero() {
		c.UploadDate = model.FromTime(s.now())
	}
	if c.Uploader != "" && !contains(c.AllowedUsers, c.Uploader) {
		c.AllowedUsers = append(c.AllowedUsers, c.Uploader)
	}
	stored := c
	s.capsules[c.ID] = &stored
	s.order = append(s.order, c.ID)
	return &stored
}

// Get returns a copy of a stored capsule.
func (s *Server) Get(id string) (Capsule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capsules[id]
	if !ok {
		return Capsule{}, false
	}
	return *c, true
}

// Len reports how many capsules are stored.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.capsules)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", s.counted(RouteUpload, http.MethodPost, s.handleUpload))
	mux.HandleFunc("/api/files", s.counted(RouteList, http.MethodGet, s.handleList))
	mux.HandleFunc("/api/download/", s.counted(RouteDownload, http.MethodGet, s.handleDownload))
	mux.HandleFunc("/api/delete/", s.counted(RouteDelete, http.MethodDelete, s.handleDelete))
	return mux
}

func (s *Server) counted(route, method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[route]++
		f, failing := s.failures[route]
		delete(s.failures, route)
		s.mu.Unlock()
		if failing {
			w.WriteHeader(f.status)
			io.WriteString(w, f.body)
			return
		}
		if r.Method != method {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	var (
		c       Capsule
		fields  = map[string]string{}
		gotFile bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		if part.FormName() == "file" {
			gotFile = true
			c.Filename = secureName(part.FileName())
			c.ContentType = part.Header.Get("Content-Type")
			c.Data = data
			continue
		}
		fields[part.FormName()] = string(data)
	}
	if !gotFile {
		respondError(w, http.StatusBadRequest, "Capsule not provided")
		return
	}
	if c.Filename == "" {
		respondError(w, http.StatusBadRequest, "Capsule name not provided")
		return
	}
	c.Uploader = fields["user_id"]
	if c.Uploader == "" {
		respondError(w, http.StatusBadRequest, "Capsule key is required")
		return
	}
	users, err := parseAllowedUsers(fields["allowed_users"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.AllowedUsers = users
	c.UnlockDate, err = model.ParseTimestamp(fields["unlock_date"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "date format error: "+err.Error())
		return
	}
	saved := s.Put(c)
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"file_id": saved.ID,
		"url":     s.URL + "/files/" + saved.ID,
	})
}

// secureName sanitises an uploaded name the way the backend does: whitespace
// runs become underscores.
func secureName(name string) string {
	return strings.Join(strings.Fields(name), "_")
}

func parseAllowedUsers(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("You must specify which users will be granted capsule access")
	}
	var users []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &users); err != nil {
			return nil, errors.New("The format of the allowed capsule receipt key list is incorrect")
		}
	} else {
		users = strings.Split(raw, ",")
	}
	out := users[:0]
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" && !contains(out, u) {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("No valid capsule key was provided")
	}
	return out, nil
}

type listEntry struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	UploadDate string `json:"upload_date"`
	UnlockDate string `json:"unlock_date"`
	Unlocked   bool   `json:"unlocked"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		respondError(w, http.StatusBadRequest, "User ID is required")
		return
	}
	s.mu.RLock()
	out := make([]listEntry, 0, len(s.order))
	// Newest first, like the backend's ORDER BY upload_date DESC.
	for i := len(s.order) - 1; i >= 0; i-- {
		c, ok := s.capsules[s.order[i]]
		if !ok || !contains(c.AllowedUsers, user) {
			continue
		}
		out = append(out, listEntry{
			ID:         c.ID,
			Filename:   c.Filename,
			UploadDate: stored(c.UploadDate),
			UnlockDate: stored(c.UnlockDate),
			Unlocked:   s.unlocked(c),
			FileSize:   int64(len(c.Data)),
			MimeType:   c.ContentType,
		})
	}
	s.mu.RUnlock()
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/download/")
	user := r.URL.Query().Get("user_id")
	if user == "" {
		respondError(w, http.StatusUnauthorized, "Capsule key is required")
		return
	}
	c, ok := s.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	s.mu.RLock()
	open := s.unlocked(&c)
	s.mu.RUnlock()
	if !open {
		respondJSON(w, http.StatusForbidden, map[string]string{
			"error":       "This capsule is still locked",
			"message":     "This capsule will be unlocked at " + c.UnlockDate.String(),
			"unlock_date": stored(c.UnlockDate),
		})
		return
	}
	if !contains(c.AllowedUsers, user) {
		respondError(w, http.StatusForbidden, "You do not have permission to access the capsule")
		return
	}
	contentType := c.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+c.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(c.Data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/delete/")
	user := r.URL.Query().Get("user_id")
	if user == "" {
		respondError(w, http.StatusUnauthorized, "Capsule Key is required")
		return
	}
	s.mu.Lock()
	c, ok := s.capsules[id]
	switch {
	case !ok:
		s.mu.Unlock()
		respondError(w, http.StatusNotFound, "Capsule not found")
		return
	case c.Uploader != user:
		s.mu.Unlock()
		respondError(w, http.StatusForbidden, "You do not have permission to delete capsules. Capsules can only be deleted by the user who uploaded them.")
		return
	}
	delete(s.capsules, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// unlocked compares naive wall-clock values; the caller holds s.mu.
func (s *Server) unlocked(c *Capsule) bool {
	return c.UnlockDate.String() <= model.FromTime(s.now()).String()
}

func stored(ts model.Timestamp) string {
	return ts.In(time.UTC).Format(storedLayout)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func randomID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
