// Package mockfoundry serves the small slice of the Foundry dataset and
// stream-proxy APIs that the Foundry warehouse adapter talks to, backed by CSV
// fixtures on disk and in-memory streams.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// RejectFunc decides whether a published stream record should be refused.
type RejectFunc func(streamRID string, record map[string]any) bool

// Server implements a minimal "Foundry-like" dataset and stream API surface.
type Server struct {
	inputDir string
	dataDir  string

	mu    sync.Mutex
	calls []Call

	expectedAuthorization string

	tables  map[string][]byte
	streams map[string][]map[string]any
	reject  RejectFunc
}

// New constructs a mock server. Input tables are read from inputDir/<rid>.csv.
// When dataDir is non-empty, every accepted stream record is also appended to
// dataDir/<rid>.jsonl so a local run leaves something to inspect.
func New(inputDir, dataDir string) *Server {
	return &Server{
		inputDir: inputDir,
		dataDir:  dataDir,
		tables:   make(map[string][]byte),
		streams:  make(map[string][]map[string]any),
	}
}

// RequireBearerToken enforces that requests include an Authorization header matching the token.
// If token is empty, authorization is not enforced.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// SetTable serves csv as the contents of dataset rid, overriding any fixture on disk.
func (s *Server) SetTable(rid string, csv []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[rid] = append([]byte(nil), csv...)
}

// CreateStream registers rid as a stream so it accepts jsonRecord publishes.
func (s *Server) CreateStream(rid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[rid]; !ok {
		s.streams[rid] = []map[string]any{}
	}
}

// RejectRecords installs f to refuse selected publishes with 400.
func (s *Server) RejectRecords(f RejectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = f
}

// StreamRecords returns a snapshot of the records accepted by stream rid.
func (s *Server) StreamRecords(rid string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.streams[rid]...)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/datasets/{rid}/branches/{branch}", s.wrap(s.handleGetBranch))
	mux.HandleFunc("GET /api/v2/datasets/{rid}/readTable", s.wrap(s.handleReadTable))
	mux.HandleFunc("GET /stream-proxy/api/streams/{rid}/branches/{branch}/records", s.wrap(s.handleStreamRecords))
	mux.HandleFunc("POST /stream-proxy/api/streams/{rid}/branches/{branch}/jsonRecord", s.wrap(s.handlePublish))
	return mux
}

func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		expected := s.expectedAuthorization
		s.mu.Unlock()

		if expected != "" && r.Header.Get("Authorization") != expected {
			writeError(w, http.StatusUnauthorized, "PERMISSION_DENIED", "Unauthorized")
			return
		}
		if !isSafeToken(r.PathValue("rid")) {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "InvalidResourceIdentifier")
			return
		}
		h(w, r)
	}
}

func (s *Server) table(rid string) ([]byte, error) {
	s.mu.Lock()
	b, ok := s.tables[rid]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	return os.ReadFile(filepath.Join(s.inputDir, rid+".csv"))
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	rid, branch := r.PathValue("rid"), r.PathValue("branch")
	if _, err := s.table(rid); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "DatasetNotFound")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":           branch,
		"transactionRid": "ri.foundry.main.transaction." + rid,
	})
}

func (s *Server) handleReadTable(w http.ResponseWriter, r *http.Request) {
	if f := r.URL.Query().Get("format"); f != "" && !strings.EqualFold(f, "CSV") {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "UnsupportedFormat")
		return
	}
	b, err := s.table(r.PathValue("rid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "DatasetNotFound")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(b)
}

func (s *Server) handleStreamRecords(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	s.mu.Lock()
	recs, ok := s.streams[rid]
	out := append([]map[string]any(nil), recs...)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "StreamNotFound")
		return
	}
	values := make([]map[string]any, 0, len(out))
	for _, rec := range out {
		values = append(values, map[string]any{"value": rec})
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": values})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "UnreadableBody")
		return
	}
	var rec map[string]any
	if err := json.Unmarshal(b, &rec); err != nil || rec == nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "InvalidRecord")
		return
	}

	s.mu.Lock()
	_, ok := s.streams[rid]
	reject := s.reject
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "StreamNotFound")
		return
	}
	if reject != nil && reject(rid, rec) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "RecordRejected")
		return
	}
	if err := s.persist(rid, b); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "PersistFailed")
		return
	}

	s.mu.Lock()
	s.streams[rid] = append(s.streams[rid], rec)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) persist(rid string, line []byte) error {
	if s.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dataDir, rid+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with a Conjure error envelope like the real services.
func writeError(w http.ResponseWriter, status int, code, name string) {
	writeJSON(w, status, map[string]string{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": "mock",
	})
}

func isSafeToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}
