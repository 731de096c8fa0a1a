package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"romfetch/internal/catalog"
	"romfetch/internal/download"
	"romfetch/internal/events"
	"romfetch/internal/settings"
	"romfetch/internal/store"
	"romfetch/internal/ui"
)

type downloadManager interface {
	Start(ctx context.Context, req download.Request) (download.JobInfo, error)
	Cancel(gameID string) error
	Snapshot() []download.JobInfo
}

type catalogStore interface {
	Search(ctx context.Context, term string, limit int) ([]store.Game, error)
}

type downloadDirs interface {
	Default() string
	Override(ctx context.Context) (string, bool, error)
	SetDownloadDir(ctx context.Context, path string) (string, error)
	ClearDownloadDir(ctx context.Context) error
}

type librarySync interface {
	Launch(ctx context.Context, opts catalog.Options) error
	Running() bool
}

type eventSource interface {
	Subscribe(buffer int, topics ...string) (<-chan events.Event, func())
}

// Deps are the engine components behind the HTTP surface.
type Deps struct {
	Downloads downloadManager
	Catalog   catalogStore
	Settings  downloadDirs
	Library   librarySync
	Events    eventSource

	// Probe checks that the catalog mirror is reachable.
	Probe func(ctx context.Context) error

	// Base outlives requests; background work started by a request runs under it.
	Base context.Context

	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int

	// KeepAlive is the event stream comment interval.
	KeepAlive time.Duration
}

// Server is the HTTP command boundary.
type Server struct {
	deps    Deps
	limiter *ipRateLimiter
	handler http.Handler
}

// New returns a Server with routes and middleware wired.
func New(d Deps) *Server {
	if d.Base == nil {
		d.Base = context.Background()
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = 15 * time.Second
	}
	s := &Server{deps: d}

	var rl rateLimiter = allowAll{}
	if d.RateLimit > 0 {
		s.limiter = newIPRateLimiter(d.RateLimit, time.Minute)
		rl = s.limiter
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/network_check", with(rl, s.handleNetworkCheck))
	mux.HandleFunc("/api/games", with(rl, s.handleGames))
	mux.HandleFunc("/api/download", with(rl, s.handleDownload))
	mux.HandleFunc("/api/downloads", with(rl, s.handleDownloads))
	mux.HandleFunc("/api/settings/download_dir", with(rl, s.handleDownloadDir))
	mux.HandleFunc("/api/library/update", with(rl, s.handleLibraryUpdate))
	mux.HandleFunc("/api/events", with(rl, s.handleEvents))
	mux.HandleFunc("/api/ws", with(rl, s.handleWebSocket))

	// HTML fragments for the page.
	mux.HandleFunc("/catalog/rows", with(rl, s.handleCatalogRows))
	mux.HandleFunc("/downloads/rows", with(rl, s.handleDownloadRows))
	mux.HandleFunc("/", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		renderHTML(w, r, ui.Page())
	}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.handler = recoverer(logger(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close releases the rate limiter's background goroutine.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) handleNetworkCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.deps.Probe == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "reachable": true})
		return
	}
	if err := s.deps.Probe(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "reachable": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "reachable": true})
}

func (s *Server) search(r *http.Request) ([]store.Game, error) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: limit", errBadRequest)
		}
		limit = n
	}
	return s.deps.Catalog.Search(r.Context(), q.Get("q"), limit)
}

func (s *Server) handleGames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	games, err := s.search(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "games": games})
}

func (s *Server) handleCatalogRows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	games, err := s.search(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	active := make(map[string]download.JobInfo)
	for _, j := range s.deps.Downloads.Snapshot() {
		active[j.GameID] = j
	}
	renderHTML(w, r, ui.CatalogRows(games, active))
}

func (s *Server) handleDownloadRows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	renderHTML(w, r, ui.DownloadsTable(s.deps.Downloads.Snapshot()))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req, err := decodeDownloadRequest(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		info, err := s.deps.Downloads.Start(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "started", "job_id": info.ID, "download": info})
	case http.MethodDelete:
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if err := s.deps.Downloads.Cancel(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "cancelling"})
	default:
		methodNotAllowed(w)
	}
}

// decodeDownloadRequest accepts JSON bodies and htmx form posts.
func decodeDownloadRequest(w http.ResponseWriter, r *http.Request) (download.Request, error) {
	var req download.Request
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.GameID = r.PostForm.Get("id")
	req.URL = r.PostForm.Get("url")
	req.FileName = r.PostForm.Get("file_name")
	return req, nil
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": s.deps.Downloads.Snapshot()})
}

func (s *Server) handleDownloadDir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if _, err := s.deps.Settings.SetDownloadDir(ctx, body.Path); err != nil {
			writeErr(w, err)
			return
		}
	case http.MethodDelete:
		if err := s.deps.Settings.ClearDownloadDir(ctx); err != nil {
			writeErr(w, err)
			return
		}
	default:
		methodNotAllowed(w)
		return
	}

	path, overridden, err := s.deps.Settings.Override(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !overridden {
		path = s.deps.Settings.Default()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"path":       path,
		"default":    s.deps.Settings.Default(),
		"overridden": overridden,
	})
}

func (s *Server) handleLibraryUpdate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "running": s.deps.Library.Running()})
	case http.MethodPost:
		var opts catalog.Options
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if err := s.deps.Library.Launch(s.deps.Base, opts); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "success", "message": "started", "rebuild": opts.Rebuild})
	default:
		methodNotAllowed(w)
	}
}

// handleEvents streams notifier events as Server-Sent Events. An optional
// repeated ?topic= narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	ch, cancel := s.deps.Events.Subscribe(256, r.URL.Query()["topic"]...)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(s.deps.KeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.deps.Base.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Payload)
			if err != nil {
				slog.Warn("encode event", "topic", evt.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Utilities

var errBadRequest = errors.New("invalid_request")

// errorCodes maps engine errors to HTTP status and message code. Order matters
// where errors wrap each other.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{errBadRequest, http.StatusBadRequest, "invalid_request"},
	{download.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{download.ErrServerUnreachable, http.StatusServiceUnavailable, "server_unreachable"},
	{download.ErrAlreadyInProgress, http.StatusConflict, "already_in_progress"},
	{download.ErrShuttingDown, http.StatusServiceUnavailable, "shutting_down"},
	{download.ErrNotFound, http.StatusNotFound, "not_found"},
	{catalog.ErrSyncInProgress, http.StatusConflict, "sync_in_progress"},
	{settings.ErrInvalidPath, http.StatusBadRequest, "invalid_path"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{store.ErrCatalogWrite, http.StatusInternalServerError, "catalog_write_failed"},
}

func writeErr(w http.ResponseWriter, err error) {
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			writeJSON(w, m.status, map[string]any{"status": "error", "message": m.code, "detail": err.Error()})
			return
		}
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"status": "error", "message": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type component interface {
	Render(ctx context.Context, w io.Writer) error
}

func renderHTML(w http.ResponseWriter, r *http.Request, c component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := c.Render(r.Context(), w); err != nil {
		slog.Warn("render", "path", r.URL.Path, "error", err)
	}
}
