// Package api serves the Dicttr HTTP interface.
//
// Routes:
//
//	POST   /v1/align                    align segments and blocks, nothing stored
//	POST   /v1/documents                process a recording and wait for the document
//	GET    /v1/documents                list documents, newest first
//	GET    /v1/documents/{id}           full document
//	GET    /v1/documents/{id}/markdown  Markdown export
//	PUT    /v1/documents/{id}/blocks    replace edited blocks and re-align them
//	DELETE /v1/documents/{id}
//	POST   /v1/jobs                     process a recording in the background
//	GET    /v1/jobs                     list jobs
//	GET    /v1/jobs/{id}                job status
//	DELETE /v1/jobs/{id}                cancel a job
//
// Recordings are uploaded as multipart/form-data with the audio in the
// "audio" field and optional "title", "language", "prompt" and "glossary"
// fields. Errors are JSON objects of the form {"error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/health"
	"github.com/MrWong99/dicttr/internal/jobs"
	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/internal/pipeline"
	"github.com/MrWong99/dicttr/internal/resilience"
	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// Body limits used when none are configured.
const (
	defaultMaxUpload = 512 << 20
	defaultMaxJSON   = 8 << 20
)

// Realigner re-runs alignment and speaker attribution.
type Realigner interface {
	Realign(ctx context.Context, segments []align.Segment, turns []align.SpeakerTurn, blocks []align.Block) ([]align.AnnotatedBlock, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithMaxUploadBytes limits the request body of uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithMaxJSONBytes limits JSON request bodies.
func WithMaxJSONBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxJSON = n
		}
	}
}

// WithMetrics enables the request middleware of [observe.Middleware].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth serves the liveness and readiness probes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithTempDir sets where uploads are spooled. Default: os.TempDir().
func WithTempDir(dir string) Option {
	return func(s *Server) { s.tempDir = dir }
}

// Server holds the API dependencies. It is safe for concurrent use.
type Server struct {
	realigner Realigner
	store     document.Store
	jobs      *jobs.Manager

	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	maxUpload      int64
	maxJSON        int64
	tempDir        string
}

// New creates a Server. jm may be nil, in which case the processing routes
// answer 503 and only alignment and document management are available.
func New(r Realigner, store document.Store, jm *jobs.Manager, opts ...Option) *Server {
	s := &Server{
		realigner: r,
		store:     store,
		jobs:      jm,
		maxUpload: defaultMaxUpload,
		maxJSON:   defaultMaxJSON,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler, wrapped in the request middleware when
// metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/align", s.handleAlign)

	mux.HandleFunc("POST /v1/documents", s.handleCreateDocument)
	mux.HandleFunc("GET /v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("GET /v1/documents/{id}/markdown", s.handleMarkdown)
	mux.HandleFunc("PUT /v1/documents/{id}/blocks", s.handleUpdateBlocks)
	mux.HandleFunc("DELETE /v1/documents/{id}", s.handleDeleteDocument)

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, document.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, document.ErrVersionConflict), errors.Is(err, document.ErrExists), errors.Is(err, jobs.ErrFinished):
		status = http.StatusConflict
	case errors.As(err, &maxBytes):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, stt.ErrEmptyAudio):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrEmptyTranscript):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, resilience.ErrAllFailed), errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusBadGateway
	case errors.Is(err, jobs.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a JSON body of at most s.maxJSON bytes into v. On failure
// it answers the request itself and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxJSON)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeErr(w, r, err)
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}
