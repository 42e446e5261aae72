// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/auth"
	"github.com/notevault/notevault/internal/content"
	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/manifest"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
	"github.com/notevault/notevault/pkg/tree"
)

// Deps bundles the server's collaborators.
type Deps struct {
	Backend storage.Backend
	Builder *manifest.Builder
	Store   *manifest.Store
	Updater *manifest.Updater
	Content *content.Cache
	Bus     *events.Bus
	Auth    *auth.Auth
	// CacheName is reported by /health.
	CacheName string
	// MaxUploadSize bounds PUT bodies in bytes (0 means no limit).
	MaxUploadSize int64
	// ListPageSize is the page size of live listings.
	ListPageSize int
}

// Server is the HTTP server.
type Server struct {
	backend       storage.Backend
	builder       *manifest.Builder
	store         *manifest.Store
	updater       *manifest.Updater
	content       *content.Cache
	bus           *events.Bus
	auth          *auth.Auth
	cacheName     string
	maxUploadSize int64
	pageSize      int

	// Encoded tree responses, dropped whenever the manifest tag is raised.
	responses  *xsync.Map[string, *encodedTree]
	generation atomic.Uint64

	rebuildMu sync.Mutex
}

// NewServer creates a new server and hooks its response cache into the bus.
func NewServer(d Deps) *Server {
	if d.Auth == nil {
		d.Auth = auth.New("")
	}
	if d.ListPageSize <= 0 {
		d.ListPageSize = 1000
	}
	s := &Server{
		backend:       d.Backend,
		builder:       d.Builder,
		store:         d.Store,
		updater:       d.Updater,
		content:       d.Content,
		bus:           d.Bus,
		auth:          d.Auth,
		cacheName:     d.CacheName,
		maxUploadSize: d.MaxUploadSize,
		pageSize:      d.ListPageSize,
		responses:     xsync.NewMap[string, *encodedTree](),
	}
	d.Bus.OnInvalidate(func(tag string) {
		if tag == events.TagManifest {
			s.generation.Add(1)
			s.responses.Clear()
		}
	})
	return s
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()

	// Tree
	protected.HandleFunc("GET /api/v1/tree", s.handleTree)
	protected.HandleFunc("POST /api/v1/tree/refresh", s.handleRefresh)
	protected.HandleFunc("GET /api/v1/list/{prefix...}", s.handleList)

	// Files
	protected.HandleFunc("GET /api/v1/files/{path...}", s.handleGetFile)
	protected.HandleFunc("PUT /api/v1/files/{path...}", s.handlePutFile)
	protected.HandleFunc("DELETE /api/v1/files/{path...}", s.handleDeleteFile)
	protected.HandleFunc("POST /api/v1/files/move", s.handleMoveFile)

	// Folders
	protected.HandleFunc("PUT /api/v1/folders/{path...}", s.handleCreateFolder)
	protected.HandleFunc("DELETE /api/v1/folders/{path...}", s.handleDeleteFolder)
	protected.HandleFunc("POST /api/v1/folders/move", s.handleMoveFolder)

	// Invalidation stream
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	protected.HandleFunc("GET /api/v1/events/ws", s.handleEventsWS)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := protocol.HealthResponse{
		Status:  "ok",
		Storage: s.backend.Type(),
		Cache:   s.cacheName,
	}
	m, src, err := s.store.LoadLatest(r.Context())
	if err != nil {
		resp.Status = "degraded"
	} else {
		resp.ManifestSource = string(src)
		resp.NodeCount = m.Metadata.NodeCount
		resp.Checksum = m.Metadata.Checksum
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// rebuild runs a full scan and publishes it. Concurrent callers share the lock so only
// one scan runs at a time.
func (s *Server) rebuild(ctx context.Context) (*models.Manifest, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	return manifest.Rebuild(ctx, s.builder, s.store)
}

// Rebuild is the periodic reconciliation entry point.
func (s *Server) Rebuild(ctx context.Context) error {
	m, err := s.rebuild(ctx)
	if err != nil {
		return err
	}
	s.bus.Publish(events.Event{Type: events.EventRefresh, Checksum: m.Metadata.Checksum})
	return nil
}

// afterMutation keeps the manifest in step with a change already made in the object
// store. When there is no manifest to update incrementally it falls back to a rebuild,
// which sees the change anyway.
func (s *Server) afterMutation(ctx context.Context, op string, update func() (*models.Manifest, error)) (*models.Manifest, error) {
	m, err := update()
	if errors.Is(err, manifest.ErrNoManifest) {
		logging.Warn("no manifest for incremental update, rebuilding", zap.String("op", op))
		return s.rebuild(ctx)
	}
	return m, err
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendFailure maps a domain error to its status code.
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *content.ConflictError
	switch {
	case errors.As(err, &conflict):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(protocol.ConflictResponse{
			Error:        "etag mismatch",
			Path:         conflict.Path,
			ExpectedETag: conflict.Expected,
			CurrentETag:  conflict.Actual,
		})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, tree.ErrNodeNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidPath), errors.Is(err, tree.ErrInvalidMove):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manifest.ErrNoManifest):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendMutation writes the result of a tree-changing request.
func (s *Server) sendMutation(w http.ResponseWriter, code int, path, etag string, m *models.Manifest) {
	resp := protocol.MutationResponse{Path: path, ETag: etag}
	if m != nil {
		resp.Checksum = m.Metadata.Checksum
		w.Header().Set(protocol.HeaderManifestChecksum, resp.Checksum)
	}
	if etag != "" {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	s.sendJSON(w, code, resp)
}
