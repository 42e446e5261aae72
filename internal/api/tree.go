package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/manifest"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
)

// Pool gzip writers to reduce allocations on the tree endpoint.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

const treeKey = "tree"

// encodedTree is a manifest serialized once for every client.
type encodedTree struct {
	checksum string
	body     []byte
	gzipped  []byte
}

func encodeTree(m *models.Manifest) (*encodedTree, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	var buf bytes.Buffer
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(&buf)
	_, err = gw.Write(body)
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	gzipPool.Put(gw)
	if err != nil {
		return nil, fmt.Errorf("compress manifest: %w", err)
	}
	return &encodedTree{checksum: m.Metadata.Checksum, body: body, gzipped: buf.Bytes()}, nil
}

// currentTree returns the encoded latest manifest, loading it on a response-cache miss.
// With no manifest in any tier it runs a full rebuild.
func (s *Server) currentTree(ctx context.Context) (*encodedTree, error) {
	if t, ok := s.responses.Load(treeKey); ok {
		return t, nil
	}
	gen := s.generation.Load()

	m, _, err := s.store.LoadLatest(ctx)
	if errors.Is(err, manifest.ErrNoManifest) {
		logging.Warn("no manifest available, rebuilding", zap.Error(err))
		m, err = s.rebuild(ctx)
	}
	if err != nil {
		return nil, err
	}

	t, err := encodeTree(m)
	if err != nil {
		return nil, err
	}
	// A tag raised while loading means m may already be stale.
	if s.generation.Load() == gen {
		s.responses.Store(treeKey, t)
	}
	return t, nil
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	t, err := s.currentTree(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logging.WithContext(r.Context()).Error("tree unavailable", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "manifest unavailable: "+err.Error())
		return
	}

	w.Header().Set("ETag", `"`+t.checksum+`"`)
	w.Header().Set(protocol.HeaderManifestChecksum, t.checksum)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Vary", "Accept-Encoding")
	if etagMatches(r.Header.Get("If-None-Match"), t.checksum) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(t.gzipped)
		return
	}
	w.Write(t.body)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	job := protocol.RefreshJob{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	m, err := s.rebuild(r.Context())
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Status = protocol.JobFailed
		job.Error = err.Error()
		logging.WithContext(r.Context()).Error("manifest refresh failed",
			zap.String("job", job.ID), zap.Error(err))
		s.sendJSON(w, http.StatusInternalServerError, job)
		return
	}

	job.Status = protocol.JobSucceeded
	job.Checksum = m.Metadata.Checksum
	job.NodeCount = m.Metadata.NodeCount
	logging.WithContext(r.Context()).Info("manifest refreshed",
		zap.String("job", job.ID),
		zap.Int("nodes", job.NodeCount),
		zap.Duration("took", job.FinishedAt.Sub(job.StartedAt)))

	w.Header().Set(protocol.HeaderManifestChecksum, job.Checksum)
	s.sendJSON(w, http.StatusOK, job)
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// etagMatches reports whether an If-None-Match header names etag.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || models.StripETag(candidate) == etag {
			return true
		}
	}
	return false
}
