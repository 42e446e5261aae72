package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
	"github.com/notevault/notevault/pkg/tree"
)

// filePath normalizes the {path...} wildcard and refuses the manifest object itself.
func (s *Server) filePath(raw string) (string, error) {
	p, err := models.FileID(raw)
	if err != nil {
		return "", err
	}
	if p == s.store.Key() {
		return "", fmt.Errorf("%w: %s is reserved", models.ErrInvalidPath, p)
	}
	return p, nil
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	if prefix != "" {
		id, err := models.FolderID(prefix)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		prefix = id
	}

	objects, prefixes, err := storage.ListAll(r.Context(), s.backend, prefix, "/", s.pageSize)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	resp := protocol.ListResponse{
		Prefix:  prefix,
		Folders: append([]string{}, prefixes...),
		Files:   []protocol.FileInfo{},
	}
	sort.Strings(resp.Folders)
	for _, o := range objects {
		if o.Key == prefix || !s.builder.Indexed(o.Key) {
			continue
		}
		resp.Files = append(resp.Files, protocol.FileInfo{
			Path:         o.Key,
			ETag:         o.ETag,
			Size:         o.Size,
			LastModified: models.NormalizeTime(o.LastModified),
		})
	}
	sort.Slice(resp.Files, func(i, j int) bool { return resp.Files[i].Path < resp.Files[j].Path })
	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	p, err := s.filePath(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, hit, err := s.content.Get(r.Context(), p)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+e.ETag+`"`)
	if hit {
		w.Header().Set(protocol.HeaderCache, "HIT")
	} else {
		w.Header().Set(protocol.HeaderCache, "MISS")
	}
	if etagMatches(r.Header.Get("If-None-Match"), e.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentType(p))
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Body)))
	if !e.LastModified.IsZero() {
		w.Header().Set("Last-Modified", e.LastModified.UTC().Format(http.TimeFormat))
	}
	w.Write(e.Body)
}

func contentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown; charset=utf-8"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	p, err := s.filePath(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var reader io.Reader = r.Body
	if s.maxUploadSize > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RecordContentUpload(0, false)
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("body exceeds %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ctx := r.Context()
	info, err := s.content.Write(ctx, p, body, r.Header.Get("If-Match"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	var m *models.Manifest
	if s.builder.Indexed(p) {
		m, err = s.afterMutation(ctx, "put", func() (*models.Manifest, error) {
			return s.updater.AddOrUpdateFile(ctx, p, info.ETag, info.LastModified, info.Size)
		})
		if err != nil {
			s.sendFailure(w, r, err)
			return
		}
	}

	logging.WithContext(ctx).Info("file written",
		zap.String("path", p), zap.Int("size", len(body)))
	s.sendMutation(w, http.StatusOK, p, models.StripETag(info.ETag), m)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	p, err := s.filePath(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.content.Delete(ctx, p, r.Header.Get("If-Match")); err != nil {
		s.sendFailure(w, r, err)
		return
	}

	var m *models.Manifest
	if s.builder.Indexed(p) {
		m, err = s.afterMutation(ctx, "delete", func() (*models.Manifest, error) {
			return s.updater.DeleteFile(ctx, p)
		})
		if err != nil {
			s.sendFailure(w, r, err)
			return
		}
	}

	logging.WithContext(ctx).Info("file deleted", zap.String("path", p))
	s.sendMutation(w, http.StatusOK, p, "", m)
}

func decodeMove(r *http.Request) (protocol.MoveRequest, error) {
	var req protocol.MoveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid move request: %v", models.ErrInvalidPath, err)
	}
	if req.From == "" || req.To == "" {
		return req, fmt.Errorf("%w: from and to are required", models.ErrInvalidPath)
	}
	return req, nil
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMove(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := s.filePath(req.From)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := s.filePath(req.To)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.content.Move(ctx, from, to); err != nil {
		if _, herr := s.backend.Head(ctx, to); herr == nil && !errors.Is(err, storage.ErrNotFound) {
			// The copy landed but the source is still there: track both.
			metrics.RecordPartialMove()
			logging.WithContext(ctx).Warn("file move partially applied",
				zap.String("from", from), zap.String("to", to), zap.Error(err))
			if _, rerr := s.rebuild(ctx); rerr != nil {
				logging.WithContext(ctx).Error("reconcile after partial move failed", zap.Error(rerr))
			}
		}
		s.sendFailure(w, r, err)
		return
	}

	m, err := s.afterMutation(ctx, "move", func() (*models.Manifest, error) {
		return s.moveInManifest(ctx, from, to)
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	logging.WithContext(ctx).Info("file moved", zap.String("from", from), zap.String("to", to))
	etag := ""
	if n := m.Find(to); n != nil {
		etag = n.ETag
	}
	s.sendMutation(w, http.StatusOK, to, etag, m)
}

// moveInManifest mirrors a completed object move, which may cross the indexed extension.
func (s *Server) moveInManifest(ctx context.Context, from, to string) (*models.Manifest, error) {
	fromIndexed, toIndexed := s.builder.Indexed(from), s.builder.Indexed(to)
	switch {
	case fromIndexed && toIndexed:
		return s.updater.MoveFile(ctx, from, to)
	case fromIndexed:
		return s.updater.DeleteFile(ctx, from)
	case toIndexed:
		info, err := s.backend.Head(ctx, to)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", to, err)
		}
		return s.updater.AddOrUpdateFile(ctx, to, info.ETag, info.LastModified, info.Size)
	default:
		m, _, err := s.store.LoadLatest(ctx)
		return m, err
	}
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := s.content.CreateFolder(ctx, r.PathValue("path"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	m, err := s.afterMutation(ctx, "create_folder", func() (*models.Manifest, error) {
		return s.updater.AddFolder(ctx, id)
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	logging.WithContext(ctx).Info("folder created", zap.String("path", id))
	s.sendMutation(w, http.StatusCreated, id, "", m)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := models.FolderID(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := s.content.DeleteFolder(ctx, id)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	m, err := s.afterMutation(ctx, "delete_folder", func() (*models.Manifest, error) {
		return s.updater.DeleteFolder(ctx, id)
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	logging.WithContext(ctx).Info("folder deleted",
		zap.String("path", id), zap.Int("objects", len(removed)))
	s.sendMutation(w, http.StatusOK, id, "", m)
}

func (s *Server) handleMoveFolder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMove(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := models.FolderID(req.From)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := models.FolderID(req.To)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if from != to && strings.HasPrefix(to, from) {
		s.sendFailure(w, r, fmt.Errorf("%w: %s into %s", tree.ErrInvalidMove, from, to))
		return
	}

	ctx := r.Context()
	moved, err := s.content.MoveFolder(ctx, from, to)
	if err != nil {
		if len(moved) > 0 {
			metrics.RecordPartialMove()
			logging.WithContext(ctx).Warn("folder move partially applied",
				zap.String("from", from), zap.String("to", to), zap.Error(err))
			if _, rerr := s.rebuild(ctx); rerr != nil {
				logging.WithContext(ctx).Error("reconcile after partial move failed", zap.Error(rerr))
			}
		}
		s.sendFailure(w, r, err)
		return
	}
	if len(moved) == 0 && from != to {
		s.sendFailure(w, r, fmt.Errorf("move %s: %w", from, storage.ErrNotFound))
		return
	}

	m, err := s.afterMutation(ctx, "move_folder", func() (*models.Manifest, error) {
		return s.updater.MoveFolder(ctx, from, to)
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	logging.WithContext(ctx).Info("folder moved",
		zap.String("from", from), zap.String("to", to), zap.Int("objects", len(moved)))
	s.sendMutation(w, http.StatusOK, to, "", m)
}
