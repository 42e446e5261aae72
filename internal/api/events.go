package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/logging"
)

// keepAlive is the interval of SSE comments and websocket pings on an idle stream.
const keepAlive = 30 * time.Second

// classes reads the optional ?classes=manifest,file filter of a stream request.
func classes(r *http.Request) []string {
	v := r.URL.Query().Get("classes")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe(classes(r)...)
	defer s.bus.Unsubscribe(ch)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Websocket Events ───────────────────────────────────────────────────────

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logging.WithContext(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ch := s.bus.Subscribe(classes(r)...)
	defer s.bus.Unsubscribe(ch)

	// The stream is one-way; CloseRead handles control frames and ends ctx on close.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				logging.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
