package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"nhooyr.io/websocket"

	"github.com/notevault/notevault/internal/auth"
	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/content"
	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/manifest"
	"github.com/notevault/notevault/internal/storage/memory"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	backend *memory.Backend
	bus     *events.Bus
}

func newTestEnv(t *testing.T, configure func(*Deps), keys ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	b := memory.New()
	for _, k := range keys {
		if _, err := b.Put(ctx, k, strings.NewReader("# "+k), int64(len(k)+2)); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	c := cache.NewMemory()
	bus := events.NewBus()
	store := manifest.NewStore(c, b, "", bus)
	d := Deps{
		Backend:   b,
		Builder:   manifest.NewBuilder(b),
		Store:     store,
		Updater:   manifest.NewUpdater(store, b),
		Content:   content.New(c, b, bus),
		Bus:       bus,
		CacheName: c.Type(),
	}
	if configure != nil {
		configure(&d)
	}
	s := NewServer(d)
	return &testEnv{server: s, handler: s.Handler(), backend: b, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) tree(t *testing.T) *models.Manifest {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/v1/tree", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET tree = %d: %s", rec.Code, rec.Body)
	}
	res := models.Validate(rec.Body.Bytes())
	if err := res.Err(); err != nil {
		t.Fatalf("tree does not validate: %v", err)
	}
	var m models.Manifest
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	return &m
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func hasNode(m *models.Manifest, id string) bool {
	return m.Find(id) != nil
}

func TestTreeRebuildsWhenNoManifest(t *testing.T) {
	e := newTestEnv(t, nil, "a.md", "b/c.md")

	m := e.tree(t)
	for _, id := range []string{"a.md", "b/", "b/c.md"} {
		if !hasNode(m, id) {
			t.Errorf("missing %s", id)
		}
	}
	if _, err := e.backend.Head(context.Background(), manifest.DefaultManifestKey); err != nil {
		t.Errorf("rebuild did not persist the manifest: %v", err)
	}
}

func TestTreeConditionalAndGzip(t *testing.T) {
	e := newTestEnv(t, nil, "a.md")

	first := e.do(t, http.MethodGet, "/api/v1/tree", nil, nil)
	etag := first.Header().Get("ETag")
	if etag == "" || first.Header().Get(protocol.HeaderManifestChecksum) == "" {
		t.Fatalf("missing validators: %v", first.Header())
	}

	rec := e.do(t, http.MethodGet, "/api/v1/tree", nil, header("If-None-Match", etag))
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("304 carried a body")
	}

	rec = e.do(t, http.MethodGet, "/api/v1/tree", nil, header("Accept-Encoding", "gzip"))
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(gr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, first.Body.Bytes()) {
		t.Error("gzip body differs from identity body")
	}
}

func TestMutationDropsCachedTree(t *testing.T) {
	e := newTestEnv(t, nil, "a.md")
	before := e.tree(t).Metadata.Checksum

	rec := e.do(t, http.MethodPut, "/api/v1/files/new.md", []byte("hi"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body)
	}
	after := rec.Header().Get(protocol.HeaderManifestChecksum)
	if after == "" || after == before {
		t.Fatalf("checksum header %q (before %q)", after, before)
	}

	m := e.tree(t)
	if m.Metadata.Checksum != after || !hasNode(m, "new.md") {
		t.Errorf("stale tree served: checksum %s", m.Metadata.Checksum)
	}
}

func TestFileLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.tree(t)

	rec := e.do(t, http.MethodPut, "/api/v1/files/notes/a.md", []byte("hello"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body)
	}
	created := decode[protocol.MutationResponse](t, rec)
	if created.ETag == "" || created.Checksum == "" {
		t.Fatalf("mutation response = %+v", created)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/files/notes/a.md", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("GET = %d %q", rec.Code, rec.Body)
	}
	if got := rec.Header().Get(protocol.HeaderCache); got != "MISS" {
		t.Errorf("first read X-Cache = %s", got)
	}
	rec = e.do(t, http.MethodGet, "/api/v1/files/notes/a.md", nil, nil)
	if got := rec.Header().Get(protocol.HeaderCache); got != "HIT" {
		t.Errorf("second read X-Cache = %s", got)
	}

	rec = e.do(t, http.MethodPut, "/api/v1/files/notes/a.md", []byte("lost"), header("If-Match", `"stale"`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale PUT = %d", rec.Code)
	}
	conflict := decode[protocol.ConflictResponse](t, rec)
	if conflict.CurrentETag != created.ETag || conflict.ExpectedETag != "stale" {
		t.Errorf("conflict = %+v", conflict)
	}

	rec = e.do(t, http.MethodPut, "/api/v1/files/notes/a.md", []byte("edited"), header("If-Match", `"`+created.ETag+`"`))
	if rec.Code != http.StatusOK {
		t.Fatalf("matching PUT = %d: %s", rec.Code, rec.Body)
	}
	edited := decode[protocol.MutationResponse](t, rec)

	rec = e.do(t, http.MethodGet, "/api/v1/files/notes/a.md", nil, nil)
	if rec.Body.String() != "edited" || rec.Header().Get(protocol.HeaderCache) != "MISS" {
		t.Errorf("after write: %q X-Cache=%s", rec.Body, rec.Header().Get(protocol.HeaderCache))
	}

	rec = e.do(t, http.MethodDelete, "/api/v1/files/notes/a.md", nil, header("If-Match", created.ETag))
	if rec.Code != http.StatusConflict {
		t.Errorf("stale DELETE = %d", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, "/api/v1/files/notes/a.md", nil, header("If-Match", edited.ETag))
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE = %d: %s", rec.Code, rec.Body)
	}

	if rec := e.do(t, http.MethodGet, "/api/v1/files/notes/a.md", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted = %d", rec.Code)
	}
	m := e.tree(t)
	if hasNode(m, "notes/a.md") || !hasNode(m, "notes/") {
		t.Errorf("tree after delete: %d nodes", len(m.Nodes))
	}
}

func TestFileRequestErrors(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) { d.MaxUploadSize = 4 }, "a.md")

	tests := []struct {
		name    string
		method  string
		target  string
		body    string
		ifMatch string
		want    int
	}{
		{"too large", http.MethodPut, "/api/v1/files/big.md", "0123456789", "", http.StatusRequestEntityTooLarge},
		{"manifest reserved", http.MethodPut, "/api/v1/files/_manifest.json", "{}", "", http.StatusBadRequest},
		{"missing", http.MethodGet, "/api/v1/files/none.md", "", "", http.StatusNotFound},
		{"bad move body", http.MethodPost, "/api/v1/files/move", "{", "", http.StatusBadRequest},
		{"move missing source", http.MethodPost, "/api/v1/files/move", `{"from":"zz.md","to":"yy.md"}`, "", http.StatusNotFound},
		{"if-match on missing", http.MethodDelete, "/api/v1/files/none.md", "", "*", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h http.Header
			if tt.ifMatch != "" {
				h = header("If-Match", tt.ifMatch)
			}
			var body []byte
			if tt.body != "" {
				body = []byte(tt.body)
			}
			if rec := e.do(t, tt.method, tt.target, body, h); rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.target, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestMoves(t *testing.T) {
	e := newTestEnv(t, nil, "a/x.md", "a/y.md", "keep.md")
	e.tree(t)

	rec := e.do(t, http.MethodPost, "/api/v1/files/move", []byte(`{"from":"a/x.md","to":"b/x.md"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("file move = %d: %s", rec.Code, rec.Body)
	}
	m := e.tree(t)
	if !hasNode(m, "b/x.md") || hasNode(m, "a/x.md") || !hasNode(m, "b/") {
		t.Errorf("after file move: %v", ids(m))
	}

	rec = e.do(t, http.MethodPost, "/api/v1/folders/move", []byte(`{"from":"a","to":"c"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("folder move = %d: %s", rec.Code, rec.Body)
	}
	m = e.tree(t)
	if !hasNode(m, "c/y.md") || hasNode(m, "a/") || hasNode(m, "a/y.md") {
		t.Errorf("after folder move: %v", ids(m))
	}
	if keys := e.backend.Keys(); contains(keys, "a/y.md") || !contains(keys, "c/y.md") {
		t.Errorf("object store keys = %v", keys)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/folders/move", []byte(`{"from":"c","to":"c/d"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("move into itself = %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/v1/folders/move", []byte(`{"from":"nope","to":"x"}`), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("move missing folder = %d", rec.Code)
	}
}

func TestFolders(t *testing.T) {
	e := newTestEnv(t, nil, "keep.md")
	e.tree(t)

	rec := e.do(t, http.MethodPut, "/api/v1/folders/Projects/2024", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[protocol.MutationResponse](t, rec).Path; got != "Projects/2024/" {
		t.Errorf("path = %q", got)
	}
	m := e.tree(t)
	if !hasNode(m, "Projects/") || !hasNode(m, "Projects/2024/") {
		t.Errorf("tree = %v", ids(m))
	}
	if !contains(e.backend.Keys(), "Projects/2024/") {
		t.Error("folder marker not written")
	}

	if rec := e.do(t, http.MethodPut, "/api/v1/files/Projects/2024/plan.md", []byte("x"), nil); rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, "/api/v1/folders/Projects/2024", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", rec.Code, rec.Body)
	}
	m = e.tree(t)
	if hasNode(m, "Projects/2024/") || hasNode(m, "Projects/2024/plan.md") || !hasNode(m, "Projects/") {
		t.Errorf("tree after delete = %v", ids(m))
	}
}

func TestList(t *testing.T) {
	e := newTestEnv(t, nil, "a.md", "img.png", "b/c.md", "b/d/e.md")

	rec := e.do(t, http.MethodGet, "/api/v1/list/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	root := decode[protocol.ListResponse](t, rec)
	if len(root.Folders) != 1 || root.Folders[0] != "b/" {
		t.Errorf("root folders = %v", root.Folders)
	}
	if len(root.Files) != 1 || root.Files[0].Path != "a.md" || root.Files[0].ETag == "" {
		t.Errorf("root files = %+v", root.Files)
	}

	sub := decode[protocol.ListResponse](t, e.do(t, http.MethodGet, "/api/v1/list/b", nil, nil))
	if sub.Prefix != "b/" || len(sub.Folders) != 1 || sub.Folders[0] != "b/d/" {
		t.Errorf("b/ listing = %+v", sub)
	}
	if len(sub.Files) != 1 || sub.Files[0].Path != "b/c.md" {
		t.Errorf("b/ files = %+v", sub.Files)
	}
}

func TestRefreshAndHealth(t *testing.T) {
	e := newTestEnv(t, nil, "a.md", "b/c.md")

	health := decode[protocol.HealthResponse](t, e.do(t, http.MethodGet, "/health", nil, nil))
	if health.Status != "degraded" || health.Storage != "memory" || health.Cache != "memory" {
		t.Errorf("health before build = %+v", health)
	}

	rec := e.do(t, http.MethodPost, "/api/v1/tree/refresh", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", rec.Code, rec.Body)
	}
	job := decode[protocol.RefreshJob](t, rec)
	if _, err := uuid.Parse(job.ID); err != nil {
		t.Errorf("job id %q: %v", job.ID, err)
	}
	if job.Status != protocol.JobSucceeded || job.NodeCount != 3 || job.Checksum == "" {
		t.Errorf("job = %+v", job)
	}

	health = decode[protocol.HealthResponse](t, e.do(t, http.MethodGet, "/health", nil, nil))
	if health.Status != "ok" || health.NodeCount != 3 || health.Checksum != job.Checksum {
		t.Errorf("health after build = %+v", health)
	}
	if health.ManifestSource != string(manifest.SourceCache) {
		t.Errorf("source = %s", health.ManifestSource)
	}
}

func TestAuthRequired(t *testing.T) {
	a := auth.New("secret")
	e := newTestEnv(t, func(d *Deps) { d.Auth = a }, "a.md")

	if rec := e.do(t, http.MethodGet, "/api/v1/tree", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous tree = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	token, _, err := a.IssueToken("alice", "laptop", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/tree", nil, header("Authorization", "Bearer "+token)); rec.Code != http.StatusOK {
		t.Errorf("authorized tree = %d", rec.Code)
	}
}

// waitSubscribers polls until the bus has n stream subscribers.
func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", bus.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t, nil, "a.md")
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}
	waitSubscribers(t, e.bus, 1)

	e.bus.Invalidate(events.FileTag("a.md"))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.SSEEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != events.EventInvalidate || ev.Tag != "file:a.md" || ev.Path != "a.md" {
			t.Errorf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func TestEventsWebsocket(t *testing.T) {
	e := newTestEnv(t, nil, "a.md")
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitSubscribers(t, e.bus, 1)

	e.bus.Invalidate(events.TagManifest)

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v", typ)
	}
	var ev protocol.SSEEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Tag != events.TagManifest {
		t.Errorf("event = %+v", ev)
	}
}

func ids(m *models.Manifest) []string {
	out := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		out[i] = n.ID
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
