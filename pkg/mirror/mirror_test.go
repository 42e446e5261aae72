package mirror

import (
	"context"
	"errors"
	"go/parser"
	"go/token"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/notevault/notevault/pkg/client"
	"github.com/notevault/notevault/pkg/protocol"
	"github.com/notevault/notevault/pkg/tree"
)

func TestInitRootAndConditionalReload(t *testing.T) {
	r := newFakeRemote(t, "a.md", "notes/b.md")
	m := newTestMirror(t, r)

	before := m.Snapshot()
	if !before.Initialized {
		t.Fatal("mirror not initialized")
	}
	want := []string{"a.md", "notes/", "notes/b.md"}
	if got := nodeIDs(before); !reflect.DeepEqual(got, want) {
		t.Fatalf("nodes = %v, want %v", got, want)
	}
	if before.Validator == "" {
		t.Fatal("validator not recorded")
	}

	if err := m.Reload(context.Background(), false); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after := m.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("unchanged tree altered the state:\nbefore %+v\nafter  %+v", before, after)
	}
	if n := r.callCount("fetch"); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestReloadPrunesUIState(t *testing.T) {
	r := newFakeRemote(t, "a.md", "notes/b.md")
	m := newTestMirror(t, r)
	if sel := m.SelectByPath("notes/b"); sel.Kind != SelectionSelected {
		t.Fatalf("select = %v", sel.Kind)
	}

	r.mu.Lock()
	r.tree, _, _ = tree.DeleteFolder(r.tree, "notes/", epoch)
	r.mu.Unlock()

	if err := m.Reload(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	s := m.Snapshot()
	if s.SelectedID != "" || len(s.OpenFolders) != 0 {
		t.Errorf("stale ui state: selected %q open %v", s.SelectedID, s.OpenFolders)
	}
}

func TestFailedRenameRestoresSnapshot(t *testing.T) {
	r := newFakeRemote(t, "notes/a.md", "notes/b.md", "todo.md")
	m := newTestMirror(t, r)
	if sel := m.SelectByPath("notes/a"); sel.Kind != SelectionSelected {
		t.Fatalf("select = %v", sel.Kind)
	}

	boom := errors.New("boom")
	r.setFail("move_file", boom)
	before := m.Snapshot()

	_, err := m.RenameNode(context.Background(), "notes/a.md", "c.md")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	after := m.Snapshot()
	if !reflect.DeepEqual(before.Nodes, after.Nodes) {
		t.Errorf("nodes differ after rollback")
	}
	if !reflect.DeepEqual(before.RootIDs, after.RootIDs) {
		t.Errorf("rootIds = %v, want %v", after.RootIDs, before.RootIDs)
	}
	if !reflect.DeepEqual(before.OpenFolders, after.OpenFolders) {
		t.Errorf("open = %v, want %v", after.OpenFolders, before.OpenFolders)
	}
	if after.SelectedID != before.SelectedID {
		t.Errorf("selected = %q, want %q", after.SelectedID, before.SelectedID)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("state differs after rollback")
	}
	if m.Pending() != 0 {
		t.Errorf("pending = %d", m.Pending())
	}
}

func TestRenameFolderCarriesUIState(t *testing.T) {
	r := newFakeRemote(t, "notes/a.md", "notes/deep/b.md")
	m := newTestMirror(t, r)
	m.SelectByPath("notes/deep/b")

	id, err := m.RenameNode(context.Background(), "notes/", "journal")
	if err != nil {
		t.Fatal(err)
	}
	if id != "journal/" {
		t.Fatalf("id = %q", id)
	}

	s := m.Snapshot()
	if s.SelectedID != "journal/deep/b.md" {
		t.Errorf("selected = %q", s.SelectedID)
	}
	if want := []string{"journal/", "journal/deep/"}; !reflect.DeepEqual(s.OpenFolders, want) {
		t.Errorf("open = %v, want %v", s.OpenFolders, want)
	}
	want := []string{"journal/", "journal/a.md", "journal/deep/", "journal/deep/b.md"}
	if got := nodeIDs(s); !reflect.DeepEqual(got, want) {
		t.Errorf("nodes = %v, want %v", got, want)
	}
	if !r.has("journal/deep/b.md") || r.has("notes/") {
		t.Error("server tree not moved")
	}
	if s.SlugToID["journal/deep/b"] != "journal/deep/b.md" {
		t.Errorf("slugs not reindexed: %v", s.SlugToID)
	}
}

func TestCreateMoveDelete(t *testing.T) {
	r := newFakeRemote(t, "a.md")
	m := newTestMirror(t, r)
	ctx := context.Background()

	folder, err := m.CreateFolder(ctx, "", "Inbox")
	if err != nil {
		t.Fatal(err)
	}
	if folder != "Inbox/" {
		t.Fatalf("folder = %q", folder)
	}

	file, err := m.CreateFile(ctx, folder, "first.md", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if file != "Inbox/first.md" || m.Snapshot().SelectedID != file {
		t.Fatalf("file = %q selected = %q", file, m.Snapshot().SelectedID)
	}

	moved, err := m.MoveNode(ctx, "a.md", folder)
	if err != nil {
		t.Fatal(err)
	}
	if moved != "Inbox/a.md" || !r.has("Inbox/a.md") {
		t.Fatalf("moved = %q", moved)
	}

	if err := m.DeleteNode(ctx, folder); err != nil {
		t.Fatal(err)
	}
	s := m.Snapshot()
	if len(s.Nodes) != 0 || s.SelectedID != "" {
		t.Errorf("after delete: nodes %v selected %q", nodeIDs(s), s.SelectedID)
	}
	if r.has("Inbox/") {
		t.Error("server still has the folder")
	}
}

func TestMutationValidation(t *testing.T) {
	r := newFakeRemote(t, "a.md", "b/")
	m := newTestMirror(t, r)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"empty name", func() error { _, err := m.CreateFolder(ctx, "", ""); return err }, ErrInvalidName},
		{"slash in name", func() error { _, err := m.CreateFile(ctx, "", "x/y.md", nil); return err }, ErrInvalidName},
		{"file exists", func() error { _, err := m.CreateFile(ctx, "", "a.md", nil); return err }, ErrExists},
		{"rename to same name", func() error { _, err := m.RenameNode(ctx, "a.md", "a.md"); return err }, nil},
		{"missing parent", func() error { _, err := m.CreateFile(ctx, "zzz/", "c.md", nil); return err }, ErrNotFound},
		{"file without extension", func() error { _, err := m.CreateFile(ctx, "", "todo", nil); return err }, ErrInvalidName},
		{"bare extension", func() error { _, err := m.CreateFile(ctx, "", ".md", nil); return err }, ErrInvalidName},
		{"upper-case extension", func() error { _, err := m.CreateFile(ctx, "b/", "Plan.MD", nil); return err }, nil},
		{"rename drops extension", func() error { _, err := m.RenameNode(ctx, "a.md", "a"); return err }, ErrInvalidName},
		{"folder names are free", func() error { _, err := m.CreateFolder(ctx, "", "drafts"); return err }, nil},
		{"missing node", func() error { return m.DeleteNode(ctx, "nope.md") }, ErrNotFound},
		{"folder into itself", func() error { _, err := m.MoveNode(ctx, "b/", "b/"); return err }, tree.ErrInvalidMove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if n := r.callCount("move_file"); n != 0 {
		t.Errorf("move_file called %d times for rejected edits", n)
	}
	if n := r.callCount("put"); n != 1 {
		t.Errorf("put called %d times, want 1", n)
	}
	if n := r.callCount("create_folder"); n != 1 {
		t.Errorf("create_folder called %d times, want 1", n)
	}
	if n := r.callCount("delete_file"); n != 0 {
		t.Errorf("delete_file called %d times for rejected edits", n)
	}
}

func TestDeleteConflictRollsBack(t *testing.T) {
	r := newFakeRemote(t, "a.md")
	m := newTestMirror(t, r)

	// Someone else edits a.md after our fetch.
	if _, err := r.PutFile(context.Background(), "a.md", []byte("theirs"), ""); err != nil {
		t.Fatal(err)
	}

	err := m.DeleteNode(context.Background(), "a.md")
	if !errors.Is(err, client.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if _, ok := m.Snapshot().Nodes["a.md"]; !ok {
		t.Error("a.md not restored")
	}
	if !r.has("a.md") {
		t.Error("server deleted a.md")
	}
}

func TestOpenAndSaveFile(t *testing.T) {
	r := newFakeRemote(t, "a.md")
	m := newTestMirror(t, r)
	ctx := context.Background()

	d, err := m.OpenFile(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(d.Body) != "# a.md" {
		t.Fatalf("body = %q", d.Body)
	}
	if _, err := m.OpenFile(ctx, "a.md"); err != nil {
		t.Fatal(err)
	}
	if n := r.callCount("get"); n != 1 {
		t.Errorf("gets = %d, want 1 (second open is cached)", n)
	}

	saved, err := m.SaveFile(ctx, "a.md", []byte("mine"))
	if err != nil {
		t.Fatal(err)
	}
	if saved.ETag != "v1" || m.Snapshot().Nodes["a.md"].ETag != "v1" {
		t.Errorf("etag = %q node = %q", saved.ETag, m.Snapshot().Nodes["a.md"].ETag)
	}

	// A stale etag is refused by the server.
	if _, err := r.PutFile(ctx, "a.md", []byte("theirs"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveFile(ctx, "a.md", []byte("again")); !errors.Is(err, client.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestToggleFolderLoadsListing(t *testing.T) {
	r := newFakeRemote(t, "a/b.md", "a/c/d.md", "top.md")
	r.setFail("fetch", &client.StatusError{Code: 503})
	m := newTestMirror(t, r)
	ctx := context.Background()

	s := m.Snapshot()
	if got := nodeIDs(s); !reflect.DeepEqual(got, []string{"a/", "top.md"}) {
		t.Fatalf("nodes after listing fallback = %v", got)
	}
	if s.Nodes["a/"].ChildrenLoaded {
		t.Fatal("a/ should not be loaded yet")
	}

	open, err := m.ToggleFolder(ctx, "a/")
	if err != nil || !open {
		t.Fatalf("toggle = %v, %v", open, err)
	}
	s = m.Snapshot()
	if got := nodeIDs(s); !reflect.DeepEqual(got, []string{"a/", "a/b.md", "a/c/", "top.md"}) {
		t.Errorf("nodes = %v", got)
	}
	if !s.Nodes["a/"].ChildrenLoaded || s.Nodes["a/c/"].ChildrenLoaded {
		t.Errorf("loaded flags: a/=%v a/c/=%v", s.Nodes["a/"].ChildrenLoaded, s.Nodes["a/c/"].ChildrenLoaded)
	}

	if open, _ := m.ToggleFolder(ctx, "a/"); open {
		t.Error("second toggle should close")
	}
	if _, err := m.ToggleFolder(ctx, "a/"); err != nil {
		t.Fatal(err)
	}
	if n := r.callCount("list"); n != 2 {
		t.Errorf("lists = %d, want 2 (root + a/)", n)
	}
	if _, err := m.ToggleFolder(ctx, "top.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("toggle file: %v", err)
	}
}

func TestWatchSchedulesRefresh(t *testing.T) {
	r := newFakeRemote(t, "a.md")
	var invalidated []string
	m := New(r, Options{
		RefreshDelay:      10 * time.Millisecond,
		OnFileInvalidated: func(p string) { invalidated = append(invalidated, p) },
	})
	t.Cleanup(m.Close)
	if err := m.InitRoot(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenFile(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	r.tree, _, _ = tree.AddFolder(r.tree, "new/", epoch)
	r.mu.Unlock()

	r.events <- protocol.SSEEvent{Type: "invalidate", Tag: "file:a.md", Path: "a.md"}
	r.events <- protocol.SSEEvent{Type: "invalidate", Tag: "manifest"}
	close(r.events)
	m.Watch(context.Background())

	if !reflect.DeepEqual(invalidated, []string{"a.md"}) {
		t.Errorf("invalidated = %v", invalidated)
	}
	m.refresh.wait()
	if _, ok := m.Snapshot().Nodes["new/"]; !ok {
		t.Error("refresh did not pick up new/")
	}
	if _, err := m.OpenFile(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}
	if n := r.callCount("get"); n != 2 {
		t.Errorf("gets = %d, want 2 after invalidation", n)
	}
}

func TestCloseFailsMutations(t *testing.T) {
	r := newFakeRemote(t, "a.md")
	m := New(r, Options{})
	m.Close()
	if _, err := m.CreateFolder(context.Background(), "", "x"); err == nil {
		t.Fatal("mutation after close succeeded")
	}
}

// stallingRemote holds CreateFolder until released and then rejects it.
type stallingRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
}

func (r *stallingRemote) CreateFolder(ctx context.Context, path string) (*protocol.MutationResponse, error) {
	close(r.entered)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, errors.New("create rejected")
}

func TestRollbackRestoresValidator(t *testing.T) {
	r := newFakeRemote(t, "a.md")
	sr := &stallingRemote{fakeRemote: r, entered: make(chan struct{}), release: make(chan struct{})}
	m := New(sr, Options{RefreshDelay: time.Hour})
	t.Cleanup(m.Close)
	ctx := context.Background()
	if err := m.InitRoot(ctx); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.CreateFolder(ctx, "", "inbox")
		errc <- err
	}()
	<-sr.entered

	// The server moves on while the create is in flight and the mirror picks it up.
	r.mu.Lock()
	r.tree, _, _ = tree.AddFolder(r.tree, "other/", epoch)
	latest := r.tree.Metadata.Checksum
	r.mu.Unlock()
	if err := m.Reload(ctx, false); err != nil {
		t.Fatal(err)
	}

	close(sr.release)
	if err := <-errc; err == nil {
		t.Fatal("create should fail")
	}

	if err := m.Reload(ctx, false); err != nil {
		t.Fatal(err)
	}
	s := m.Snapshot()
	if _, ok := s.Nodes["other/"]; !ok {
		t.Errorf("mirror stuck on the rolled back tree: nodes %v", nodeIDs(s))
	}
	if _, ok := s.Nodes["inbox/"]; ok {
		t.Error("rejected folder still present")
	}
	if s.Validator != latest {
		t.Errorf("validator = %q, want %q", s.Validator, latest)
	}
}

func TestFinishedListingsAreForgotten(t *testing.T) {
	r := newFakeRemote(t, "a/b.md", "c/d.md", "e/")
	r.setFail("fetch", &client.StatusError{Code: 503})
	m := newTestMirror(t, r)

	for _, id := range []string{"a/", "c/", "e/"} {
		if _, err := m.ToggleFolder(context.Background(), id); err != nil {
			t.Fatalf("toggle %s: %v", id, err)
		}
	}
	m.scopeMu.Lock()
	n := len(m.listings)
	m.scopeMu.Unlock()
	if n != 0 {
		t.Errorf("%d listings still tracked", n)
	}
}

// TestImportsStayClientSide keeps server packages (cache tiers, metrics, storage) out
// of the client build.
func TestImportsStayClientSide(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}
	fset := token.NewFileSet()
	for _, f := range files {
		if strings.HasSuffix(f, "_test.go") {
			continue
		}
		parsed, err := parser.ParseFile(fset, f, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatal(err)
		}
		for _, imp := range parsed.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			if strings.HasPrefix(path, "github.com/notevault/notevault/internal/") &&
				path != "github.com/notevault/notevault/internal/logging" {
				t.Errorf("%s imports %s", f, path)
			}
		}
	}
}
