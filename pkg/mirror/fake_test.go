package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/notevault/notevault/pkg/client"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
	"github.com/notevault/notevault/pkg/tree"
)

var epoch = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

// fakeRemote is an in-memory server. Structural calls go through the same manifest
// transforms the real updater uses.
type fakeRemote struct {
	mu      sync.Mutex
	tree    *models.Manifest
	bodies  map[string][]byte
	fail    map[string]error
	calls   []string
	version int
	events  chan protocol.SSEEvent
}

func newFakeRemote(t *testing.T, keys ...string) *fakeRemote {
	t.Helper()
	r := &fakeRemote{
		tree:   emptyTree(),
		bodies: map[string][]byte{},
		fail:   map[string]error{},
		events: make(chan protocol.SSEEvent, 8),
	}
	for _, k := range keys {
		var err error
		if models.IsFolderID(k) {
			r.tree, _, err = tree.AddFolder(r.tree, k, epoch)
		} else {
			r.tree, _, err = tree.AddOrUpdateFile(r.tree, tree.File{
				Key: k, ETag: "e0-" + k, Size: int64(len(k)), LastModified: epoch,
			}, epoch)
			r.bodies[k] = []byte("# " + k)
		}
		if err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	return r
}

func (r *fakeRemote) record(op string) error {
	r.calls = append(r.calls, op)
	return r.fail[op]
}

func (r *fakeRemote) setFail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = err
}

func (r *fakeRemote) callCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (r *fakeRemote) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Find(id) != nil
}

func (r *fakeRemote) commit(out *models.Manifest, _ bool, err error) (*protocol.MutationResponse, error) {
	if err != nil {
		return nil, err
	}
	r.tree = out
	return &protocol.MutationResponse{Checksum: out.Metadata.Checksum}, nil
}

func (r *fakeRemote) FetchTree(ctx context.Context, etag string) (*models.Manifest, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("fetch"); err != nil {
		return nil, "", err
	}
	cs := r.tree.Metadata.Checksum
	if etag != "" && etag == cs {
		return nil, "", client.ErrNotModified
	}
	return r.tree.Clone(), cs, nil
}

func (r *fakeRemote) List(ctx context.Context, prefix string) (*protocol.ListResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("list"); err != nil {
		return nil, err
	}
	children := r.tree.RootIDs
	if prefix != "" {
		n := r.tree.Find(prefix)
		if n == nil {
			return nil, client.ErrNotFound
		}
		children = n.ChildrenIDs
	}
	lr := &protocol.ListResponse{Prefix: prefix, Folders: []string{}, Files: []protocol.FileInfo{}}
	for _, id := range children {
		c := r.tree.Find(id)
		if c.IsFolder() {
			lr.Folders = append(lr.Folders, id)
			continue
		}
		lr.Files = append(lr.Files, protocol.FileInfo{Path: id, ETag: c.ETag, Size: c.Size, LastModified: c.LastModified})
	}
	return lr, nil
}

func (r *fakeRemote) GetFile(ctx context.Context, path string) (*client.FileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("get"); err != nil {
		return nil, err
	}
	n := r.tree.Find(path)
	if n == nil {
		return nil, client.ErrNotFound
	}
	return &client.FileResult{Body: r.bodies[path], ETag: n.ETag}, nil
}

func (r *fakeRemote) PutFile(ctx context.Context, path string, body []byte, etag string) (*protocol.MutationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("put"); err != nil {
		return nil, err
	}
	if n := r.tree.Find(path); etag != "" && (n == nil || n.ETag != etag) {
		cur := ""
		if n != nil {
			cur = n.ETag
		}
		return nil, &client.ConflictError{Path: path, ExpectedETag: etag, CurrentETag: cur}
	}
	r.version++
	newTag := fmt.Sprintf("v%d", r.version)
	mr, err := r.commit(tree.AddOrUpdateFile(r.tree, tree.File{
		Key: path, ETag: newTag, Size: int64(len(body)), LastModified: epoch,
	}, epoch))
	if err != nil {
		return nil, err
	}
	r.bodies[path] = body
	mr.Path, mr.ETag = path, newTag
	return mr, nil
}

func (r *fakeRemote) DeleteFile(ctx context.Context, path, etag string) (*protocol.MutationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("delete_file"); err != nil {
		return nil, err
	}
	if n := r.tree.Find(path); etag != "" && n != nil && n.ETag != etag {
		return nil, &client.ConflictError{Path: path, ExpectedETag: etag, CurrentETag: n.ETag}
	}
	delete(r.bodies, path)
	return r.commit(tree.DeleteFile(r.tree, path, epoch))
}

func (r *fakeRemote) MoveFile(ctx context.Context, from, to string) (*protocol.MutationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("move_file"); err != nil {
		return nil, err
	}
	r.bodies[to] = r.bodies[from]
	delete(r.bodies, from)
	return r.commit(tree.MoveFile(r.tree, from, to, nil, epoch))
}

func (r *fakeRemote) CreateFolder(ctx context.Context, path string) (*protocol.MutationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("create_folder"); err != nil {
		return nil, err
	}
	return r.commit(tree.AddFolder(r.tree, path, epoch))
}

func (r *fakeRemote) DeleteFolder(ctx context.Context, path string) (*protocol.MutationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("delete_folder"); err != nil {
		return nil, err
	}
	return r.commit(tree.DeleteFolder(r.tree, path, epoch))
}

func (r *fakeRemote) MoveFolder(ctx context.Context, from, to string) (*protocol.MutationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("move_folder"); err != nil {
		return nil, err
	}
	return r.commit(tree.MoveFolder(r.tree, from, to, epoch))
}

func (r *fakeRemote) Subscribe(ctx context.Context) <-chan protocol.SSEEvent {
	return r.events
}

// newTestMirror returns an initialized mirror over r. Background refreshes are pushed
// far out so tests only see the reloads they trigger.
func newTestMirror(t *testing.T, r *fakeRemote) *Mirror {
	t.Helper()
	m := New(r, Options{RefreshDelay: time.Hour})
	t.Cleanup(m.Close)
	if err := m.InitRoot(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func nodeIDs(s State) []string {
	out := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
