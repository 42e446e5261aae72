// Package mirror keeps a client-side copy of the vault tree in sync with the server.
//
// A Mirror is one session: it owns its tree, UI state (open folders, selection), a
// document cache and the contexts of its in-flight requests. Structural edits are
// applied optimistically inside a single-worker queue and rolled back when the server
// rejects them.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/pkg/client"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
)

// Remote is the server API the mirror consumes. *client.Client implements it.
type Remote interface {
	FetchTree(ctx context.Context, etag string) (*models.Manifest, string, error)
	List(ctx context.Context, prefix string) (*protocol.ListResponse, error)
	GetFile(ctx context.Context, path string) (*client.FileResult, error)
	PutFile(ctx context.Context, path string, body []byte, etag string) (*protocol.MutationResponse, error)
	DeleteFile(ctx context.Context, path, etag string) (*protocol.MutationResponse, error)
	MoveFile(ctx context.Context, from, to string) (*protocol.MutationResponse, error)
	CreateFolder(ctx context.Context, path string) (*protocol.MutationResponse, error)
	DeleteFolder(ctx context.Context, path string) (*protocol.MutationResponse, error)
	MoveFolder(ctx context.Context, from, to string) (*protocol.MutationResponse, error)
	Subscribe(ctx context.Context) <-chan protocol.SSEEvent
}

// Options tune a Mirror. Zero values select the defaults.
type Options struct {
	// RefreshDelay is the debounce of background refreshes (default 300ms).
	RefreshDelay time.Duration
	// QueueSize bounds the number of waiting mutations (default 64).
	QueueSize int
	// OnFileInvalidated is called when the server reports a file's content changed.
	OnFileInvalidated func(path string)
	// Extension is the file extension the server indexes (default ".md"). Files are
	// only created or renamed to names carrying it.
	Extension string
}

// Node is one entry of the mirrored tree. ChildrenLoaded is false for folders discovered
// through a live listing whose own children have not been listed yet.
type Node struct {
	ID           string
	Name         string
	Path         string
	ParentID     string
	Type         models.NodeType
	ETag         string
	Size         int64
	LastModified time.Time

	ChildrenIDs    []string
	ChildrenLoaded bool
}

// State is a copy of everything the mirror exposes.
type State struct {
	Initialized bool
	Validator   string
	Nodes       map[string]Node
	RootIDs     []string
	OpenFolders []string
	SelectedID  string
	RouteTarget string
	SlugToID    map[string]string
	IDToSlug    map[string]string
}

// structure is the part of the state a failed mutation restores. The validator travels
// with the tree it describes.
type structure struct {
	initialized bool
	validator   string
	tree        *models.Manifest
	unloaded    map[string]bool
	open        map[string]bool
	selected    string
	docs        map[string]*Document
}

// Mirror is one client session's view of the vault tree.
type Mirror struct {
	remote Remote
	opts   Options
	log    *zap.Logger

	session context.Context
	cancel  context.CancelFunc

	queue   *Queue
	refresh *refresher

	mu          sync.RWMutex
	initialized bool
	validator   string
	tree        *models.Manifest
	unloaded    map[string]bool
	open        map[string]bool
	selected    string
	routeTarget string
	slugToID    map[string]string
	idToSlug    map[string]string
	docs        map[string]*Document

	scopeMu     sync.Mutex
	fetchCancel context.CancelFunc
	loadCancel  context.CancelFunc
	listings    map[string]*listing
}

// listing is one in-flight child listing of a folder.
type listing struct {
	cancel func()
}

// New creates a session. Nothing is fetched until InitRoot.
func New(remote Remote, opts Options) *Mirror {
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = 300 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Extension == "" {
		opts.Extension = ".md"
	}
	session, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		remote:   remote,
		opts:     opts,
		log:      logging.Named("mirror").With(zap.String("session", uuid.NewString())),
		session:  session,
		cancel:   cancel,
		queue:    NewQueue(opts.QueueSize),
		tree:     emptyTree(),
		unloaded: map[string]bool{},
		open:     map[string]bool{},
		slugToID: map[string]string{},
		idToSlug: map[string]string{},
		docs:     map[string]*Document{},
		listings: map[string]*listing{},
	}
	m.refresh = newRefresher(session, opts.RefreshDelay, func(ctx context.Context) error {
		return m.Reload(ctx, false)
	})
	return m
}

func emptyTree() *models.Manifest {
	t := &models.Manifest{}
	t.Seal(time.Time{})
	return t
}

// Close cancels every in-flight request, fails waiting mutations and stops background
// refreshes.
func (m *Mirror) Close() {
	m.cancel()
	m.refresh.stop()
	m.queue.Close()
}

// scope derives a request context that ends with ctx, with the session, or when the
// next request using the same slot starts.
func (m *Mirror) scope(ctx context.Context, slot *context.CancelFunc) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.session, cancel)

	m.scopeMu.Lock()
	if slot != nil {
		if *slot != nil {
			(*slot)()
		}
		*slot = cancel
	}
	m.scopeMu.Unlock()

	return ctx, func() {
		stop()
		cancel()
	}
}

// InitRoot fetches the tree unconditionally. When the server has no manifest to offer,
// the root level is taken from the live listing instead and its folders load on expand.
func (m *Mirror) InitRoot(ctx context.Context) error {
	err := m.load(ctx, true)
	if err == nil || !treeUnavailable(err) {
		return err
	}
	m.log.Warn("tree unavailable, falling back to listing", zap.Error(err))
	if lerr := m.loadChildren(ctx, ""); lerr != nil {
		return fmt.Errorf("%w (listing: %v)", err, lerr)
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.refresh.Schedule()
	return nil
}

func treeUnavailable(err error) bool {
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return errors.Is(err, client.ErrNotFound)
}

// Reload fetches the tree. Unless force is set the request is conditional on the current
// validator, and an unchanged tree leaves the state untouched.
func (m *Mirror) Reload(ctx context.Context, force bool) error {
	return m.load(ctx, force)
}

func (m *Mirror) load(ctx context.Context, force bool) error {
	ctx, done := m.scope(ctx, &m.fetchCancel)
	defer done()

	m.mu.RLock()
	etag := m.validator
	if force || !m.initialized {
		etag = ""
	}
	m.mu.RUnlock()

	tree, validator, err := m.remote.FetchTree(ctx, etag)
	if errors.Is(err, client.ErrNotModified) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch tree: %w", err)
	}

	m.mu.Lock()
	m.adopt(tree, validator)
	m.mu.Unlock()
	return nil
}

// adopt replaces the tree with a fetched manifest. UI state pointing at nodes that no
// longer exist is dropped. Must be called with mu held.
func (m *Mirror) adopt(tree *models.Manifest, validator string) {
	m.tree = tree
	m.validator = validator
	m.initialized = true
	m.unloaded = map[string]bool{}
	for id := range m.open {
		if n := tree.Find(id); n == nil || !n.IsFolder() {
			delete(m.open, id)
		}
	}
	if m.selected != "" && tree.Find(m.selected) == nil {
		m.selected = ""
	}
	for id, d := range m.docs {
		if n := tree.Find(id); n == nil || n.ETag != d.ETag {
			delete(m.docs, id)
		}
	}
	m.reindex()
}

// reindex rebuilds the slug maps. Must be called with mu held.
func (m *Mirror) reindex() {
	ids := make([]string, len(m.tree.Nodes))
	for i, n := range m.tree.Nodes {
		ids[i] = n.ID
	}
	m.slugToID, m.idToSlug = buildSlugs(ids)
}

// capture deep-copies the structural state. Must be called with mu held.
func (m *Mirror) capture() structure {
	return structure{
		initialized: m.initialized,
		validator:   m.validator,
		tree:        m.tree.Clone(),
		unloaded:    copySet(m.unloaded),
		open:        copySet(m.open),
		selected:    m.selected,
		docs:        copyDocs(m.docs),
	}
}

// restore puts back a captured state. Must be called with mu held.
func (m *Mirror) restore(s structure) {
	m.initialized = s.initialized
	m.validator = s.validator
	m.tree = s.tree
	m.unloaded = s.unloaded
	m.open = s.open
	m.selected = s.selected
	m.docs = s.docs
	m.reindex()
}

func copyDocs(in map[string]*Document) map[string]*Document {
	out := make(map[string]*Document, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep copy of the observable state.
func (m *Mirror) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := State{
		Initialized: m.initialized,
		Validator:   m.validator,
		Nodes:       make(map[string]Node, len(m.tree.Nodes)),
		RootIDs:     append([]string{}, m.tree.RootIDs...),
		OpenFolders: make([]string, 0, len(m.open)),
		SelectedID:  m.selected,
		RouteTarget: m.routeTarget,
		SlugToID:    make(map[string]string, len(m.slugToID)),
		IDToSlug:    make(map[string]string, len(m.idToSlug)),
	}
	for _, n := range m.tree.Nodes {
		s.Nodes[n.ID] = m.node(n)
	}
	for id := range m.open {
		s.OpenFolders = append(s.OpenFolders, id)
	}
	sort.Strings(s.OpenFolders)
	for k, v := range m.slugToID {
		s.SlugToID[k] = v
	}
	for k, v := range m.idToSlug {
		s.IDToSlug[k] = v
	}
	return s
}

func (m *Mirror) node(n *models.Node) Node {
	out := Node{
		ID:           n.ID,
		Name:         n.Name,
		Path:         n.Path,
		ParentID:     n.ParentID,
		Type:         n.Type,
		ETag:         n.ETag,
		Size:         n.Size,
		LastModified: n.LastModified,
	}
	if n.IsFolder() {
		out.ChildrenIDs = append([]string{}, n.ChildrenIDs...)
		out.ChildrenLoaded = !m.unloaded[n.ID]
	}
	return out
}

// Pending returns the number of mutations queued or in flight.
func (m *Mirror) Pending() int {
	return m.refresh.Pending()
}

// ScheduleRefresh requests a debounced conditional reload.
func (m *Mirror) ScheduleRefresh() {
	m.refresh.Schedule()
}

// Watch consumes the server's invalidation stream until ctx or the session ends.
// A raised manifest tag schedules a refresh; file tags drop cached documents.
func (m *Mirror) Watch(ctx context.Context) {
	ctx, done := m.scope(ctx, nil)
	defer done()

	for ev := range m.remote.Subscribe(ctx) {
		switch {
		case ev.Type == "refresh" || ev.Tag == "manifest":
			m.refresh.Schedule()
		case ev.Path != "":
			m.mu.Lock()
			delete(m.docs, ev.Path)
			m.mu.Unlock()
			if m.opts.OnFileInvalidated != nil {
				m.opts.OnFileInvalidated(ev.Path)
			}
		}
	}
	m.log.Debug("event stream ended", zap.Error(ctx.Err()))
}
