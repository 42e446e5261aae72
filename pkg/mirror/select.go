package mirror

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/tree"
)

// SelectionKind tags the result of SelectByPath.
type SelectionKind int

const (
	// SelectionPending means the mirror has not loaded a tree yet.
	SelectionPending SelectionKind = iota
	// SelectionCleared means the route was empty and the selection was cleared.
	SelectionCleared
	// SelectionSelected carries the selected file id.
	SelectionSelected
	// SelectionFolderEmpty carries a folder id that has no file child.
	SelectionFolderEmpty
	// SelectionMissing carries the route that matched nothing.
	SelectionMissing
)

func (k SelectionKind) String() string {
	switch k {
	case SelectionPending:
		return "pending"
	case SelectionCleared:
		return "cleared"
	case SelectionSelected:
		return "selected"
	case SelectionFolderEmpty:
		return "folder-empty"
	case SelectionMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Selection is the outcome of resolving a route path.
type Selection struct {
	Kind SelectionKind
	// NodeID is set for SelectionSelected and SelectionFolderEmpty.
	NodeID string
	// Path is set for SelectionMissing.
	Path string
}

// SelectByPath resolves a route path to a node and selects it. The path is matched as a
// slug first, then as a raw id, then as a folder id. A folder selects its first file
// child in sorted order.
func (m *Mirror) SelectByPath(route string) Selection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return Selection{Kind: SelectionPending}
	}

	key := decodeRoute(route)
	m.routeTarget = key
	if key == "" {
		m.selected = ""
		return Selection{Kind: SelectionCleared}
	}

	n := m.resolve(key)
	if n == nil {
		return Selection{Kind: SelectionMissing, Path: route}
	}

	if n.IsFolder() {
		folderID := n.ID
		n = nil
		for _, cid := range m.tree.Find(folderID).ChildrenIDs {
			if c := m.tree.Find(cid); c != nil && !c.IsFolder() {
				n = c
				break
			}
		}
		if n == nil {
			m.open[folderID] = true
			return Selection{Kind: SelectionFolderEmpty, NodeID: folderID}
		}
	}

	m.selected = n.ID
	for _, a := range models.Ancestors(n.ID) {
		m.open[a] = true
	}
	return Selection{Kind: SelectionSelected, NodeID: n.ID}
}

func decodeRoute(route string) string {
	segments := strings.Split(strings.Trim(route, "/"), "/")
	out := segments[:0]
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if dec, err := url.PathUnescape(seg); err == nil {
			seg = dec
		}
		out = append(out, seg)
	}
	return strings.Join(out, "/")
}

// resolve must be called with mu held.
func (m *Mirror) resolve(key string) *models.Node {
	if id, ok := m.slugToID[key]; ok {
		return m.tree.Find(id)
	}
	if id, ok := m.slugToID[Slug(key)]; ok {
		return m.tree.Find(id)
	}
	if n := m.tree.Find(key); n != nil {
		return n
	}
	return m.tree.Find(key + "/")
}

// ToggleFolder flips a folder's expansion and reports whether it is now open. Opening a
// folder whose children have not been listed yet loads them from the live listing.
func (m *Mirror) ToggleFolder(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	n := m.tree.Find(id)
	if n == nil || !n.IsFolder() {
		m.mu.Unlock()
		return false, fmt.Errorf("toggle %s: %w", id, ErrNotFound)
	}
	if m.open[id] {
		delete(m.open, id)
		m.mu.Unlock()
		return false, nil
	}
	m.open[id] = true
	needsLoad := m.unloaded[id]
	m.mu.Unlock()

	if !needsLoad {
		return true, nil
	}
	return true, m.loadChildren(ctx, id)
}

func (m *Mirror) loadChildren(ctx context.Context, id string) error {
	ctx, done := m.scope(ctx, nil)
	defer done()
	l := &listing{cancel: done}
	m.scopeMu.Lock()
	if prev := m.listings[id]; prev != nil {
		prev.cancel()
	}
	m.listings[id] = l
	m.scopeMu.Unlock()
	defer func() {
		m.scopeMu.Lock()
		if m.listings[id] == l {
			delete(m.listings, id)
		}
		m.scopeMu.Unlock()
	}()

	lr, err := m.remote.List(ctx, id)
	if err != nil {
		return fmt.Errorf("list %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" && m.tree.Find(id) == nil {
		return nil
	}
	merged := m.tree
	now := time.Now()
	for _, f := range lr.Folders {
		if merged.Find(f) != nil {
			continue
		}
		next, _, err := tree.AddFolder(merged, f, now)
		if err != nil {
			return fmt.Errorf("merge listing of %s: %w", id, err)
		}
		merged = next
		m.unloaded[f] = true
	}
	for _, f := range lr.Files {
		next, _, err := tree.AddOrUpdateFile(merged, tree.File{
			Key:          f.Path,
			ETag:         f.ETag,
			Size:         f.Size,
			LastModified: f.LastModified,
		}, now)
		if err != nil {
			return fmt.Errorf("merge listing of %s: %w", id, err)
		}
		merged = next
	}
	m.tree = merged
	delete(m.unloaded, id)
	m.reindex()
	return nil
}
