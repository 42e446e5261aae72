// Package tree provides the structural edits shared by the server and the client mirror.
//
// Every edit takes a sealed manifest and returns a new one; inputs are never modified.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/notevault/notevault/pkg/models"
)

var (
	// ErrNodeNotFound is returned when a transform needs a node that is not in the manifest.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidMove is returned for a folder moved into its own subtree.
	ErrInvalidMove = errors.New("invalid move")
	// ErrInvariant is returned when a transform would publish a broken manifest.
	ErrInvariant = errors.New("manifest invariant violated")
)

// File is the metadata of one stored file.
type File struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// arena holds a manifest being edited. Nodes are addressed by id and linked by id.
// Structural links change only through ensureParentFolders, addChildToParent and
// removeChildFromParent.
type arena struct {
	nodes map[string]*models.Node
	roots map[string]struct{}
}

func newArena() *arena {
	return &arena{
		nodes: make(map[string]*models.Node),
		roots: make(map[string]struct{}),
	}
}

// arenaFrom deep-copies m so that transforms never touch their input.
func arenaFrom(m *models.Manifest) *arena {
	a := newArena()
	for _, n := range m.Nodes {
		a.nodes[n.ID] = n.Clone()
	}
	for _, id := range m.RootIDs {
		a.roots[id] = struct{}{}
	}
	return a
}

// ensureParentFolders creates every missing folder above id, outermost first.
func (a *arena) ensureParentFolders(id string) {
	for _, folderID := range models.Ancestors(id) {
		if _, ok := a.nodes[folderID]; ok {
			continue
		}
		a.nodes[folderID] = models.NewFolderNode(folderID)
		a.addChildToParent(models.ParentID(folderID), folderID)
	}
}

// addChildToParent links childID under parentID ("" for the root), keeping the list
// sorted and free of duplicates.
func (a *arena) addChildToParent(parentID, childID string) {
	if parentID == "" {
		a.roots[childID] = struct{}{}
		return
	}
	parent, ok := a.nodes[parentID]
	if !ok {
		return
	}
	i := sort.SearchStrings(parent.ChildrenIDs, childID)
	if i < len(parent.ChildrenIDs) && parent.ChildrenIDs[i] == childID {
		return
	}
	parent.ChildrenIDs = append(parent.ChildrenIDs, "")
	copy(parent.ChildrenIDs[i+1:], parent.ChildrenIDs[i:])
	parent.ChildrenIDs[i] = childID
}

// removeChildFromParent unlinks childID from parentID ("" for the root).
func (a *arena) removeChildFromParent(parentID, childID string) {
	if parentID == "" {
		delete(a.roots, childID)
		return
	}
	parent, ok := a.nodes[parentID]
	if !ok {
		return
	}
	out := parent.ChildrenIDs[:0]
	for _, id := range parent.ChildrenIDs {
		if id != childID {
			out = append(out, id)
		}
	}
	parent.ChildrenIDs = out
}

// insert stores n and links it, creating its ancestors as needed.
func (a *arena) insert(n *models.Node) {
	a.ensureParentFolders(n.ID)
	a.nodes[n.ID] = n
	a.addChildToParent(n.ParentID, n.ID)
}

// closure returns id and all of its transitive descendants, breadth first.
func (a *arena) closure(id string) []string {
	if _, ok := a.nodes[id]; !ok {
		return nil
	}
	seen := map[string]bool{id: true}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		n := a.nodes[out[i]]
		if n == nil || !n.IsFolder() {
			continue
		}
		for _, cid := range n.ChildrenIDs {
			if !seen[cid] {
				seen[cid] = true
				out = append(out, cid)
			}
		}
	}
	return out
}

// seal produces a canonical manifest and verifies it.
func (a *arena) seal(now time.Time) (*models.Manifest, error) {
	m := &models.Manifest{
		Nodes:   make([]*models.Node, 0, len(a.nodes)),
		RootIDs: make([]string, 0, len(a.roots)),
	}
	for _, n := range a.nodes {
		m.Nodes = append(m.Nodes, n)
	}
	for id := range a.roots {
		m.RootIDs = append(m.RootIDs, id)
	}
	m.Seal(now)
	if err := models.CheckInvariants(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return m, nil
}

// Arena collects nodes for a manifest assembled from scratch, as a full scan does.
type Arena struct {
	a *arena
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{a: newArena()}
}

// Insert adds n, creating its missing ancestor folders.
func (b *Arena) Insert(n *models.Node) {
	b.a.insert(n)
}

// Seal returns the canonical manifest of everything inserted so far.
func (b *Arena) Seal(now time.Time) (*models.Manifest, error) {
	return b.a.seal(now)
}

// sealed finishes a transform that changed the arena.
func sealed(a *arena, now time.Time) (*models.Manifest, bool, error) {
	out, err := a.seal(now)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Each transform returns a new manifest and never mutates m. When changed is false the
// input is returned as is and there is nothing to publish.

// AddOrUpdateFile inserts the file described by obj, or replaces its metadata.
func AddOrUpdateFile(m *models.Manifest, obj File, now time.Time) (out *models.Manifest, changed bool, err error) {
	id, err := models.FileID(obj.Key)
	if err != nil {
		return nil, false, err
	}
	n := models.NewFileNode(id, obj.ETag, obj.Size, obj.LastModified)
	if cur := m.Find(id); cur != nil && cur.ETag == n.ETag && cur.Size == n.Size && cur.LastModified.Equal(n.LastModified) {
		return m, false, nil
	}
	a := arenaFrom(m)
	if cur, ok := a.nodes[id]; ok {
		a.removeChildFromParent(cur.ParentID, id)
	}
	a.insert(n)
	return sealed(a, now)
}

// AddFolder inserts an empty folder. changed is false when it already exists.
func AddFolder(m *models.Manifest, prefix string, now time.Time) (out *models.Manifest, changed bool, err error) {
	id, err := models.FolderID(prefix)
	if err != nil {
		return nil, false, err
	}
	if m.Find(id) != nil {
		return m, false, nil
	}
	a := arenaFrom(m)
	a.insert(models.NewFolderNode(id))
	return sealed(a, now)
}

// DeleteFile removes a file. changed is false when it is absent.
func DeleteFile(m *models.Manifest, key string, now time.Time) (out *models.Manifest, changed bool, err error) {
	id, err := models.FileID(key)
	if err != nil {
		return nil, false, err
	}
	if m.Find(id) == nil {
		return m, false, nil
	}
	a := arenaFrom(m)
	n := a.nodes[id]
	a.removeChildFromParent(n.ParentID, id)
	delete(a.nodes, id)
	return sealed(a, now)
}

// DeleteFolder removes a folder and its descendant closure, found by walking childrenIds.
// Siblings that merely share a string prefix are never touched.
func DeleteFolder(m *models.Manifest, prefix string, now time.Time) (out *models.Manifest, changed bool, err error) {
	id, err := models.FolderID(prefix)
	if err != nil {
		return nil, false, err
	}
	if m.Find(id) == nil {
		return m, false, nil
	}
	a := arenaFrom(m)
	a.removeChildFromParent(a.nodes[id].ParentID, id)
	for _, did := range a.closure(id) {
		delete(a.nodes, did)
		delete(a.roots, did)
	}
	return sealed(a, now)
}

// MoveFile relinks oldKey as newKey. stat is the destination's fresh metadata; when it is
// nil the node keeps the metadata it had under oldKey.
func MoveFile(m *models.Manifest, oldKey, newKey string, stat *File, now time.Time) (out *models.Manifest, changed bool, err error) {
	oldID, err := models.FileID(oldKey)
	if err != nil {
		return nil, false, err
	}
	newID, err := models.FileID(newKey)
	if err != nil {
		return nil, false, err
	}
	if oldID == newID && stat == nil && m.Find(oldID) != nil {
		return m, false, nil
	}

	a := arenaFrom(m)
	old, hadOld := a.nodes[oldID]
	if hadOld {
		a.removeChildFromParent(old.ParentID, oldID)
		delete(a.nodes, oldID)
	}

	var moved *models.Node
	switch {
	case stat != nil:
		moved = models.NewFileNode(newID, stat.ETag, stat.Size, stat.LastModified)
	case hadOld:
		moved = models.NewFileNode(newID, old.ETag, old.Size, old.LastModified)
	default:
		return nil, false, fmt.Errorf("move %s: %w", oldID, ErrNodeNotFound)
	}

	if existing, ok := a.nodes[newID]; ok {
		a.removeChildFromParent(existing.ParentID, newID)
	}
	a.insert(moved)
	return sealed(a, now)
}

// MoveFolder rewrites oldPrefix and every descendant to sit under newPrefix, keeping the
// subtree's shape. When the destination folder already exists the trees are merged:
// folders union their children and files from the moved tree win.
// A missing source only ensures that the destination exists.
func MoveFolder(m *models.Manifest, oldPrefix, newPrefix string, now time.Time) (out *models.Manifest, changed bool, err error) {
	oldID, err := models.FolderID(oldPrefix)
	if err != nil {
		return nil, false, err
	}
	newID, err := models.FolderID(newPrefix)
	if err != nil {
		return nil, false, err
	}
	if oldID == newID {
		return m, false, nil
	}
	if _, inside := models.Rebase(newID, oldID, ""); inside {
		return nil, false, fmt.Errorf("%w: %s into %s", ErrInvalidMove, oldID, newID)
	}

	a := arenaFrom(m)
	src, ok := a.nodes[oldID]
	if !ok {
		if _, exists := a.nodes[newID]; exists {
			return m, false, nil
		}
		a.insert(models.NewFolderNode(newID))
		return sealed(a, now)
	}

	ids := a.closure(oldID)
	a.removeChildFromParent(src.ParentID, oldID)

	moved := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		n := a.nodes[id]
		delete(a.nodes, id)
		rid, _ := models.Rebase(id, oldID, newID)
		c := n.Clone()
		c.ID = rid
		c.Path = rid
		c.Name = models.BaseName(rid)
		c.ParentID = models.ParentID(rid)
		for i, cid := range c.ChildrenIDs {
			c.ChildrenIDs[i], _ = models.Rebase(cid, oldID, newID)
		}
		moved = append(moved, c)
	}

	a.ensureParentFolders(newID)
	for _, n := range moved {
		existing, ok := a.nodes[n.ID]
		switch {
		case ok && existing.IsFolder() && n.IsFolder():
			for _, cid := range n.ChildrenIDs {
				a.addChildToParent(existing.ID, cid)
			}
		default:
			a.nodes[n.ID] = n
		}
		if n.ID == newID {
			a.addChildToParent(n.ParentID, n.ID)
		}
	}
	return sealed(a, now)
}
