// Package models contains the manifest data types shared by the server and the client mirror.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ManifestVersion is the schema version written into every manifest.
const ManifestVersion = 1

// NodeType discriminates file and folder nodes.
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// Node is a file or folder in the manifest. Links between nodes are ids, never pointers.
//
// ParentID is empty for root-level nodes and serializes as JSON null.
// ETag, Size and LastModified are only meaningful for files; ChildrenIDs only for folders.
type Node struct {
	ID       string
	Name     string
	Path     string
	ParentID string
	Type     NodeType

	ETag         string
	Size         int64
	LastModified time.Time

	ChildrenIDs []string
}

// IsFolder reports whether n is a folder node.
func (n *Node) IsFolder() bool {
	return n.Type == NodeFolder
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	c := *n
	if n.ChildrenIDs != nil {
		c.ChildrenIDs = append(make([]string, 0, len(n.ChildrenIDs)), n.ChildrenIDs...)
	}
	return &c
}

type fileJSON struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	ParentID     *string   `json:"parentId"`
	Type         NodeType  `json:"type"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type folderJSON struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	ParentID    *string  `json:"parentId"`
	Type        NodeType `json:"type"`
	ChildrenIDs []string `json:"childrenIds"`
}

type nodeJSON struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	ParentID     *string    `json:"parentId"`
	Type         NodeType   `json:"type"`
	ETag         string     `json:"etag"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified"`
	ChildrenIDs  []string   `json:"childrenIds"`
}

// MarshalJSON writes the variant-specific shape: files never carry childrenIds and
// folders always do.
func (n *Node) MarshalJSON() ([]byte, error) {
	var parent *string
	if n.ParentID != "" {
		p := n.ParentID
		parent = &p
	}
	switch n.Type {
	case NodeFile:
		return json.Marshal(fileJSON{
			ID: n.ID, Name: n.Name, Path: n.Path, ParentID: parent, Type: n.Type,
			ETag: n.ETag, Size: n.Size, LastModified: n.LastModified,
		})
	case NodeFolder:
		children := n.ChildrenIDs
		if children == nil {
			children = []string{}
		}
		return json.Marshal(folderJSON{
			ID: n.ID, Name: n.Name, Path: n.Path, ParentID: parent, Type: n.Type,
			ChildrenIDs: children,
		})
	default:
		return nil, fmt.Errorf("node %q: unknown type %q", n.ID, n.Type)
	}
}

// UnmarshalJSON reads either variant.
func (n *Node) UnmarshalJSON(data []byte) error {
	var aux nodeJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*n = Node{
		ID:   aux.ID,
		Name: aux.Name,
		Path: aux.Path,
		Type: aux.Type,
	}
	if aux.ParentID != nil {
		n.ParentID = *aux.ParentID
	}
	switch aux.Type {
	case NodeFile:
		n.ETag = aux.ETag
		n.Size = aux.Size
		if aux.LastModified != nil {
			n.LastModified = *aux.LastModified
		}
	case NodeFolder:
		n.ChildrenIDs = aux.ChildrenIDs
		if n.ChildrenIDs == nil {
			n.ChildrenIDs = []string{}
		}
	default:
		return fmt.Errorf("node %q: unknown type %q", aux.ID, aux.Type)
	}
	return nil
}

// Metadata describes one published snapshot.
type Metadata struct {
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	Checksum    string    `json:"checksum"`
	NodeCount   int       `json:"nodeCount"`
}

// Manifest is a complete snapshot of the vault tree.
type Manifest struct {
	Metadata Metadata `json:"metadata"`
	Nodes    []*Node  `json:"nodes"`
	RootIDs  []string `json:"rootIds"`
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		Metadata: m.Metadata,
		Nodes:    make([]*Node, len(m.Nodes)),
		RootIDs:  append([]string{}, m.RootIDs...),
	}
	for i, n := range m.Nodes {
		c.Nodes[i] = n.Clone()
	}
	return c
}

// Index returns the nodes keyed by id.
func (m *Manifest) Index() map[string]*Node {
	idx := make(map[string]*Node, len(m.Nodes))
	for _, n := range m.Nodes {
		idx[n.ID] = n
	}
	return idx
}

// Find returns the node with the given id, or nil.
func (m *Manifest) Find(id string) *Node {
	i := sort.Search(len(m.Nodes), func(i int) bool { return m.Nodes[i].ID >= id })
	if i < len(m.Nodes) && m.Nodes[i].ID == id {
		return m.Nodes[i]
	}
	// Fall back to a scan for manifests that were not sealed.
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Seal puts m into canonical form: nodes and child lists sorted, metadata recomputed.
func (m *Manifest) Seal(generatedAt time.Time) {
	sort.Slice(m.Nodes, func(i, j int) bool { return m.Nodes[i].ID < m.Nodes[j].ID })
	for _, n := range m.Nodes {
		if n.IsFolder() {
			if n.ChildrenIDs == nil {
				n.ChildrenIDs = []string{}
			}
			sort.Strings(n.ChildrenIDs)
		}
	}
	if m.RootIDs == nil {
		m.RootIDs = []string{}
	}
	sort.Strings(m.RootIDs)
	if m.Nodes == nil {
		m.Nodes = []*Node{}
	}

	m.Metadata.Version = ManifestVersion
	m.Metadata.GeneratedAt = NormalizeTime(generatedAt)
	m.Metadata.NodeCount = len(m.Nodes)
	m.Metadata.Checksum = Checksum(m)
}

// NormalizeTime returns t in UTC at millisecond precision without a monotonic reading,
// so that it survives a JSON round trip unchanged.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// NewFileNode builds a file node for a normalized file id.
func NewFileNode(id, etag string, size int64, lastModified time.Time) *Node {
	return &Node{
		ID:           id,
		Name:         BaseName(id),
		Path:         id,
		ParentID:     ParentID(id),
		Type:         NodeFile,
		ETag:         StripETag(etag),
		Size:         size,
		LastModified: NormalizeTime(lastModified),
	}
}

// NewFolderNode builds an empty folder node for a normalized folder id.
func NewFolderNode(id string) *Node {
	return &Node{
		ID:          id,
		Name:        BaseName(id),
		Path:        id,
		ParentID:    ParentID(id),
		Type:        NodeFolder,
		ChildrenIDs: []string{},
	}
}
