package models

import (
	"errors"
	"fmt"
	"sort"
)

// CheckInvariants verifies the structural invariants of a sealed manifest: unique ids,
// parent/child symmetry in both directions, root membership, sortedness, node count and
// checksum. All violations are reported together.
func CheckInvariants(m *Manifest) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	idx := make(map[string]*Node, len(m.Nodes))
	for _, n := range m.Nodes {
		if _, dup := idx[n.ID]; dup {
			add("duplicate id %q", n.ID)
		}
		idx[n.ID] = n
	}

	if !sort.SliceIsSorted(m.Nodes, func(i, j int) bool { return m.Nodes[i].ID < m.Nodes[j].ID }) {
		add("nodes are not sorted by id")
	}
	if !sort.StringsAreSorted(m.RootIDs) {
		add("rootIds are not sorted")
	}

	roots := make(map[string]bool, len(m.RootIDs))
	for _, id := range m.RootIDs {
		if roots[id] {
			add("rootIds lists %q twice", id)
		}
		roots[id] = true
		n, ok := idx[id]
		if !ok {
			add("rootIds lists missing node %q", id)
		} else if n.ParentID != "" {
			add("rootIds lists %q whose parent is %q", id, n.ParentID)
		}
	}

	for _, n := range m.Nodes {
		if n.Path != n.ID {
			add("node %q has path %q", n.ID, n.Path)
		}
		if IsFolderID(n.ID) != n.IsFolder() {
			add("node %q has type %q", n.ID, n.Type)
		}
		if n.ParentID != ParentID(n.ID) {
			add("node %q has parent %q, want %q", n.ID, n.ParentID, ParentID(n.ID))
		}

		if n.ParentID == "" {
			if !roots[n.ID] {
				add("root node %q missing from rootIds", n.ID)
			}
		} else {
			parent, ok := idx[n.ParentID]
			switch {
			case !ok:
				add("node %q references missing parent %q", n.ID, n.ParentID)
			case !parent.IsFolder():
				add("node %q has non-folder parent %q", n.ID, n.ParentID)
			case !containsSorted(parent.ChildrenIDs, n.ID):
				add("folder %q does not list child %q", parent.ID, n.ID)
			}
		}

		if !n.IsFolder() {
			continue
		}
		if !sort.StringsAreSorted(n.ChildrenIDs) {
			add("folder %q children are not sorted", n.ID)
		}
		for i, cid := range n.ChildrenIDs {
			if i > 0 && n.ChildrenIDs[i-1] == cid {
				add("folder %q lists %q twice", n.ID, cid)
			}
			child, ok := idx[cid]
			if !ok {
				add("folder %q lists missing child %q", n.ID, cid)
			} else if child.ParentID != n.ID {
				add("folder %q lists %q whose parent is %q", n.ID, cid, child.ParentID)
			}
		}
	}

	if m.Metadata.NodeCount != len(m.Nodes) {
		add("nodeCount is %d but there are %d nodes", m.Metadata.NodeCount, len(m.Nodes))
	}
	if sum := Checksum(m); sum != m.Metadata.Checksum {
		add("checksum mismatch: have %s, computed %s", m.Metadata.Checksum, sum)
	}

	return errors.Join(errs...)
}

func containsSorted(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
