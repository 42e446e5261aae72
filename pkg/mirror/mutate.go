package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/tree"
)

var (
	// ErrNotFound is returned for ids that are not in the mirrored tree.
	ErrNotFound = errors.New("node not found")
	// ErrExists is returned when the target of a create, rename or move is taken.
	ErrExists = errors.New("node already exists")
	// ErrInvalidName is returned for empty names, names containing a slash and file
	// names without the indexed extension.
	ErrInvalidName = errors.New("invalid name")
)

// mutate runs one structural edit through the queue: apply the optimistic change, call
// the server, then force a reload. Any error from apply or call restores the state
// captured before the edit.
func (m *Mirror) mutate(ctx context.Context, op string, apply func(now time.Time) error, call func(ctx context.Context) error) error {
	m.refresh.begin()
	defer m.refresh.end()

	ctx, done := m.scope(ctx, nil)
	defer done()

	return m.queue.Do(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		snap := m.capture()
		if err := apply(time.Now()); err != nil {
			m.restore(snap)
			m.mu.Unlock()
			return fmt.Errorf("%s: %w", op, err)
		}
		m.reindex()
		m.mu.Unlock()

		if err := call(ctx); err != nil {
			m.mu.Lock()
			m.restore(snap)
			m.mu.Unlock()
			m.log.Warn("mutation rolled back", zap.String("op", op), zap.Error(err))
			return fmt.Errorf("%s: %w", op, err)
		}

		if err := m.Reload(ctx, true); err != nil {
			m.log.Warn("reload after mutation failed", zap.String("op", op), zap.Error(err))
			m.refresh.Schedule()
		}
		return nil
	})
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// checkFileName rejects file names the server would store without indexing them.
func (m *Mirror) checkFileName(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	ext := strings.ToLower(m.opts.Extension)
	if lower := strings.ToLower(name); !strings.HasSuffix(lower, ext) || lower == ext {
		return fmt.Errorf("%w: %q needs the %s extension", ErrInvalidName, name, m.opts.Extension)
	}
	return nil
}

// parentFolder returns the folder id for parentID, "" meaning the root.
// Must be called with mu held.
func (m *Mirror) parentFolder(parentID string) (string, error) {
	if parentID == "" {
		return "", nil
	}
	id, err := models.FolderID(parentID)
	if err != nil {
		return "", err
	}
	if n := m.tree.Find(id); n == nil || !n.IsFolder() {
		return "", fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	return id, nil
}

// CreateFolder creates an empty folder named name inside parentID ("" for the root)
// and returns its id.
func (m *Mirror) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	var id string
	err := m.mutate(ctx, "create folder", func(now time.Time) error {
		parent, err := m.parentFolder(parentID)
		if err != nil {
			return err
		}
		id = parent + name + "/"
		if m.tree.Find(id) != nil {
			return fmt.Errorf("%s: %w", id, ErrExists)
		}
		next, _, err := tree.AddFolder(m.tree, id, now)
		if err != nil {
			return err
		}
		m.tree = next
		if parent != "" {
			m.open[parent] = true
		}
		return nil
	}, func(ctx context.Context) error {
		_, err := m.remote.CreateFolder(ctx, id)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateFile creates a file named name inside parentID with the given body, selects it
// and returns its id.
func (m *Mirror) CreateFile(ctx context.Context, parentID, name string, body []byte) (string, error) {
	if err := m.checkFileName(name); err != nil {
		return "", err
	}
	var id string
	err := m.mutate(ctx, "create file", func(now time.Time) error {
		parent, err := m.parentFolder(parentID)
		if err != nil {
			return err
		}
		id = parent + name
		if m.tree.Find(id) != nil {
			return fmt.Errorf("%s: %w", id, ErrExists)
		}
		next, _, err := tree.AddOrUpdateFile(m.tree, tree.File{
			Key:          id,
			Size:         int64(len(body)),
			LastModified: now,
		}, now)
		if err != nil {
			return err
		}
		m.tree = next
		m.selected = id
		for _, a := range models.Ancestors(id) {
			m.open[a] = true
		}
		return nil
	}, func(ctx context.Context) error {
		_, err := m.remote.PutFile(ctx, id, body, "")
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RenameNode renames id in place and returns the new id.
func (m *Mirror) RenameNode(ctx context.Context, id, newName string) (string, error) {
	if err := checkName(newName); err != nil {
		return "", err
	}
	return m.relocate(ctx, "rename", id, func(n *models.Node) (string, error) {
		return n.ParentID, nil
	}, newName)
}

// MoveNode moves id into newParentID ("" for the root) and returns the new id.
func (m *Mirror) MoveNode(ctx context.Context, id, newParentID string) (string, error) {
	return m.relocate(ctx, "move", id, func(*models.Node) (string, error) {
		return m.parentFolder(newParentID)
	}, "")
}

// relocate moves a file or folder to parent+name (name defaults to the current name).
func (m *Mirror) relocate(ctx context.Context, op, id string, parentOf func(*models.Node) (string, error), name string) (string, error) {
	var (
		from, to string
		folder   bool
	)
	err := m.mutate(ctx, op, func(now time.Time) error {
		n := m.tree.Find(id)
		if n == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		parent, err := parentOf(n)
		if err != nil {
			return err
		}
		newName := name
		if newName == "" {
			newName = n.Name
		}
		from, folder = n.ID, n.IsFolder()
		if !folder && name != "" {
			if err := m.checkFileName(newName); err != nil {
				return err
			}
		}
		to = parent + newName
		if folder {
			to += "/"
		}
		if to == from {
			return nil
		}
		if m.tree.Find(to) != nil {
			return fmt.Errorf("%s: %w", to, ErrExists)
		}

		var next *models.Manifest
		if folder {
			next, _, err = tree.MoveFolder(m.tree, from, to, now)
		} else {
			next, _, err = tree.MoveFile(m.tree, from, to, nil, now)
		}
		if err != nil {
			return err
		}
		m.tree = next
		m.rebaseUI(from, to, folder)
		return nil
	}, func(ctx context.Context) error {
		var err error
		switch {
		case to == from:
		case folder:
			_, err = m.remote.MoveFolder(ctx, from, to)
		default:
			_, err = m.remote.MoveFile(ctx, from, to)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return to, nil
}

// rebaseUI carries open folders, the selection and unlisted markers over to the moved
// ids. Must be called with mu held.
func (m *Mirror) rebaseUI(from, to string, folder bool) {
	move := func(id string) (string, bool) {
		if !folder {
			return to, id == from
		}
		return models.Rebase(id, from, to)
	}
	for _, set := range []map[string]bool{m.open, m.unloaded} {
		for id, v := range set {
			if nid, ok := move(id); ok {
				delete(set, id)
				set[nid] = v
			}
		}
	}
	if nid, ok := move(m.selected); ok && m.selected != "" {
		m.selected = nid
	}
	if d, ok := m.docs[from]; ok && !folder {
		delete(m.docs, from)
		m.docs[to] = d
	}
}

// DeleteNode removes a file, or a folder with everything below it. File deletes are
// conditional on the mirrored etag.
func (m *Mirror) DeleteNode(ctx context.Context, id string) error {
	var (
		target, etag string
		folder       bool
	)
	return m.mutate(ctx, "delete", func(now time.Time) error {
		n := m.tree.Find(id)
		if n == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		target, etag, folder = n.ID, n.ETag, n.IsFolder()

		var (
			next *models.Manifest
			err  error
		)
		if folder {
			next, _, err = tree.DeleteFolder(m.tree, target, now)
		} else {
			next, _, err = tree.DeleteFile(m.tree, target, now)
		}
		if err != nil {
			return err
		}
		m.tree = next
		for _, set := range []map[string]bool{m.open, m.unloaded} {
			for oid := range set {
				if next.Find(oid) == nil {
					delete(set, oid)
				}
			}
		}
		if m.selected != "" && next.Find(m.selected) == nil {
			m.selected = ""
		}
		return nil
	}, func(ctx context.Context) error {
		var err error
		if folder {
			_, err = m.remote.DeleteFolder(ctx, target)
		} else {
			_, err = m.remote.DeleteFile(ctx, target, etag)
		}
		return err
	})
}
