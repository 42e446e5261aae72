package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/notevault/notevault/pkg/tree"
)

// Document is a file body held by the session. It stays cached until the tree reports a
// different etag for the file or the server raises its tag.
type Document struct {
	ID   string
	Body []byte
	ETag string
}

// OpenFile returns the body of a file, from the session cache when the cached etag
// still matches the tree. Opening another file cancels a load still in flight.
func (m *Mirror) OpenFile(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	n := m.tree.Find(id)
	if n == nil || n.IsFolder() {
		m.mu.RUnlock()
		return nil, fmt.Errorf("open %s: %w", id, ErrNotFound)
	}
	if d, ok := m.docs[id]; ok && d.ETag == n.ETag {
		m.mu.RUnlock()
		return d, nil
	}
	m.mu.RUnlock()

	ctx, done := m.scope(ctx, &m.loadCancel)
	defer done()

	res, err := m.remote.GetFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	d := &Document{ID: id, Body: res.Body, ETag: res.ETag}

	m.mu.Lock()
	if m.tree.Find(id) != nil {
		m.docs[id] = d
	}
	m.mu.Unlock()
	return d, nil
}

// SaveFile writes body to an existing file. The write is conditional on the etag the
// session last saw, so a concurrent edit elsewhere fails with client.ErrConflict.
func (m *Mirror) SaveFile(ctx context.Context, id string, body []byte) (*Document, error) {
	var (
		etag  string
		saved string
	)
	err := m.mutate(ctx, "save", func(now time.Time) error {
		n := m.tree.Find(id)
		if n == nil || n.IsFolder() {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		etag = n.ETag
		if d, ok := m.docs[id]; ok && d.ETag != "" {
			etag = d.ETag
		}
		next, _, err := tree.AddOrUpdateFile(m.tree, tree.File{
			Key:          id,
			ETag:         n.ETag,
			Size:         int64(len(body)),
			LastModified: now,
		}, now)
		if err != nil {
			return err
		}
		m.tree = next
		return nil
	}, func(ctx context.Context) error {
		mr, err := m.remote.PutFile(ctx, id, body, etag)
		if err != nil {
			return err
		}
		saved = mr.ETag
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := &Document{ID: id, Body: body, ETag: saved}
	m.mu.Lock()
	if n := m.tree.Find(id); n != nil && (n.ETag == saved || saved == "") {
		m.docs[id] = d
	}
	m.mu.Unlock()
	return d, nil
}
