package content

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/internal/storage/memory"
)

type recorder struct{ tags []string }

func (r *recorder) Invalidate(tags ...string) { r.tags = append(r.tags, tags...) }

func setup(t *testing.T, files map[string]string) (*Cache, *memory.Backend, *cache.Memory, *recorder) {
	t.Helper()
	b := memory.New()
	for k, v := range files {
		if _, err := b.Put(context.Background(), k, strings.NewReader(v), int64(len(v))); err != nil {
			t.Fatal(err)
		}
	}
	c := cache.NewMemory()
	rec := &recorder{}
	return New(c, b, rec), b, c, rec
}

func TestGetMissThenHit(t *testing.T) {
	ctx := context.Background()
	cc, _, kv, _ := setup(t, map[string]string{"notes/a.md": "hello"})

	e, hit, err := cc.Get(ctx, "/notes//a.md")
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("first read should miss")
	}
	if string(e.Body) != "hello" || e.Path != "notes/a.md" || e.ETag == "" {
		t.Errorf("entry = %+v", e)
	}
	if _, err := kv.Get(ctx, "meta:notes/a.md"); err != nil {
		t.Errorf("meta entry not written back: %v", err)
	}

	e2, hit, err := cc.Get(ctx, "notes/a.md")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("second read should hit")
	}
	if string(e2.Body) != "hello" || e2.ETag != e.ETag {
		t.Errorf("cached entry = %+v", e2)
	}
}

func TestGetMissing(t *testing.T) {
	cc, _, _, _ := setup(t, nil)
	if _, _, err := cc.Get(context.Background(), "nope.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWriteIfMatch(t *testing.T) {
	ctx := context.Background()
	cc, b, _, rec := setup(t, map[string]string{"a.md": "v1"})

	e, _, err := cc.Get(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		key      string
		ifMatch  string
		conflict bool
	}{
		{"stale etag", "a.md", `"deadbeef"`, true},
		{"missing object", "new.md", `"x"`, true},
		{"wildcard on missing", "new.md", "*", true},
		{"current etag", "a.md", `"` + e.ETag + `"`, false},
		{"unconditional", "b.md", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cc.Write(ctx, tt.key, []byte("v2"), tt.ifMatch)
			if tt.conflict {
				var ce *ConflictError
				if !errors.As(err, &ce) || !errors.Is(err, ErrConflict) {
					t.Fatalf("err = %v, want ConflictError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
		})
	}

	data, _, err := storage.ReadAll(ctx, b, "a.md")
	if err != nil || string(data) != "v2" {
		t.Errorf("a.md = %q, %v", data, err)
	}
	if got, _, _ := cc.Get(ctx, "a.md"); string(got.Body) != "v2" {
		t.Error("stale body served after write")
	}
	if !contains(rec.tags, events.FileTag("a.md")) {
		t.Errorf("tags = %v", rec.tags)
	}
}

func TestDeleteAndMove(t *testing.T) {
	ctx := context.Background()
	cc, b, kv, rec := setup(t, map[string]string{"a.md": "A", "b.md": "B"})
	if _, _, err := cc.Get(ctx, "a.md"); err != nil {
		t.Fatal(err)
	}

	if err := cc.Move(ctx, "a.md", "x/a.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(ctx, "content:a.md"); !errors.Is(err, cache.ErrMiss) {
		t.Error("moved source still cached")
	}
	if _, err := b.Head(ctx, "a.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("source still stored")
	}
	if e, _, err := cc.Get(ctx, "x/a.md"); err != nil || string(e.Body) != "A" {
		t.Errorf("destination = %v, %v", e, err)
	}

	if err := cc.Delete(ctx, "b.md", `"wrong"`); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
	if err := cc.Delete(ctx, "b.md", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Head(ctx, "b.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("b.md still stored")
	}

	for _, want := range []string{"file:a.md", "file:x/a.md", "file:b.md"} {
		if !contains(rec.tags, want) {
			t.Errorf("tag %s not raised (%v)", want, rec.tags)
		}
	}
}

func TestFolders(t *testing.T) {
	ctx := context.Background()
	cc, b, _, rec := setup(t, map[string]string{
		"p/a.md":     "1",
		"p/q/b.md":   "2",
		"pq/keep.md": "3",
	})

	id, err := cc.CreateFolder(ctx, "p/empty")
	if err != nil || id != "p/empty/" {
		t.Fatalf("create folder = %q, %v", id, err)
	}

	dst, err := cc.MoveFolder(ctx, "p", "r/p")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(dst)
	want := []string{"r/p/a.md", "r/p/empty/", "r/p/q/b.md"}
	if strings.Join(dst, ",") != strings.Join(want, ",") {
		t.Errorf("moved = %v, want %v", dst, want)
	}
	keys := b.Keys()
	sort.Strings(keys)
	if want := []string{"pq/keep.md", "r/p/a.md", "r/p/empty/", "r/p/q/b.md"}; strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	if _, err := cc.MoveFolder(ctx, "r/", "r/inner/"); err == nil {
		t.Error("expected an error moving a folder into itself")
	}

	removed, err := cc.DeleteFolder(ctx, "r/p/")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 4 {
		t.Errorf("removed = %v", removed)
	}
	if keys := b.Keys(); len(keys) != 1 || keys[0] != "pq/keep.md" {
		t.Errorf("keys after delete = %v", keys)
	}
	if contains(rec.tags, "file:r/p/empty/") {
		t.Error("folder markers should not raise file tags")
	}
	if !contains(rec.tags, "file:r/p/q/b.md") {
		t.Errorf("tags = %v", rec.tags)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
