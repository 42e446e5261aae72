package mirror

import (
	"context"
	"testing"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"readme.md", "readme"},
		{"Daily Notes/Today.md", "daily-notes/today"},
		{"Daily Notes/", "daily-notes"},
		{"a/b.c/", "a/b.c"},
		{"  Padded   Name .md", "padded-name"},
		{"v1.2/notes.tar.gz", "v1.2/notes.tar"},
		{".hidden", ".hidden"},
		{"Tab\tSep.md", "tab-sep"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := Slug(tt.id); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestBuildSlugsDisambiguates(t *testing.T) {
	// Node order decides who keeps the bare slug.
	ids := []string{"A b.md", "a b.md", "a-b.md", "notes.md", "notes/"}
	slugToID, idToSlug := buildSlugs(ids)

	want := map[string]string{
		"A b.md":   "a-b",
		"a b.md":   "a-b-2",
		"a-b.md":   "a-b-3",
		"notes.md": "notes",
		"notes/":   "notes-2",
	}
	for id, slug := range want {
		if idToSlug[id] != slug {
			t.Errorf("slug of %q = %q, want %q", id, idToSlug[id], slug)
		}
		if slugToID[slug] != id {
			t.Errorf("id of %q = %q, want %q", slug, slugToID[slug], id)
		}
	}
}

func TestSelectByPath(t *testing.T) {
	r := newFakeRemote(t, "Daily Notes/Today.md", "Daily Notes/Sub/", "readme.md", "empty/")
	m := New(r, Options{})
	t.Cleanup(m.Close)

	if sel := m.SelectByPath("readme"); sel.Kind != SelectionPending {
		t.Fatalf("before init: %v", sel.Kind)
	}
	if err := m.InitRoot(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		route string
		want  Selection
	}{
		{"", Selection{Kind: SelectionCleared}},
		{"/", Selection{Kind: SelectionCleared}},
		{"readme", Selection{Kind: SelectionSelected, NodeID: "readme.md"}},
		{"daily-notes/today", Selection{Kind: SelectionSelected, NodeID: "Daily Notes/Today.md"}},
		{"Daily%20Notes/Today.md", Selection{Kind: SelectionSelected, NodeID: "Daily Notes/Today.md"}},
		{"/daily-notes/", Selection{Kind: SelectionSelected, NodeID: "Daily Notes/Today.md"}},
		{"empty", Selection{Kind: SelectionFolderEmpty, NodeID: "empty/"}},
		{"daily-notes/sub", Selection{Kind: SelectionFolderEmpty, NodeID: "Daily Notes/Sub/"}},
		{"nope", Selection{Kind: SelectionMissing, Path: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			if got := m.SelectByPath(tt.route); got != tt.want {
				t.Errorf("SelectByPath(%q) = %+v, want %+v", tt.route, got, tt.want)
			}
		})
	}

	m.SelectByPath("daily-notes/today")
	s := m.Snapshot()
	if s.SelectedID != "Daily Notes/Today.md" || s.RouteTarget != "daily-notes/today" {
		t.Errorf("selected %q route %q", s.SelectedID, s.RouteTarget)
	}
	found := false
	for _, id := range s.OpenFolders {
		if id == "Daily Notes/" {
			found = true
		}
	}
	if !found {
		t.Errorf("ancestor not opened: %v", s.OpenFolders)
	}
}
