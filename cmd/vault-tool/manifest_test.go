package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/notevault/notevault/pkg/models"
)

func sampleManifest() *models.Manifest {
	mod := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	b := models.NewFolderNode("b/")
	b.ChildrenIDs = []string{"b/c.md", "b/d/"}
	m := &models.Manifest{
		Nodes: []*models.Node{
			models.NewFileNode("a.md", "e1", 5, mod),
			b,
			models.NewFileNode("b/c.md", "e2", 2048, mod),
			models.NewFolderNode("b/d/"),
			models.NewFolderNode("z/"),
		},
		RootIDs: []string{"a.md", "b/", "z/"},
	}
	m.Seal(mod)
	return m
}

func TestSummarize(t *testing.T) {
	s := summarize(sampleManifest())
	want := summary{files: 2, folders: 3, bytes: 2053, depth: 2}
	if s != want {
		t.Errorf("summarize = %+v, want %+v", s, want)
	}
}

func TestRenderTree(t *testing.T) {
	m := sampleManifest()

	tests := []struct {
		name  string
		roots []string
		want  string
	}{
		{
			name:  "whole tree",
			roots: m.RootIDs,
			want:  "b/\n  d/\n  c.md  2.0kB\nz/\na.md  5B\n",
		},
		{
			name:  "one folder",
			roots: m.Find("b/").ChildrenIDs,
			want:  "d/\nc.md  2.0kB\n",
		},
		{
			name:  "empty",
			roots: nil,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := renderTree(&buf, m, tt.roots); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("renderTree =\n%s\nwant\n%s", buf.String(), tt.want)
			}
		})
	}
}
