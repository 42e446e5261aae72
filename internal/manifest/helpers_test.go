package manifest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/notevault/notevault/internal/storage/memory"
	"github.com/notevault/notevault/pkg/models"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// seedBackend writes each key with its own name as content.
func seedBackend(t *testing.T, keys ...string) *memory.Backend {
	t.Helper()
	b := memory.New()
	b.SetClock(fixedClock)
	for _, k := range keys {
		if _, err := b.Put(context.Background(), k, strings.NewReader(k), int64(len(k))); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	return b
}

// buildFrom builds a manifest over the given keys at fixedNow.
func buildFrom(t *testing.T, keys ...string) *models.Manifest {
	t.Helper()
	m, err := NewBuilder(seedBackend(t, keys...), WithClock(fixedClock)).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return m
}

func ids(m *models.Manifest) []string {
	out := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		out[i] = n.ID
	}
	return out
}

func mustInvariants(t *testing.T, m *models.Manifest) {
	t.Helper()
	if err := models.CheckInvariants(m); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}
