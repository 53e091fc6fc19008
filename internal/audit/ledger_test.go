package audit

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryAppendListIsolatedPerPipeline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, step := range []string{"a", "b"} {
		if err := m.Append(ctx, Entry{PipelineID: "p1", StepID: step, Comment: "ok", At: at.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := m.Append(ctx, Entry{PipelineID: "p2", StepID: "a", At: at}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := m.List(ctx, "p1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].StepID != "a" || got[1].StepID != "b" {
		t.Fatalf("List(p1) = %+v", got)
	}
	got[0].Comment = "mutated"
	again, _ := m.List(ctx, "p1")
	if again[0].Comment != "ok" {
		t.Fatalf("List() must return a copy")
	}
	if none, _ := m.List(ctx, "missing"); len(none) != 0 {
		t.Fatalf("List(missing) = %+v", none)
	}
}

func TestMemoryRejectsIncompleteEntries(t *testing.T) {
	m := NewMemory()
	err := m.Append(context.Background(), Entry{StepID: "a", At: time.Now()})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
	err = m.Append(context.Background(), Entry{PipelineID: "p", StepID: "a"})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry for zero time, got %v", err)
	}
}

func TestHistoryCacheDropsReadThatRacedAnAppend(t *testing.T) {
	c, err := newHistoryCache(8)
	if err != nil {
		t.Fatalf("newHistoryCache() error = %v", err)
	}
	stale := []Entry{{PipelineID: "p1", StepID: "a"}}

	// A read starts, an append lands, then the read finishes.
	_, gen, ok := c.get("p1")
	if ok {
		t.Fatalf("empty cache reported a hit")
	}
	c.invalidate("p1")
	if c.store("p1", gen, stale) {
		t.Fatalf("store() accepted a history read before the append")
	}
	if _, _, ok := c.get("p1"); ok {
		t.Fatalf("stale history was cached")
	}

	fresh := append(stale, Entry{PipelineID: "p1", StepID: "b"})
	_, gen, _ = c.get("p1")
	if !c.store("p1", gen, fresh) {
		t.Fatalf("store() rejected an uncontended read")
	}
	got, _, ok := c.get("p1")
	if !ok || len(got) != 2 {
		t.Fatalf("get() = %+v, %v", got, ok)
	}
	got[0].Comment = "mutated"
	if again, _, _ := c.get("p1"); again[0].Comment != "" {
		t.Fatalf("get() must return a copy")
	}

	c.invalidate("p1")
	if _, _, ok := c.get("p1"); ok {
		t.Fatalf("invalidate() left the history cached")
	}
}

// Runs only against a real database: AUDIT_TEST_PG_DSN=postgres://...
func TestPostgresRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("AUDIT_TEST_PG_DSN"))
	if dsn == "" {
		t.Skip("AUDIT_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}
	defer p.Close()

	pipelineID := uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := p.Append(ctx, Entry{PipelineID: pipelineID, StepID: "c", Comment: "looks good", UserID: "u1", At: at}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := p.List(ctx, pipelineID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Comment != "looks good" || !got[0].At.Equal(at) {
		t.Fatalf("List() = %+v", got)
	}
	// second read is served from the cache
	cached, _ := p.List(ctx, pipelineID)
	if len(cached) != 1 {
		t.Fatalf("cached List() = %+v", cached)
	}
}
