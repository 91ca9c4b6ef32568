package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "chatalert/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		path := filepath.Join(t.TempDir(), "chatalert.db")
		st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s) = %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		stores[driver] = st
	}
	return stores
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestHighlightHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for driver, st := range openTestStores(t) {
		for i, id := range []string{"a", "b", "c"} {
			h := Highlight{ID: id, At: base.Add(time.Duration(i) * time.Minute), Source: "test", User: "bob", Text: "hi " + id, Reason: "rule"}
			if err := st.AppendHighlight(ctx, h); err != nil {
				t.Fatalf("%s: AppendHighlight(%s) = %v", driver, id, err)
			}
		}
		if err := st.MarkActivated(ctx, "b", base.Add(time.Hour)); err != nil {
			t.Fatalf("%s: MarkActivated() = %v", driver, err)
		}
		if err := st.MarkActivated(ctx, "missing", base); err != nil {
			t.Fatalf("%s: MarkActivated(missing) = %v", driver, err)
		}

		got, err := st.RecentHighlights(ctx, 2)
		if err != nil {
			t.Fatalf("%s: RecentHighlights() = %v", driver, err)
		}
		if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
			t.Fatalf("%s: RecentHighlights(2) = %+v, want c, b", driver, got)
		}
		if !got[1].ActivatedAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("%s: ActivatedAt = %v", driver, got[1].ActivatedAt)
		}

		n, err := st.PruneHighlights(ctx, base.Add(90*time.Second))
		if err != nil {
			t.Fatalf("%s: PruneHighlights() = %v", driver, err)
		}
		if n != 2 {
			t.Fatalf("%s: pruned %d, want 2", driver, n)
		}
		got, _ = st.RecentHighlights(ctx, 10)
		if len(got) != 1 || got[0].ID != "c" {
			t.Fatalf("%s: after prune = %+v, want only c", driver, got)
		}
	}
}

func TestFileStoreReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	_ = st.AppendHighlight(ctx, Highlight{ID: "x", At: at, User: "u", Text: "t", Reason: "rule"})
	_ = st.MarkActivated(ctx, "x", at.Add(time.Second))
	_ = st.PutDedup(ctx, "k", time.Now().Add(time.Hour))
	_ = st.PutDedup(ctx, "old", time.Now().Add(-time.Hour))
	if err := st.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	defer st.Close()
	got, _ := st.RecentHighlights(ctx, 0)
	if len(got) != 1 || !got[0].ActivatedAt.Equal(at.Add(time.Second)) {
		t.Fatalf("replayed = %+v", got)
	}
	if _, ok, _ := st.GetDedup(ctx, "k"); !ok {
		t.Fatal("live dedup key should survive reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "old"); ok {
		t.Fatal("expired dedup key should be dropped on reopen")
	}
}

func TestFileStoreTailBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h"), TailSize: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer st.Close()
	for i := 0; i < 5; i++ {
		_ = st.AppendHighlight(ctx, Highlight{ID: string(rune('a' + i)), User: "u", Text: "t"})
	}
	got, _ := st.RecentHighlights(ctx, 0)
	if len(got) != 3 || got[0].ID != "e" || got[2].ID != "c" {
		t.Fatalf("RecentHighlights() = %+v, want e, d, c", got)
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	for driver, st := range openTestStores(t) {
		if _, ok, err := st.GetDedup(ctx, "k"); ok || err != nil {
			t.Fatalf("%s: GetDedup(missing) = %v, %v", driver, ok, err)
		}
		if err := st.PutDedup(ctx, "k", until); err != nil {
			t.Fatalf("%s: PutDedup() = %v", driver, err)
		}
		got, ok, err := st.GetDedup(ctx, "k")
		if err != nil || !ok || !got.Equal(until) {
			t.Fatalf("%s: GetDedup() = %v, %v, %v, want %v", driver, got, ok, err, until)
		}
	}
}
