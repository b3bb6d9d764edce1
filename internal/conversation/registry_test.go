package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, "conv-1", "claude-sonnet-4-20250514", "/srv/app")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conv.ID != "conv-1" {
		t.Errorf("id = %q, want conv-1", conv.ID)
	}

	got, err := r.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing conversation")
	}
	if got.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", got.Model)
	}
	if got.ProjectPath != "/srv/app" {
		t.Errorf("project path = %q", got.ProjectPath)
	}
	if got.MessageCount != 0 || got.TotalTokens != 0 {
		t.Errorf("fresh counters = %d/%d, want 0/0", got.MessageCount, got.TotalTokens)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestRegistry_CreateGeneratesID(t *testing.T) {
	r := newTestRegistry(t)

	conv, err := r.Create(context.Background(), "", "claude-sonnet-4-20250514", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("empty id not replaced")
	}
	if got, _ := r.Get(context.Background(), conv.ID); got == nil {
		t.Errorf("generated id %q not retrievable", conv.ID)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestRegistry_DuplicateCreateFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "dup", "m", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, "dup", "m", ""); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Create(ctx, id, "m", ""); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Touching "a" makes it the most recent again.
	if err := r.Touch(ctx, "a", 2, 100); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	list, err := r.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != "a" || list[1].ID != "c" || list[2].ID != "b" {
		t.Errorf("order = %s,%s,%s, want a,c,b", list[0].ID, list[1].ID, list[2].ID)
	}

	limited, err := r.List(ctx, 2)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}
}

func TestRegistry_Touch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	created, err := r.Create(ctx, "conv-1", "m", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	if err := r.Touch(ctx, "conv-1", 2, 150); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := r.Touch(ctx, "conv-1", 2, 50); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := r.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MessageCount != 4 {
		t.Errorf("message count = %d, want 4", got.MessageCount)
	}
	if got.TotalTokens != 200 {
		t.Errorf("total tokens = %d, want 200", got.TotalTokens)
	}
	if !got.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("updated_at not advanced: %v vs %v", got.UpdatedAt, created.UpdatedAt)
	}
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "conv-1", "m", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	deleted, err := r.Delete(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Error("existing row reported as absent")
	}
	if got, _ := r.Get(ctx, "conv-1"); got != nil {
		t.Error("row still present after delete")
	}

	deleted, err = r.Delete(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Delete again: %v", err)
	}
	if deleted {
		t.Error("missing row reported as deleted")
	}
}

func TestRegistry_Count(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if n, _ := r.Count(ctx); n != 0 {
		t.Errorf("empty count = %d", n)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(ctx, id, "m", ""); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	n, err := r.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	r, err := NewRegistry(dbPath)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Create(ctx, "conv-1", "m", "/srv/app"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := NewRegistry(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	got, err := r2.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got == nil || got.ProjectPath != "/srv/app" {
		t.Errorf("got %+v, want persisted row", got)
	}
}
