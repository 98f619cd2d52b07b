package store_test

import (
	"context"
	"testing"

	"github.com/yhyyz/mcp-agent-gateway/internal/store"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

func spec(id string) models.ServerSpec {
	return models.ServerSpec{
		ServerID: id,
		Command:  "npx",
		Args:     []string{"-y", "mcp-server-" + id},
	}
}

func TestPutGetList(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "u1", spec("fs")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "u1", spec("web")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "u2", spec("fs")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "u1", "fs")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.ServerID != "fs" {
		t.Fatalf("Get() = %+v, want spec fs", got)
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List(u1) returned %d specs, want 2", len(list))
	}
}

func TestPut_Upsert(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	first := spec("fs")
	if err := s.Put(ctx, "u1", first); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second := spec("fs")
	second.Args = []string{"-y", "mcp-server-filesystem", "/tmp"}
	if err := s.Put(ctx, "u1", second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() returned %d specs after double add, want 1", len(list))
	}
	if len(list[0].Args) != 3 {
		t.Errorf("upsert did not replace the spec: args = %v", list[0].Args)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "u1", spec("fs")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "u1", "fs"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "u1", "fs"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
	got, err := s.Get(ctx, "u1", "fs")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after delete = %+v, want nil", got)
	}
}

func TestGet_Missing(t *testing.T) {
	s := store.NewMemoryStore()
	got, err := s.Get(context.Background(), "nobody", "none")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}
