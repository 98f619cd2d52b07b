package agent

import (
	"context"
	"testing"
	"time"

	"github.com/yhyyz/mcp-agent-gateway/internal/mcp"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

type fakeBinder struct {
	tools *mcp.ToolSet
	calls int
}

func (f *fakeBinder) ToolsFor(ctx context.Context, userID string, enabledIDs []string) (*mcp.ToolSet, error) {
	f.calls++
	if f.tools != nil {
		return f.tools, nil
	}
	return mcp.NewToolSet(), nil
}

func newTestManager(p *fakeProvider) *Manager {
	return NewManager(p, &fakeBinder{tools: fsToolSet()}, &fakeDispatcher{}, time.Minute)
}

func TestGetOrCreate_ReusesSession(t *testing.T) {
	m := newTestManager(newFakeProvider())
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	s2, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if s1 != s2 {
		t.Error("same (user, model) produced distinct sessions")
	}

	s3, err := m.GetOrCreate(ctx, "u1", "model-b", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if s3 == s1 {
		t.Error("different models share a session")
	}
}

func TestConverse_StreamRegistryLifecycle(t *testing.T) {
	p := newFakeProvider(textTurn("hi"))
	m := newTestManager(p)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{MemoryOn: true, RetainImages: -1})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	ch, err := m.Converse(ctx, sess, "stream-1", userText("hello"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	events := drain(t, ch)
	doneEvent(t, events)

	// The registry entry is retired; a late stop is a harmless no-op.
	m.Cancel("stream-1")
	m.Cancel("stream-1")
}

func TestCancel_StopsActiveStream(t *testing.T) {
	p := newFakeProvider(fakeTurn{hang: true})
	m := newTestManager(p)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{MemoryOn: true, RetainImages: -1})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	ch, err := m.Converse(ctx, sess, "stream-1", userText("hello"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	<-p.hanging
	m.Cancel("stream-1")

	events := drain(t, ch)
	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneCancelled {
		t.Errorf("done reason = %v, want cancelled", done.Done.Reason)
	}
}

func TestCancel_UnknownStreamIsNoOp(t *testing.T) {
	m := newTestManager(newFakeProvider())
	m.Cancel("never-issued")
}

func TestEvictIdle(t *testing.T) {
	m := newTestManager(newFakeProvider())
	m.idleHorizon = 10 * time.Millisecond
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	m.EvictIdle()

	s2, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if s1 == s2 {
		t.Error("evicted session was reused; want a fresh construction")
	}
}

func TestEvictIdle_SparesActiveSessions(t *testing.T) {
	m := newTestManager(newFakeProvider())
	m.idleHorizon = time.Hour
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	m.EvictIdle()

	s2, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if s1 != s2 {
		t.Error("fresh session was evicted before the horizon")
	}
}

func TestDropUser(t *testing.T) {
	m := newTestManager(newFakeProvider())
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	m.DropUser("u1")

	s2, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if s1 == s2 {
		t.Error("dropped session was reused")
	}
}

func TestShutdown_CancelsStreams(t *testing.T) {
	p := newFakeProvider(fakeTurn{hang: true})
	m := newTestManager(p)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "u1", "model-a", "sys", nil, Params{MemoryOn: true, RetainImages: -1})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	ch, err := m.Converse(ctx, sess, "stream-1", userText("hello"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	<-p.hanging
	m.Shutdown()

	events := drain(t, ch)
	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneCancelled {
		t.Errorf("done reason = %v, want cancelled", done.Done.Reason)
	}
}
