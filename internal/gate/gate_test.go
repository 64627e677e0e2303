package gate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taskchat/internal/service/conversation"
	"taskchat/internal/storage"
)

func newTestGate(t *testing.T, limiter RateLimiter) (*Gate, *conversation.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := conversation.NewStore(db)
	return New(store, NewLocalLocker(), limiter, time.Minute), store
}

func TestAdmitOwnership(t *testing.T) {
	g, store := newTestGate(t, nil)
	ctx := context.Background()

	conv, err := store.Create(ctx, 1, "mine")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, err = g.Admit(ctx, 2, conv.ID)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	admitted, release, err := g.Admit(ctx, 1, conv.ID)
	if err != nil {
		t.Fatalf("owner admit: %v", err)
	}
	defer release()
	if admitted.ID != conv.ID {
		t.Fatalf("wrong conversation returned: %d", admitted.ID)
	}
}

func TestAdmitMissingConversation(t *testing.T) {
	g, _ := newTestGate(t, nil)
	_, _, err := g.Admit(context.Background(), 1, 404)
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdmitNewConversation(t *testing.T) {
	g, _ := newTestGate(t, nil)
	conv, release, err := g.Admit(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if conv != nil {
		t.Fatalf("new conversation request must not resolve a conversation, got %+v", conv)
	}
	release()
}

func TestAdmitRejectsConcurrentTurn(t *testing.T) {
	g, store := newTestGate(t, nil)
	ctx := context.Background()

	conv, err := store.Create(ctx, 1, "busy")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, release, err := g.Admit(ctx, 1, conv.ID)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}

	if _, _, err := g.Admit(ctx, 1, conv.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while turn in flight, got %v", err)
	}

	release()
	// release is idempotent
	release()

	_, release2, err := g.Admit(ctx, 1, conv.ID)
	if err != nil {
		t.Fatalf("admit after release: %v", err)
	}
	release2()
}

func TestAdmitRateLimited(t *testing.T) {
	g, _ := newTestGate(t, NewSlidingWindowLimiter(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, release, err := g.Admit(ctx, 1, 0)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		release()
	}
	if _, _, err := g.Admit(ctx, 1, 0); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// budgets are per caller
	if _, release, err := g.Admit(ctx, 2, 0); err != nil {
		t.Fatalf("other caller should pass: %v", err)
	} else {
		release()
	}
}

func TestSlidingWindowLimiter(t *testing.T) {
	limiter := NewSlidingWindowLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, 7)
		if err != nil || !ok {
			t.Fatalf("request %d should pass, ok=%t err=%v", i, ok, err)
		}
	}
	ok, err := limiter.Allow(ctx, 7)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("fourth request within the window should be denied")
	}
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}

	if _, ok, _ := locker.Acquire(ctx, "k", time.Minute); ok {
		t.Fatal("second acquire of held key must fail")
	}
	if _, ok, _ := locker.Acquire(ctx, "other", time.Minute); !ok {
		t.Fatal("different key must not contend")
	}

	release()
	if _, ok, _ := locker.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatal("acquire after release must succeed")
	}
}
