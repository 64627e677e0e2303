package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskchat/internal/models"
	"taskchat/internal/service/conversation"
)

var (
	// ErrNotOwner is returned when the caller does not own the conversation.
	ErrNotOwner = errors.New("conversation access denied")
	// ErrBusy is returned when another turn is in flight on the same
	// conversation. Contention is rejected, not queued; callers retry.
	ErrBusy = errors.New("conversation busy")
	// ErrRateLimited is returned when the caller exceeds the per-minute
	// request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Gate verifies conversation ownership and serializes turns. The
// per-conversation token is the only mutual-exclusion primitive in the
// system: it is acquired before history is loaded and released only after
// the turn commits or aborts.
type Gate struct {
	conversations *conversation.Store
	locker        Locker
	limiter       RateLimiter
	lockTTL       time.Duration
}

// New builds a gate. Locker and limiter implementations decide whether the
// guarantees span replicas (redis) or a single process (local fallback).
func New(conversations *conversation.Store, locker Locker, limiter RateLimiter, lockTTL time.Duration) *Gate {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Gate{
		conversations: conversations,
		locker:        locker,
		limiter:       limiter,
		lockTTL:       lockTTL,
	}
}

// Admit checks the caller's rate budget, resolves the conversation, verifies
// ownership, and acquires the serialization token. conversationID zero means
// "create new": no token is needed because an unallocated id cannot contend.
// The returned release func must be called exactly once after the turn
// commits or aborts.
func (g *Gate) Admit(ctx context.Context, callerID, conversationID int64) (*models.Conversation, func(), error) {
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, callerID)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
		if !allowed {
			return nil, nil, ErrRateLimited
		}
	}

	if conversationID == 0 {
		return nil, func() {}, nil
	}

	conv, err := g.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != callerID {
		return nil, nil, ErrNotOwner
	}

	release, ok, err := g.locker.Acquire(ctx, lockKey(conversationID), g.lockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire turn token: %w", err)
	}
	if !ok {
		return nil, nil, ErrBusy
	}
	return conv, release, nil
}

// Authorize verifies ownership for read paths without taking the turn token.
func (g *Gate) Authorize(ctx context.Context, callerID, conversationID int64) (*models.Conversation, error) {
	conv, err := g.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != callerID {
		return nil, ErrNotOwner
	}
	return conv, nil
}

func lockKey(conversationID int64) string {
	return fmt.Sprintf("turn:conversation:%d", conversationID)
}
