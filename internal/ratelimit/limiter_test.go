package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store unreachable")
}

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(cfg.Clock)
	}
	limiter, err := NewLimiter(cfg)
	if err != nil {
		t.Fatalf("unexpected limiter constructor error: %v", err)
	}
	return limiter
}

func mustCheck(t *testing.T, limiter *Limiter, connectionID, userID, orgID string) string {
	t.Helper()
	tier, err := limiter.CheckMessageRate(context.Background(), connectionID, userID, orgID)
	if err != nil {
		t.Fatalf("unexpected rate check error: %v", err)
	}
	return tier
}

func TestLimiterRequiresStore(t *testing.T) {
	if _, err := NewLimiter(Config{}); !errors.Is(err, ErrMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func TestConnectionBudgetRejectsOverWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	limiter := newTestLimiter(t, Config{
		Connection: Budget{Limit: 3, Window: 10 * time.Second},
		Clock:      clock,
	})

	for i := 0; i < 3; i++ {
		if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != "" {
			t.Fatalf("message %d unexpectedly rejected by tier %q", i+1, tier)
		}
	}
	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != TierConnection {
		t.Fatalf("expected connection tier rejection, got %q", tier)
	}

	now = now.Add(11 * time.Second)
	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != "" {
		t.Fatalf("expected fresh window to accept, got tier %q", tier)
	}
}

func TestTiersEvaluateConnectionFirst(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		Connection: Budget{Limit: 1, Window: time.Minute},
		User:       Budget{Limit: 1, Window: time.Minute},
		Org:        Budget{Limit: 1, Window: time.Minute},
	})

	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != "" {
		t.Fatalf("first message unexpectedly rejected by tier %q", tier)
	}
	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != TierConnection {
		t.Fatalf("expected connection tier first, got %q", tier)
	}
}

func TestBlankIDSkipsTierInsteadOfSharingBucket(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		Connection: Budget{Limit: 1, Window: time.Minute},
	})

	// Two anonymous connections must not count against each other, and a
	// blank id must not be throttled as one shared caller.
	for i := 0; i < 3; i++ {
		if tier := mustCheck(t, limiter, "", "user-1", "org-1"); tier != "" {
			t.Fatalf("message %d with blank connection id rejected by tier %q", i+1, tier)
		}
	}

	// Named connections still hit their own budget.
	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != "" {
		t.Fatalf("first named message unexpectedly rejected by tier %q", tier)
	}
	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != TierConnection {
		t.Fatalf("expected connection tier rejection, got %q", tier)
	}
}

func TestUserBudgetSpansConnections(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		User: Budget{Limit: 2, Window: time.Minute},
	})

	mustCheck(t, limiter, "conn-1", "user-1", "org-1")
	mustCheck(t, limiter, "conn-2", "user-1", "org-1")
	if tier := mustCheck(t, limiter, "conn-3", "user-1", "org-1"); tier != TierUser {
		t.Fatalf("expected user tier rejection, got %q", tier)
	}
	if tier := mustCheck(t, limiter, "conn-4", "user-2", "org-1"); tier != "" {
		t.Fatalf("other user unexpectedly rejected by tier %q", tier)
	}
}

func TestOrgBudgetSpansUsers(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		Org: Budget{Limit: 2, Window: time.Minute},
	})

	mustCheck(t, limiter, "conn-1", "user-1", "org-1")
	mustCheck(t, limiter, "conn-2", "user-2", "org-1")
	if tier := mustCheck(t, limiter, "conn-3", "user-3", "org-1"); tier != TierOrg {
		t.Fatalf("expected org tier rejection, got %q", tier)
	}
}

func TestFailingStoreDegradesToLocalCounting(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		Store:      failingStore{},
		Connection: Budget{Limit: 1, Window: time.Minute},
	})

	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != "" {
		t.Fatalf("expected degraded limiter to accept first message, got tier %q", tier)
	}
	if tier := mustCheck(t, limiter, "conn-1", "user-1", "org-1"); tier != TierConnection {
		t.Fatalf("expected degraded limiter to keep enforcing locally, got %q", tier)
	}
}

func TestCancelledContextPropagates(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		Store:      failingStore{},
		Connection: Budget{Limit: 1, Window: time.Minute},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := limiter.CheckMessageRate(ctx, "conn-1", "user-1", "org-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation to surface, got %v", err)
	}
}

func TestMemoryStorePruneDropsExpiredWindows(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := NewMemoryStore(func() time.Time { return now })

	if _, err := store.Increment(context.Background(), "key", time.Second); err != nil {
		t.Fatalf("unexpected increment error: %v", err)
	}
	now = now.Add(2 * time.Second)
	store.Prune()

	count, err := store.Increment(context.Background(), "key", time.Second)
	if err != nil {
		t.Fatalf("unexpected increment error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fresh window after prune, got count %d", count)
	}
}
