package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// TierConnection, TierUser and TierOrg name the budget that rejected a
	// message; clients use the tier to decide how to back off.
	TierConnection = "connection"
	TierUser       = "user"
	TierOrg        = "org"

	opCheckMessageRate  = "ratelimit.check_message_rate"
	reasonStoreDegraded = "store_degraded"

	pruneInterval = time.Minute
)

// ErrMissingStore indicates a Limiter was constructed without a counter store.
var ErrMissingStore = errors.New("ratelimit: counter store required")

// Budget is one tier's message allowance: at most Limit messages per Window.
type Budget struct {
	Limit  int64
	Window time.Duration
}

func (b Budget) enabled() bool {
	return b.Limit > 0 && b.Window > 0
}

// Config describes the per-tier budgets and the shared counter store.
type Config struct {
	Store      CounterStore
	Connection Budget
	User       Budget
	Org        Budget
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Limiter enforces message budgets per connection, per user and per org,
// in that order. Counters live in a shared store so the budgets hold
// across server processes. When the shared store fails the limiter
// degrades to an in-process window (fail open): messages keep flowing with
// local-only accuracy rather than being rejected outright. The downgrade
// is logged so operators can see the weaker guarantee.
type Limiter struct {
	store      CounterStore
	fallback   *MemoryStore
	connection Budget
	user       Budget
	org        Budget
	logger     *zap.Logger
	clock      func() time.Time

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// NewLimiter constructs a limiter from the provided configuration.
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		store:      cfg.Store,
		fallback:   NewMemoryStore(clock),
		connection: cfg.Connection,
		user:       cfg.User,
		org:        cfg.Org,
		logger:     logger,
		lastPrune:  clock(),
		clock:      clock,
	}, nil
}

// CheckMessageRate charges one message against every configured tier and
// returns the first violated tier's name, or the empty string when the
// message is within budget.
func (l *Limiter) CheckMessageRate(ctx context.Context, connectionID, userID, orgID string) (string, error) {
	checks := []struct {
		tier   string
		id     string
		key    string
		budget Budget
	}{
		{tier: TierConnection, id: connectionID, key: "rate:conn:" + connectionID, budget: l.connection},
		{tier: TierUser, id: userID, key: "rate:user:" + userID, budget: l.user},
		{tier: TierOrg, id: orgID, key: "rate:org:" + orgID, budget: l.org},
	}

	for _, check := range checks {
		// A blank id would fold every anonymous caller into one shared
		// counter, so the tier is skipped instead.
		if !check.budget.enabled() || check.id == "" {
			continue
		}
		count, err := l.increment(ctx, check.key, check.budget.Window)
		if err != nil {
			return "", err
		}
		if count > check.budget.Limit {
			return check.tier, nil
		}
	}
	return "", nil
}

func (l *Limiter) increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := l.store.Increment(ctx, key, window)
	if err == nil {
		return count, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	l.logger.Warn("shared rate-limit store unavailable, degrading to in-process window",
		zap.String("op", opCheckMessageRate),
		zap.String("reason", reasonStoreDegraded),
		zap.Error(err))
	l.maybePrune()
	return l.fallback.Increment(ctx, key, window)
}

func (l *Limiter) maybePrune() {
	now := l.clock()
	l.pruneMu.Lock()
	due := now.Sub(l.lastPrune) >= pruneInterval
	if due {
		l.lastPrune = now
	}
	l.pruneMu.Unlock()
	if due {
		l.fallback.Prune()
	}
}
