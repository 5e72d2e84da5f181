// Package credentials manages the rotating pool of Reddit API identities.
// Each credential carries a cooldown window set when the API rate-limits it;
// cooldowns are mirrored to the durable cache so a fresh process respects
// windows set by a previous one.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/config"
)

// ErrNoCredentials is returned when the pool was constructed empty.
var ErrNoCredentials = errors.New("credential pool is empty")

// CooldownStore persists per-credential cooldown expiries across processes.
type CooldownStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Pool hands out credentials round-robin, skipping any whose cooldown has
// not yet expired. Safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	creds     []config.Credential
	cooldowns []time.Time // zero value means usable
	lastIndex int
	store     CooldownStore
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// NewPool creates a pool over the given credentials. store may be nil, in
// which case cooldowns are process-local only.
func NewPool(creds []config.Credential, store CooldownStore) *Pool {
	return &Pool{
		creds:     creds,
		cooldowns: make([]time.Time, len(creds)),
		lastIndex: -1,
		store:     store,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.creds)
}

func cooldownKey(i int) string {
	return fmt.Sprintf("cooldown:%d", i)
}

// Next returns the index and value of the next usable credential, scanning
// round-robin from the slot after the last handout. When every credential is
// cooling, it sleeps until the earliest window expires and then advances
// round-robin from there.
func (p *Pool) Next(ctx context.Context) (int, config.Credential, error) {
	if len(p.creds) == 0 {
		return 0, config.Credential{}, ErrNoCredentials
	}

	p.refreshFromStore(ctx)

	for {
		p.mu.Lock()
		now := p.now()
		n := len(p.creds)
		for off := 1; off <= n; off++ {
			i := (p.lastIndex + off) % n
			if p.cooldowns[i].IsZero() || !p.cooldowns[i].After(now) {
				p.lastIndex = i
				cred := p.creds[i]
				p.mu.Unlock()
				return i, cred, nil
			}
		}

		// All cooling: find the minimum remaining window.
		wait := p.cooldowns[(p.lastIndex+1)%n].Sub(now)
		for off := 2; off <= n; off++ {
			i := (p.lastIndex + off) % n
			if d := p.cooldowns[i].Sub(now); d < wait {
				wait = d
			}
		}
		p.mu.Unlock()

		slog.Debug("all credentials cooling", "wait", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return 0, config.Credential{}, err
		}
	}
}

// Cooldown marks credential i unusable for d, locally and in the durable
// store (TTL matches the window so stale keys vanish on their own).
func (p *Pool) Cooldown(ctx context.Context, i int, d time.Duration) error {
	if i < 0 || i >= len(p.creds) {
		return fmt.Errorf("credential index %d out of range", i)
	}
	until := p.now().Add(d)

	p.mu.Lock()
	p.cooldowns[i] = until
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	value := strconv.FormatInt(until.UnixMilli(), 10)
	if err := p.store.Set(ctx, cooldownKey(i), value, d); err != nil {
		return fmt.Errorf("persisting cooldown for credential %d: %w", i, err)
	}
	return nil
}

// refreshFromStore merges durable cooldown expiries into the local vector.
// Store failures are logged and ignored; the local view still applies.
func (p *Pool) refreshFromStore(ctx context.Context) {
	if p.store == nil {
		return
	}
	for i := range p.creds {
		raw, ok, err := p.store.Get(ctx, cooldownKey(i))
		if err != nil {
			slog.Warn("reading cooldown from store", "index", i, "error", err)
			continue
		}
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Warn("malformed cooldown value", "index", i, "value", raw)
			continue
		}
		until := time.UnixMilli(ms)
		p.mu.Lock()
		if until.After(p.cooldowns[i]) {
			p.cooldowns[i] = until
		}
		p.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
