package credentials

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soluva78-blip/Soluv-core/internal/config"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func testCreds(n int) []config.Credential {
	creds := make([]config.Credential, n)
	for i := range creds {
		creds[i] = config.Credential{ClientID: "client-" + strconv.Itoa(i)}
	}
	return creds
}

func TestNextRoundRobin(t *testing.T) {
	p := NewPool(testCreds(3), nil)
	ctx := context.Background()

	var order []int
	for i := 0; i < 6; i++ {
		idx, _, err := p.Next(ctx)
		require.NoError(t, err)
		order = append(order, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, order)
}

func TestNextSkipsCoolingCredential(t *testing.T) {
	p := NewPool(testCreds(3), nil)
	ctx := context.Background()

	require.NoError(t, p.Cooldown(ctx, 1, time.Minute))

	var order []int
	for i := 0; i < 4; i++ {
		idx, _, err := p.Next(ctx)
		require.NoError(t, err)
		order = append(order, idx)
	}
	assert.Equal(t, []int{0, 2, 0, 2}, order)
}

func TestNextReturnedCredentialIsUsable(t *testing.T) {
	p := NewPool(testCreds(4), nil)
	ctx := context.Background()

	p.Cooldown(ctx, 0, time.Minute)
	p.Cooldown(ctx, 2, time.Minute)

	for i := 0; i < 10; i++ {
		idx, _, err := p.Next(ctx)
		require.NoError(t, err)
		assert.Contains(t, []int{1, 3}, idx)
	}
}

func TestNextWaitsWhenAllCooling(t *testing.T) {
	p := NewPool(testCreds(2), nil)
	ctx := context.Background()

	base := time.Now()
	p.now = func() time.Time { return base }

	var slept time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		// Simulate the earliest window expiring.
		p.now = func() time.Time { return base.Add(d) }
		return nil
	}

	p.Cooldown(ctx, 0, 30*time.Second)
	p.Cooldown(ctx, 1, 10*time.Second)

	idx, _, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, slept, "should park for the minimum remaining cooldown")
	assert.Equal(t, 1, idx)
}

func TestNextCancelledWhileAllCooling(t *testing.T) {
	p := NewPool(testCreds(1), nil)
	p.Cooldown(context.Background(), 0, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := p.Next(ctx)
	require.Error(t, err)
}

func TestCooldownPersistsAcrossProcesses(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	p1 := NewPool(testCreds(2), store)
	require.NoError(t, p1.Cooldown(ctx, 0, time.Minute))

	// Fresh pool over the same store: credential 0 still cooling.
	p2 := NewPool(testCreds(2), store)
	idx, _, err := p2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestEmptyPool(t *testing.T) {
	p := NewPool(nil, nil)
	_, _, err := p.Next(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}
