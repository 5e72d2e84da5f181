package cache

import (
	"context"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "last_fetch:startups", "1700000000", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "last_fetch:startups")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != "1700000000" {
		t.Errorf("got %q, want 1700000000", got)
	}

	_, ok, err = c.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if ok {
		t.Error("missing key reported present")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	if err := c.Set(ctx, "cooldown:0", "123", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok, _ := c.Get(ctx, "cooldown:0"); !ok {
		t.Fatal("key should be present before expiry")
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok, _ := c.Get(ctx, "cooldown:0"); ok {
		t.Error("key should be gone after TTL")
	}
}

func TestSAddIsMonotone(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	wasNew, err := c.SAdd(ctx, "seen:reddit", "abc123")
	if err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if !wasNew {
		t.Error("first add should report new")
	}

	for i := 0; i < 3; i++ {
		wasNew, err = c.SAdd(ctx, "seen:reddit", "abc123")
		if err != nil {
			t.Fatalf("SAdd repeat: %v", err)
		}
		if wasNew {
			t.Error("repeated add reported new")
		}
	}
}

func TestSAddManyAndContainsMany(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.SAddMany(ctx, "seen:reddit", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("SAddMany: %v", err)
	}

	got, err := c.SContainsMany(ctx, "seen:reddit", []string{"a", "x", "c", "y"})
	if err != nil {
		t.Fatalf("SContainsMany: %v", err)
	}
	want := []bool{true, false, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("membership[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	n, err := c.SCard(ctx, "seen:reddit")
	if err != nil {
		t.Fatalf("SCard: %v", err)
	}
	if n != 3 {
		t.Errorf("SCard = %d, want 3", n)
	}
}

func TestSetExpiryDropsMembers(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	if err := c.SAddMany(ctx, "seen_posts:startups", []string{"a", "b"}); err != nil {
		t.Fatalf("SAddMany: %v", err)
	}
	if err := c.ExpireSet(ctx, "seen_posts:startups", time.Hour); err != nil {
		t.Fatalf("ExpireSet: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	wasNew, err := c.SAdd(ctx, "seen_posts:startups", "a")
	if err != nil {
		t.Fatalf("SAdd after expiry: %v", err)
	}
	if !wasNew {
		t.Error("member should be re-addable after set TTL expired")
	}
}

func TestIncrCountsFromZeroAndRolls(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	n, err := c.Incr(ctx, "posts:fetched:current_minute", 5, time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 5 {
		t.Errorf("first incr = %d, want 5", n)
	}

	n, err = c.Incr(ctx, "posts:fetched:current_minute", 3, time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 8 {
		t.Errorf("second incr = %d, want 8", n)
	}

	// Counter rolls after the minute window passes.
	c.now = func() time.Time { return base.Add(90 * time.Second) }
	n, err = c.Incr(ctx, "posts:fetched:current_minute", 2, time.Minute)
	if err != nil {
		t.Fatalf("Incr after roll: %v", err)
	}
	if n != 2 {
		t.Errorf("rolled incr = %d, want 2", n)
	}
}

func TestPurgeExpired(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set(ctx, "short", "1", time.Second)
	c.Set(ctx, "long", "2", time.Hour)
	c.SAdd(ctx, "s", "m")
	c.ExpireSet(ctx, "s", time.Second)

	c.now = func() time.Time { return base.Add(time.Minute) }
	if err := c.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}

	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Error("short key survived purge")
	}
	if _, ok, _ := c.Get(ctx, "long"); !ok {
		t.Error("long key should survive purge")
	}
	if n, _ := c.SCard(ctx, "s"); n != 0 {
		t.Errorf("expired set has %d members, want 0", n)
	}
}
