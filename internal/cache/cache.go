// Package cache provides the durable key-value and set store backing
// deduplication, watermarks, credential cooldowns and throughput counters.
// Entries carry an optional TTL; expired entries are treated as absent and
// purged lazily.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Cache is a durable string-keyed store with TTL support. Membership
// operations (SAdd and friends) are atomic: no read-then-write.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the cache database in dataDir. Pass ":memory:"
// for an in-memory cache (used by tests).
func Open(dataDir string) (*Cache, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "cache.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cache database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	c := &Cache{db: db, now: time.Now}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS set_members (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE TABLE IF NOT EXISTS set_meta (
			key TEXT PRIMARY KEY,
			expires_at INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing cache schema: %w", err)
		}
	}
	return nil
}

// expiresArg converts a TTL to a unix-ms expiry; zero TTL means no expiry.
func (c *Cache) expiresArg(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return c.now().Add(ttl).UnixMilli()
}

// Set stores value under key with an optional TTL (0 = no expiry).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, c.expiresArg(ttl))
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key. The second return is false when the key is
// absent or expired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting %s: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= c.now().UnixMilli() {
		c.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

// GetInt returns the integer value for key, or 0 when absent.
func (c *Cache) GetInt(ctx context.Context, key string) (int64, bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing %s as int: %w", key, err)
	}
	return n, true, nil
}

// SetInt stores an integer value under key.
func (c *Cache) SetInt(ctx context.Context, key string, n int64, ttl time.Duration) error {
	return c.Set(ctx, key, strconv.FormatInt(n, 10), ttl)
}

// Incr atomically increments the integer at key by delta and returns the new
// value. A missing or expired key counts from zero; ttl applies when the key
// is created.
func (c *Cache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning incr transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	var expiresAt sql.NullInt64
	current := int64(0)
	var expires any = c.expiresArg(ttl)
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&raw, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// counts from zero
	case err != nil:
		return 0, fmt.Errorf("reading %s: %w", key, err)
	case expiresAt.Valid && expiresAt.Int64 <= c.now().UnixMilli():
		// expired, counts from zero
	default:
		if current, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, fmt.Errorf("parsing %s as int: %w", key, err)
		}
		// A live key keeps the expiry it was created with.
		expires = nil
		if expiresAt.Valid {
			expires = expiresAt.Int64
		}
	}

	next := current + delta
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, strconv.FormatInt(next, 10), expires); err != nil {
		return 0, fmt.Errorf("writing %s: %w", key, err)
	}
	return next, tx.Commit()
}

// Del removes a key from the KV space.
func (c *Cache) Del(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// SAdd adds member to the set at key, returning true when the member was not
// already present. The insert itself is the atomicity boundary.
func (c *Cache) SAdd(ctx context.Context, key, member string) (bool, error) {
	if err := c.dropExpiredSet(ctx, key); err != nil {
		return false, err
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO set_members (key, member) VALUES (?, ?)`, key, member)
	if err != nil {
		return false, fmt.Errorf("adding to set %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SAddMany adds all members to the set at key in one statement.
func (c *Cache) SAddMany(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	if err := c.dropExpiredSet(ctx, key); err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString(`INSERT OR IGNORE INTO set_members (key, member) VALUES `)
	args := make([]any, 0, len(members)*2)
	for i, m := range members {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?)")
		args = append(args, key, m)
	}
	if _, err := c.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk adding to set %s: %w", key, err)
	}
	return nil
}

// SContainsMany reports membership for each of the given members, in order.
func (c *Cache) SContainsMany(ctx context.Context, key string, members []string) ([]bool, error) {
	out := make([]bool, len(members))
	if len(members) == 0 {
		return out, nil
	}
	if err := c.dropExpiredSet(ctx, key); err != nil {
		return nil, err
	}

	args := make([]any, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	query := `SELECT member FROM set_members WHERE key = ? AND member IN (?` +
		strings.Repeat(",?", len(members)-1) + `)`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checking set %s: %w", key, err)
	}
	defer rows.Close()

	present := make(map[string]struct{}, len(members))
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		present[m] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, m := range members {
		_, out[i] = present[m]
	}
	return out, nil
}

// SCard returns the number of members in the set at key.
func (c *Cache) SCard(ctx context.Context, key string) (int, error) {
	if err := c.dropExpiredSet(ctx, key); err != nil {
		return 0, err
	}
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM set_members WHERE key = ?`, key).Scan(&n)
	return n, err
}

// ExpireSet extends the TTL of the whole set at key.
func (c *Cache) ExpireSet(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO set_meta (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, c.expiresArg(ttl))
	if err != nil {
		return fmt.Errorf("expiring set %s: %w", key, err)
	}
	return nil
}

// dropExpiredSet removes the set's members when its TTL has passed.
func (c *Cache) dropExpiredSet(ctx context.Context, key string) error {
	var expiresAt sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT expires_at FROM set_meta WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading set meta %s: %w", key, err)
	}
	if !expiresAt.Valid || expiresAt.Int64 > c.now().UnixMilli() {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM set_members WHERE key = ?`, key); err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `DELETE FROM set_meta WHERE key = ?`, key)
	return err
}

// PurgeExpired removes all expired KV entries and sets. Intended for a
// periodic maintenance pass.
func (c *Cache) PurgeExpired(ctx context.Context) error {
	nowMs := c.now().UnixMilli()
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs); err != nil {
		return err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT key FROM set_meta WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs)
	if err != nil {
		return err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.dropExpiredSet(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
