package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flowmesh/runtime/internal/platform/database"
)

// Open establishes a database/sql connection for the given driver ("postgres"
// or "sqlite3") and verifies connectivity with a ping. Generalises the
// teacher's postgres-only Open helper to both drivers the SQL storage
// backend supports: postgres delegates to database.Open, sqlite3 (used for
// local/dev SQL-backed storage) opens and pings directly since it has no
// equivalent teacher helper.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage DSN is required")
	}
	if strings.TrimSpace(driver) == "" {
		driver = "postgres"
	}

	if driver == "postgres" {
		return database.Open(ctx, dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// SQLStore is a Durable backend over database/sql: a single kv_store table
// keyed by (shard_id, key), plus an alarms table. Values are stored as JSON
// text so the same schema serves every storage key prefix in §6 uniformly.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps db and ensures the backing schema exists. driver selects
// placeholder style ("postgres" uses $1.. ; anything else uses ?).
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			shard_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (shard_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_alarms (
			shard_id TEXT PRIMARY KEY,
			fires_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate storage schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Get(ctx context.Context, shardID, key string) (any, bool, error) {
	q := fmt.Sprintf(`SELECT value FROM kv_store WHERE shard_id = %s AND key = %s`, s.ph(1), s.ph(2))
	var raw string
	err := s.db.QueryRowContext(ctx, q, shardID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLStore) GetMany(ctx context.Context, shardID, prefix string) ([]KV, error) {
	q := fmt.Sprintf(`SELECT key, value FROM kv_store WHERE shard_id = %s AND key LIKE %s ORDER BY key`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, shardID, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		out = append(out, KV{Key: key, Value: v})
	}
	return out, rows.Err()
}

func (s *SQLStore) Put(ctx context.Context, shardID, key string, value any) error {
	return s.PutMany(ctx, shardID, map[string]any{key: value})
}

func (s *SQLStore) PutMany(ctx context.Context, shardID string, items map[string]any) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := s.upsertStatement()
	now := time.Now().UTC()
	for key, value := range items {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value for key %q: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, shardID, key, string(raw), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) upsertStatement() string {
	if s.driver == "postgres" {
		return `INSERT INTO kv_store (shard_id, key, value, updated_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (shard_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	}
	return `INSERT INTO kv_store (shard_id, key, value, updated_at) VALUES (?,?,?,?)
		ON CONFLICT (shard_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
}

func (s *SQLStore) Delete(ctx context.Context, shardID, key string) error {
	return s.DeleteMany(ctx, shardID, []string{key})
}

func (s *SQLStore) DeleteMany(ctx context.Context, shardID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM kv_store WHERE shard_id = %s AND key = %s`, s.ph(1), s.ph(2))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, q, shardID, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) List(ctx context.Context, shardID, prefix string) ([]string, error) {
	q := fmt.Sprintf(`SELECT key FROM kv_store WHERE shard_id = %s AND key LIKE %s ORDER BY key`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, shardID, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetAlarm(ctx context.Context, shardID string, at time.Time) error {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO kv_alarms (shard_id, fires_at) VALUES ($1,$2)
			ON CONFLICT (shard_id) DO UPDATE SET fires_at = EXCLUDED.fires_at`
	} else {
		q = `INSERT INTO kv_alarms (shard_id, fires_at) VALUES (?,?)
			ON CONFLICT (shard_id) DO UPDATE SET fires_at = excluded.fires_at`
	}
	_, err := s.db.ExecContext(ctx, q, shardID, at.UTC())
	return err
}

func (s *SQLStore) GetAlarm(ctx context.Context, shardID string) (time.Time, bool, error) {
	q := fmt.Sprintf(`SELECT fires_at FROM kv_alarms WHERE shard_id = %s`, s.ph(1))
	var at time.Time
	err := s.db.QueryRowContext(ctx, q, shardID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *SQLStore) DeleteAll(ctx context.Context, shardID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM kv_store WHERE shard_id = %s`, s.ph(1)), shardID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM kv_alarms WHERE shard_id = %s`, s.ph(1)), shardID); err != nil {
		return err
	}
	return tx.Commit()
}

func likePrefix(prefix string) string {
	replacer := strings.NewReplacer("%", "\\%", "_", "\\_")
	return replacer.Replace(prefix) + "%"
}
