package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store persists the snapshot document. Both operations are idempotent;
// a missing or corrupt document loads as an empty snapshot. Backend
// errors (connectivity, I/O) are returned as errors.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// RedisStore keeps the snapshot as a single JSON value in Redis, the
// preferred durable backend: it survives process restarts and is shared
// between deployed instances.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore constructs a redis-backed store under the given key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "arr:snapshot"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("syncstore: redis get: %w", err)
	}
	return decodeSnapshot(raw), nil
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("syncstore: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("syncstore: redis set: %w", err)
	}
	return nil
}

// PostgresStore keeps the snapshot as a single JSONB row.
type PostgresStore struct {
	pool *pgxpool.Pool
	id   string
}

// NewPostgresStore constructs a postgres-backed store for the given
// snapshot id.
func NewPostgresStore(pool *pgxpool.Pool, id string) *PostgresStore {
	if id == "" {
		id = "default"
	}
	return &PostgresStore{pool: pool, id: id}
}

// Init creates the backing table when missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS arr_snapshots (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("syncstore: create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM arr_snapshots WHERE id = $1`, s.id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("syncstore: pg select: %w", err)
	}
	return decodeSnapshot(raw), nil
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("syncstore: marshal snapshot: %w", err)
	}
	const upsert = `INSERT INTO arr_snapshots (id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`
	if _, err := s.pool.Exec(ctx, upsert, s.id, raw); err != nil {
		return fmt.Errorf("syncstore: pg upsert: %w", err)
	}
	return nil
}

// FileStore keeps the snapshot as a JSON blob on local disk. It is the
// fallback backend: instance-local, but good enough for single-node
// deployments and development.
type FileStore struct {
	path string
}

// NewFileStore constructs a filesystem-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) (Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("syncstore: read %s: %w", s.path, err)
	}
	return decodeSnapshot(raw), nil
}

// Save writes through a temp file and rename so a crash mid-write leaves
// the previous document intact.
func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("syncstore: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("syncstore: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("syncstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("syncstore: rename %s: %w", tmp, err)
	}
	return nil
}
