// Package cache is the small key/value store job state is persisted in.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/notejobs/internal/database"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("cache: key not found")

// Store holds JSON values by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Upsert writes value and reports whether the key was newly created.
	Upsert(ctx context.Context, key string, value []byte) (created bool, err error)
	Delete(ctx context.Context, key string) error
}

// Redis stores values under notejobs:cache:<key>.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis { return &Redis{rdb: rdb} }

func redisKey(key string) string { return "notejobs:cache:" + key }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *Redis) Upsert(ctx context.Context, key string, value []byte) (bool, error) {
	// SET ... GET replies nil when there was no previous value
	err := r.rdb.SetArgs(ctx, redisKey(key), value, redis.SetArgs{Get: true}).Err()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, redisKey(key)).Err()
}

// Postgres stores values in the cache table as JSONB.
type Postgres struct {
	db database.DBTX
}

func NewPostgres(db database.DBTX) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM cache WHERE key = $1`, key).Scan(&value)
	if err != nil {
		err = database.MapError(err)
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return value, nil
}

// Upsert checks for the key first, then updates or inserts.
func (p *Postgres) Upsert(ctx context.Context, key string, value []byte) (bool, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT id FROM cache WHERE key = $1`, key).Scan(&id)
	switch {
	case err == nil:
		_, err = p.db.ExecContext(ctx, `UPDATE cache SET value = $1, updated_at = now() WHERE id = $2`, value, id)
		if err != nil {
			return false, fmt.Errorf("failed to update cache key %s: %w", key, database.MapError(err))
		}
		return false, nil
	case errors.Is(database.MapError(err), database.ErrNotFound):
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO cache (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
		if err != nil {
			return false, fmt.Errorf("failed to insert cache key %s: %w", key, database.MapError(err))
		}
		return true, nil
	default:
		return false, fmt.Errorf("failed to read cache key %s: %w", key, database.MapError(err))
	}
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, database.MapError(err))
	}
	return nil
}
