// Package resultcache provides a logic.ResultCache shared between server
// processes through Redis.
package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/logic/result"
)

const DefaultPrefix = "logic:result"

var _ logic.ResultCache = (*Redis)(nil)

// Redis stores rule results as JSON values with a native Redis TTL. Keys have
// the form <prefix>:<patient>:<hex token>:<params digest> so a patient or a
// token can be invalidated with a SCAN pattern.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Redis)

func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to the server at url (redis://...) and verifies it answers.
func Dial(ctx context.Context, url string, opts ...Option) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

func (r *Redis) key(k logic.CacheKey) string {
	sum := sha256.Sum256([]byte(k.Params))
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, k.PatientID, hex.EncodeToString([]byte(k.Token)), hex.EncodeToString(sum[:12]))
}

func (r *Redis) Get(ctx context.Context, k logic.CacheKey) (result.Result, bool, error) {
	b, err := r.client.Get(ctx, r.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return result.Empty(), false, nil
	}
	if err != nil {
		return result.Empty(), false, fmt.Errorf("redis get: %w", err)
	}
	var res result.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return result.Empty(), false, fmt.Errorf("decode cached result: %w", err)
	}
	return res, true, nil
}

// Set stores res for ttl. A non-positive ttl stores nothing.
func (r *Redis) Set(ctx context.Context, k logic.CacheKey, res result.Result, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := r.client.Set(ctx, r.key(k), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// InvalidateToken drops every cached result of token, for all patients.
func (r *Redis) InvalidateToken(ctx context.Context, token string) (int, error) {
	return r.deleteMatching(ctx, fmt.Sprintf("%s:*:%s:*", r.prefix, hex.EncodeToString([]byte(token))))
}

// InvalidatePatient drops every cached result for patientID.
func (r *Redis) InvalidatePatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	return r.deleteMatching(ctx, fmt.Sprintf("%s:%s:*", r.prefix, patientID))
}

func (r *Redis) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
