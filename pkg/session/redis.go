package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sipeed/linkdrop/pkg/config"
)

const (
	redisKeyPrefix  = "linkdrop:session:"
	maxWatchRetries = 8
	processingTTL   = 24 * time.Hour
)

// RedisStore keeps sessions as JSON under linkdrop:session:<uid>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// DialRedis builds a client from cfg and pings it.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisStore wraps client. ttl <= 0 keeps sessions until cleared.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}

func (r *RedisStore) GetOrCreate(ctx context.Context, userID, chatID int64, url string) (*Session, bool, error) {
	key := redisKey(userID)
	for attempt := 0; attempt < 2; attempt++ {
		s := newSession(userID, chatID, url)
		data, err := json.Marshal(s)
		if err != nil {
			return nil, false, err
		}
		created, err := r.client.SetNX(ctx, key, data, r.ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("create session: %w", err)
		}
		if created {
			return s, false, nil
		}

		existing, ok, err := r.Get(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return existing, true, nil
		}
		// Expired between SETNX and GET; try again.
	}
	return nil, false, fmt.Errorf("create session for %d: key kept vanishing", userID)
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (*Session, bool, error) {
	data, err := r.client.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return &s, true, nil
}

func (r *RedisStore) Advance(ctx context.Context, userID int64, mutate func(*Session) error) (*Session, error) {
	key := redisKey(userID)
	var result *Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNoSession
		}
		if err != nil {
			return err
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if err := mutate(&s); err != nil {
			return err
		}
		out, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttlFor(&s))
			return nil
		})
		if err == nil {
			result = &s
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("advance session %d: too much contention", userID)
}

// ttlFor stretches the expiry while a job runs so the single-flight slot
// outlives any realistic transfer. The bound still frees users whose job
// died with the process.
func (r *RedisStore) ttlFor(s *Session) time.Duration {
	if s.State == StateProcessing && r.ttl > 0 && r.ttl < processingTTL {
		return processingTTL
	}
	return r.ttl
}

func (r *RedisStore) Clear(ctx context.Context, userID int64) error {
	s, ok, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if ok {
		releaseThumbnail(s.ThumbnailPath)
	}
	return nil
}
