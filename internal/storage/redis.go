package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const (
	recordTimeout       = 5 * time.Second
	defaultRecentLimit  = 20
	maxRecentLimit      = 1000
	defaultMaxRecent    = 50
	defaultKeyPrefix    = "wallgen"
	recentListKeySuffix = "results:recent"
	seenKeySuffix       = "results:seen"
)

// RecentResult is one terminal outcome kept in the recent list
type RecentResult struct {
	SessionID  string            `json:"session_id"`
	JobID      string            `json:"job_id"`
	Status     models.Phase      `json:"status"`
	Prompt     string            `json:"prompt"`
	Filename   string            `json:"filename,omitempty"`
	ImageURL   string            `json:"image_url,omitempty"`
	SeedUsed   int64             `json:"seed_used,omitempty"`
	Resolution models.Resolution `json:"target_resolution"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
}

// NewRecentResult extracts a RecentResult from a terminal snapshot
func NewRecentResult(state models.SessionState, at time.Time) RecentResult {
	r := RecentResult{
		SessionID:  state.SessionID,
		JobID:      state.JobID,
		Status:     state.Phase,
		Error:      state.Error,
		FinishedAt: at,
	}
	if state.Request != nil {
		r.Prompt = state.Request.Prompt
		r.Resolution = models.Resolution{state.Request.TargetWidth, state.Request.TargetHeight}
	}
	if res := state.Result; res != nil && res.Success {
		r.Filename = res.Filename
		r.ImageURL = res.ImageURL
		r.SeedUsed = res.SeedUsed
		if !res.TargetResolution.IsZero() {
			r.Resolution = res.TargetResolution
		}
	}
	return r
}

// RedisStore keeps a capped list of recent results
type RedisStore struct {
	client    *redis.Client
	prefix    string
	maxRecent int64
	ttl       time.Duration
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewRedisStore connects and pings the server
func NewRedisStore(cfg config.RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, cfg config.RedisConfig, logger zerolog.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	maxRecent := int64(cfg.MaxRecent)
	if maxRecent <= 0 {
		maxRecent = defaultMaxRecent
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		maxRecent: maxRecent,
		ttl:       cfg.TTL,
		logger:    logger.With().Str("component", "redis").Logger(),
	}
}

// Close waits for pending writes and closes the client
func (s *RedisStore) Close() error {
	s.wg.Wait()
	return s.client.Close()
}

func (s *RedisStore) recentKey() string {
	return s.prefix + ":" + recentListKeySuffix
}

func (s *RedisStore) seenKey(jobID string) string {
	return s.prefix + ":" + seenKeySuffix + ":" + jobID
}

// Record stores a terminal snapshot once per job. Non-terminal snapshots are ignored.
func (s *RedisStore) Record(ctx context.Context, state models.SessionState) error {
	if !state.Phase.Terminal() || state.JobID == "" {
		return nil
	}

	// Dedup on job id
	fresh, err := s.client.SetNX(ctx, s.seenKey(state.JobID), "1", s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to check dedup: %w", err)
	}
	if !fresh {
		return nil
	}

	data, err := json.Marshal(NewRecentResult(state, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.recentKey(), data)
		p.LTrim(ctx, s.recentKey(), 0, s.maxRecent-1)
		if s.ttl > 0 {
			p.Expire(ctx, s.recentKey(), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Recent returns up to limit results, newest first
func (s *RedisStore) Recent(ctx context.Context, limit int64) ([]RecentResult, error) {
	if limit <= 0 || limit > maxRecentLimit {
		limit = defaultRecentLimit
	}

	raw, err := s.client.LRange(ctx, s.recentKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent results: %w", err)
	}

	out := make([]RecentResult, 0, len(raw))
	for _, item := range raw {
		var r RecentResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns the length of the recent list
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.recentKey()).Result()
}

// Clear drops the recent list
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.recentKey()).Err()
}

// OnStateChange records terminal snapshots without blocking the session
func (s *RedisStore) OnStateChange(state models.SessionState) {
	if !state.Phase.Terminal() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Record(ctx, state); err != nil {
			s.logger.Warn().Err(err).Str("job_id", state.JobID).Msg("failed to record result")
		}
	}()
}
