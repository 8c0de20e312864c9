package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

func TestNewRecentResult(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ok := NewRecentResult(terminal("j1", "glacier", "glacier.png"), at)
	assert.Equal(t, models.PhaseComplete, ok.Status)
	assert.Equal(t, "glacier", ok.Prompt)
	assert.Equal(t, "glacier.png", ok.Filename)
	assert.Equal(t, int64(77), ok.SeedUsed)
	assert.Equal(t, models.Resolution{3840, 2160}, ok.Resolution)
	assert.Equal(t, at, ok.FinishedAt)

	failed := NewRecentResult(terminal("j2", "storm", ""), at)
	assert.Equal(t, models.PhaseError, failed.Status)
	assert.Empty(t, failed.Filename)
	assert.Equal(t, "CUDA out of memory", failed.Error)
	assert.Equal(t, models.Resolution{models.DefaultTargetWidth, models.DefaultTargetHeight}, failed.Resolution)
}

// Needs a redis server on localhost:6379
func TestRedisStore_Recent(t *testing.T) {
	store, err := NewRedisStore(config.RedisConfig{
		Host:      "localhost",
		Port:      6379,
		KeyPrefix: "wallgen-test-" + uuid.NewString(),
		MaxRecent: 2,
		TTL:       time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() {
		_ = store.Clear(ctx)
		_ = store.Close()
	})

	require.NoError(t, store.Record(ctx, terminal("j1", "one", "1.png")))
	require.NoError(t, store.Record(ctx, terminal("j1", "one", "1.png")))
	require.NoError(t, store.Record(ctx, terminal("j2", "two", "")))
	store.OnStateChange(terminal("j3", "three", "3.png"))
	store.wg.Wait()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "list is capped")

	recent, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "j3", recent[0].JobID)
	assert.Equal(t, "j2", recent[1].JobID)
}
