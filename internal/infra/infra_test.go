package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(config.LoggingConfig{Level: "WARN", Format: "json"}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("component", "session").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "session", entry["component"])
	assert.Contains(t, entry, "time")
}

func TestNewLogger_DefaultsToInfo(t *testing.T) {
	for _, level := range []string{"", "chatty"} {
		log := newLogger(config.LoggingConfig{Level: level}, &bytes.Buffer{})
		assert.Equal(t, zerolog.InfoLevel, log.GetLevel(), "level %q", level)
	}
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(config.LoggingConfig{Level: "debug", Format: "console"}, &buf)

	log.Debug().Msg("dialing")

	assert.Contains(t, buf.String(), "dialing")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

type probe struct {
	interfaces.ServiceAPI
	err error
}

func (p probe) FetchPresets(ctx context.Context) (*models.PresetsConfig, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &models.PresetsConfig{}, nil
}

func TestBackendManager_AlreadyRunning(t *testing.T) {
	m := NewBackendManager(config.BackendConfig{Command: "does-not-matter"}, probe{}, zerolog.Nop())
	assert.Equal(t, BackendStatusStopped, m.Status())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, BackendStatusRunning, m.Status())

	// Nothing was launched, so nothing is stopped
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, BackendStatusStopped, m.Status())
}

func TestBackendManager_StartErrors(t *testing.T) {
	down := probe{err: errors.New("connection refused")}

	m := NewBackendManager(config.BackendConfig{}, down, zerolog.Nop())
	assert.ErrorContains(t, m.Start(context.Background()), "not configured")

	m = NewBackendManager(config.BackendConfig{Command: "wallgen-no-such-binary"}, down, zerolog.Nop())
	assert.ErrorContains(t, m.Start(context.Background()), "failed to start generation service")
	assert.Equal(t, BackendStatusError, m.Status())
}
