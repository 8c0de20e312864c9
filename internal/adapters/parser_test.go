package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

func TestParseMessage_Progress(t *testing.T) {
	ev, ok, err := ParseMessage([]byte(`{"type":"progress","stage":"generating","progress":0.4,"message":"Step 12/30"}`))

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, interfaces.EventProgress, ev.Kind)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, models.ProgressEvent{Stage: "generating", Fraction: 0.4, Message: "Step 12/30"}, *ev.Progress)
}

func TestParseMessage_Complete(t *testing.T) {
	ev, ok, err := ParseMessage([]byte(`{"type":"complete","success":true,"image_url":"/img/a.png","filename":"a.png","seed_used":42,"base_resolution":[1024,576],"target_resolution":[3840,2160],"error":null}`))

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, interfaces.EventResult, ev.Kind)
	assert.Equal(t, models.ResultEvent{
		Success:          true,
		ImageURL:         "/img/a.png",
		Filename:         "a.png",
		SeedUsed:         42,
		BaseResolution:   models.Resolution{1024, 576},
		TargetResolution: models.Resolution{3840, 2160},
	}, *ev.Result)
}

func TestParseMessage_Failures(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "complete with success false",
			data:    `{"type":"complete","success":false,"error":"CUDA out of memory"}`,
			wantErr: "CUDA out of memory",
		},
		{
			name:    "server error message",
			data:    `{"type":"error","error":"A generation is already in progress. Please wait."}`,
			wantErr: "A generation is already in progress. Please wait.",
		},
		{
			name:    "failure without text",
			data:    `{"type":"complete","success":false,"error":null}`,
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := ParseMessage([]byte(tt.data))

			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, interfaces.EventResult, ev.Kind)
			assert.False(t, ev.Result.Success)
			assert.Equal(t, tt.wantErr, ev.Result.Error)
		})
	}
}

func TestParseMessage_SuccessDropsErrorText(t *testing.T) {
	ev, ok, err := ParseMessage([]byte(`{"type":"complete","success":true,"filename":"a.png","error":"stale"}`))

	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, ev.Result.Error)
}

func TestParseMessage_UnknownTypeIgnored(t *testing.T) {
	for _, data := range []string{
		`{"type":"heartbeat"}`,
		`{"stage":"generating"}`,
		`{}`,
	} {
		_, ok, err := ParseMessage([]byte(data))
		assert.NoError(t, err, data)
		assert.False(t, ok, data)
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`[1,2,3]`,
		`{"type":"progress","progress":"half"}`,
		`{"type":"complete","success":"yes"}`,
		`{"type":"complete","success":true,"base_resolution":"1024x576"}`,
	} {
		_, ok, err := ParseMessage([]byte(data))
		assert.ErrorIs(t, err, ErrMalformedMessage, data)
		assert.False(t, ok, data)
	}
}
