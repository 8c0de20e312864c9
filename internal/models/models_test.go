package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageLabel(t *testing.T) {
	tests := []struct {
		stage string
		want  string
	}{
		{StageLoadingModel, "Loading Model"},
		{StageGenerating, "Generating"},
		{StageUnloadingModel, "Freeing VRAM"},
		{StageLoadingUpscaler, "Loading Upscaler"},
		{StageUpscaling, "Upscaling"},
		{StageSaving, "Saving"},
		{StageComplete, "Complete"},
		{"warming_cache", "warming_cache"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StageLabel(tt.stage), tt.stage)
	}
}

func TestProgressEvent_Percent(t *testing.T) {
	tests := []struct {
		fraction float64
		want     int
	}{
		{0, 0},
		{0.4, 40},
		{0.4449, 44},
		{1, 100},
		{1.7, 100},
		{-0.2, 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		p := ProgressEvent{Fraction: tt.fraction}
		assert.Equal(t, tt.want, p.Percent(), "fraction %v", tt.fraction)
		if !math.IsNaN(tt.fraction) {
			assert.Equal(t, tt.fraction, p.Fraction, "raw fraction is untouched")
		}
	}
}

func TestResultEvent_DecodesWireFormat(t *testing.T) {
	var r ResultEvent
	err := json.Unmarshal([]byte(`{"success":true,"image_url":"/img/a.png","filename":"a.png","seed_used":42,"base_resolution":[1024,576],"target_resolution":[3840,2160],"error":null}`), &r)

	require.NoError(t, err)
	assert.Equal(t, 1024, r.BaseResolution.Width())
	assert.Equal(t, 576, r.BaseResolution.Height())
	assert.Equal(t, "3840x2160", r.TargetResolution.String())
	assert.False(t, r.TargetResolution.IsZero())
	assert.Empty(t, r.Error)
}

func TestGenerationRequest(t *testing.T) {
	req := DefaultRequest("  aurora over fjord  ")

	assert.True(t, req.HasPrompt())
	assert.True(t, req.UsesRandomSeed())
	assert.Equal(t, "aurora over fjord", req.Normalized().Prompt)
	assert.Equal(t, "  aurora over fjord  ", req.Prompt, "Normalized does not modify the receiver")

	req.Seed = 7
	assert.False(t, req.UsesRandomSeed())
	assert.False(t, DefaultRequest(" \t").HasPrompt())
}

func TestSessionState_Clone(t *testing.T) {
	req := DefaultRequest("x")
	orig := SessionState{
		SessionID: "s",
		JobID:     "j",
		Phase:     PhaseComplete,
		Request:   &req,
		Progress:  &ProgressEvent{Stage: StageSaving, Fraction: 0.99},
		Result:    &ResultEvent{Success: true, Filename: "a.png"},
	}

	cp := orig.Clone()
	cp.Request.Prompt = "changed"
	cp.Progress.Fraction = 0
	cp.Result.Filename = "b.png"

	assert.Equal(t, "x", orig.Request.Prompt)
	assert.Equal(t, 0.99, orig.Progress.Fraction)
	assert.Equal(t, "a.png", orig.Result.Filename)
	assert.True(t, orig.Phase.Terminal())
	assert.False(t, PhaseGenerating.Terminal())
	assert.False(t, PhaseIdle.Terminal())
}

func TestDefaultSettings_Apply(t *testing.T) {
	d := DefaultSettings{Steps: 20, GuidanceScale: 5, NegativePrompt: "ugly", UpscaleModel: "RealESRGAN_x2plus", Seed: 9}
	req := DefaultRequest("city")
	req.TargetWidth, req.TargetHeight = 1920, 1080

	out := d.Apply(req)

	assert.Equal(t, "city", out.Prompt)
	assert.Equal(t, 1920, out.TargetWidth)
	assert.Equal(t, 20, out.Steps)
	assert.Equal(t, "ugly", out.NegativePrompt)
	assert.False(t, out.EnableUpscaling)
	assert.Equal(t, int64(9), out.Seed)
}

func TestNewGenerationRecord(t *testing.T) {
	req := DefaultRequest("lake")
	state := SessionState{
		SessionID: "s1",
		JobID:     "j1",
		Phase:     PhaseComplete,
		Request:   &req,
		Result: &ResultEvent{
			Success:          true,
			ImageURL:         "/images/a.png",
			Filename:         "a.png",
			SeedUsed:         42,
			BaseResolution:   Resolution{1024, 576},
			TargetResolution: Resolution{3840, 2160},
		},
	}

	rec := NewGenerationRecord(req, state)

	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, "complete", rec.Status)
	assert.Equal(t, "a.png", rec.Filename)
	assert.Equal(t, int64(-1), rec.SeedRequested)
	assert.Equal(t, int64(42), rec.SeedUsed)
	assert.Equal(t, 1024, rec.BaseWidth)
	assert.Equal(t, 2160, rec.TargetHeight)
	assert.Equal(t, DefaultUpscaleModel, rec.UpscaleModel)

	failed := NewGenerationRecord(req, SessionState{JobID: "j2", Phase: PhaseError, Error: "boom"})
	assert.Equal(t, "error", failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.Empty(t, failed.Filename)
}
