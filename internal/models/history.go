package models

import (
	"time"

	"gorm.io/gorm"
)

// GenerationRecord is a persisted terminal outcome of one session
type GenerationRecord struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	SessionID      string         `gorm:"index;size:64" json:"session_id"`
	JobID          string         `gorm:"uniqueIndex;size:64" json:"job_id"`
	Status         string         `gorm:"size:16" json:"status"` // "complete" or "error"
	Prompt         string         `gorm:"type:text" json:"prompt"`
	NegativePrompt string         `gorm:"type:text" json:"negative_prompt"`
	Filename       string         `gorm:"size:255;index" json:"filename"`
	ImageURL       string         `gorm:"size:512" json:"image_url"`
	SeedRequested  int64          `json:"seed_requested"`
	SeedUsed       int64          `json:"seed_used"`
	BaseWidth      int            `json:"base_width"`
	BaseHeight     int            `json:"base_height"`
	TargetWidth    int            `json:"target_width"`
	TargetHeight   int            `json:"target_height"`
	Steps          int            `json:"num_inference_steps"`
	GuidanceScale  float64        `json:"guidance_scale"`
	UpscaleModel   string         `gorm:"size:64" json:"upscale_model"`
	Error          string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// NewGenerationRecord builds a record from the request that started a session
// and the terminal snapshot it reached
func NewGenerationRecord(req GenerationRequest, state SessionState) *GenerationRecord {
	rec := &GenerationRecord{
		SessionID:      state.SessionID,
		JobID:          state.JobID,
		Status:         string(state.Phase),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		SeedRequested:  req.Seed,
		TargetWidth:    req.TargetWidth,
		TargetHeight:   req.TargetHeight,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Error:          state.Error,
	}
	if req.EnableUpscaling {
		rec.UpscaleModel = req.UpscaleModel
	}
	if res := state.Result; res != nil && res.Success {
		rec.Filename = res.Filename
		rec.ImageURL = res.ImageURL
		rec.SeedUsed = res.SeedUsed
		rec.BaseWidth, rec.BaseHeight = res.BaseResolution.Width(), res.BaseResolution.Height()
		if !res.TargetResolution.IsZero() {
			rec.TargetWidth, rec.TargetHeight = res.TargetResolution.Width(), res.TargetResolution.Height()
		}
	}
	return rec
}
