package models

import (
	"fmt"
	"math"
)

// Stage names reported by the generation service
const (
	StageLoadingModel    = "loading_model"
	StageGenerating      = "generating"
	StageUnloadingModel  = "unloading_model"
	StageLoadingUpscaler = "loading_upscaler"
	StageUpscaling       = "upscaling"
	StageSaving          = "saving"
	StageComplete        = "complete"
)

var stageLabels = map[string]string{
	StageLoadingModel:    "Loading Model",
	StageGenerating:      "Generating",
	StageUnloadingModel:  "Freeing VRAM",
	StageLoadingUpscaler: "Loading Upscaler",
	StageUpscaling:       "Upscaling",
	StageSaving:          "Saving",
	StageComplete:        "Complete",
}

// StageLabel maps a stage name to display text. Unknown stages are shown as-is.
func StageLabel(stage string) string {
	if label, ok := stageLabels[stage]; ok {
		return label
	}
	return stage
}

// ProgressEvent is one progress update for the running job
type ProgressEvent struct {
	Stage    string  `json:"stage"`
	Fraction float64 `json:"progress"`
	Message  string  `json:"message"`
}

// Label returns the display label of the stage
func (p ProgressEvent) Label() string {
	return StageLabel(p.Stage)
}

// Percent is the fraction as a whole percentage clamped to [0,100].
// The raw fraction is kept untouched; clamping is for display only.
func (p ProgressEvent) Percent() int {
	if math.IsNaN(p.Fraction) {
		return 0
	}
	pct := math.Round(p.Fraction * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return int(pct)
}

// Resolution is a width/height pair as sent on the wire ([w, h])
type Resolution [2]int

func (r Resolution) Width() int  { return r[0] }
func (r Resolution) Height() int { return r[1] }

// IsZero reports whether the resolution was absent in the message
func (r Resolution) IsZero() bool { return r[0] == 0 && r[1] == 0 }

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r[0], r[1])
}

// ResultEvent is the terminal outcome of a job. Success selects which half is populated.
type ResultEvent struct {
	Success          bool       `json:"success"`
	ImageURL         string     `json:"image_url,omitempty"`
	Filename         string     `json:"filename,omitempty"`
	SeedUsed         int64      `json:"seed_used,omitempty"`
	BaseResolution   Resolution `json:"base_resolution"`
	TargetResolution Resolution `json:"target_resolution"`
	Error            string     `json:"error,omitempty"`
}
