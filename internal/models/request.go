package models

import "strings"

// RandomSeed asks the service to pick a seed for the job
const RandomSeed int64 = -1

const (
	DefaultTargetWidth    = 3840
	DefaultTargetHeight   = 2160
	DefaultSteps          = 30
	DefaultGuidanceScale  = 7.5
	DefaultUpscaleModel   = "RealESRGAN_x4plus"
	DefaultNegativePrompt = "blurry, low quality, distorted, deformed, ugly, bad anatomy"
)

// GenerationRequest is the payload sent once over the generation websocket.
// It is passed by value so a submitted request cannot be changed afterwards.
type GenerationRequest struct {
	Prompt          string  `json:"prompt" yaml:"prompt"`
	NegativePrompt  string  `json:"negative_prompt" yaml:"negative_prompt"`
	TargetWidth     int     `json:"target_width" yaml:"target_width"`
	TargetHeight    int     `json:"target_height" yaml:"target_height"`
	Steps           int     `json:"num_inference_steps" yaml:"num_inference_steps"`
	GuidanceScale   float64 `json:"guidance_scale" yaml:"guidance_scale"`
	Seed            int64   `json:"seed" yaml:"seed"`
	EnableUpscaling bool    `json:"enable_upscaling" yaml:"enable_upscaling"`
	UpscaleModel    string  `json:"upscale_model" yaml:"upscale_model"`
}

// DefaultRequest returns a request carrying the service's default settings
func DefaultRequest(prompt string) GenerationRequest {
	return GenerationRequest{
		Prompt:          prompt,
		NegativePrompt:  DefaultNegativePrompt,
		TargetWidth:     DefaultTargetWidth,
		TargetHeight:    DefaultTargetHeight,
		Steps:           DefaultSteps,
		GuidanceScale:   DefaultGuidanceScale,
		Seed:            RandomSeed,
		EnableUpscaling: true,
		UpscaleModel:    DefaultUpscaleModel,
	}
}

// Normalized returns a copy with the prompt trimmed, which is what goes on the wire
func (r GenerationRequest) Normalized() GenerationRequest {
	r.Prompt = strings.TrimSpace(r.Prompt)
	return r
}

// HasPrompt reports whether the prompt contains anything besides whitespace
func (r GenerationRequest) HasPrompt() bool {
	return strings.TrimSpace(r.Prompt) != ""
}

// UsesRandomSeed reports whether the service should choose the seed
func (r GenerationRequest) UsesRandomSeed() bool {
	return r.Seed < 0
}
