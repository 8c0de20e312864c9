package models

// GalleryItem is one previously generated image as listed by the service
type GalleryItem struct {
	Filename         string   `json:"filename"`
	ImageURL         string   `json:"image_url"`
	Prompt           *string  `json:"prompt"`
	NegativePrompt   *string  `json:"negative_prompt"`
	Seed             *int64   `json:"seed"`
	Steps            *int     `json:"num_inference_steps"`
	GuidanceScale    *float64 `json:"guidance_scale"`
	BaseResolution   []int    `json:"base_resolution"`
	TargetResolution []int    `json:"target_resolution"`
	EnableUpscaling  *bool    `json:"enable_upscaling"`
	UpscaleModel     *string  `json:"upscale_model"`
	Timestamp        *string  `json:"timestamp"`
}

// GalleryPage is a page of gallery results
type GalleryPage struct {
	Items      []GalleryItem `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PerPage    int           `json:"per_page"`
	TotalPages int           `json:"total_pages"`
}

// GalleryQuery filters the gallery listing. Zero values are omitted from the query.
type GalleryQuery struct {
	Search     string
	Resolution string
	Page       int
	PerPage    int
}

// DevicePreset is a named target resolution
type DevicePreset struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// UpscalerModel describes an upscaler offered by the service
type UpscalerModel struct {
	Scale       int    `json:"scale"`
	Description string `json:"description"`
}

// DefaultSettings are the generation defaults advertised by the service
type DefaultSettings struct {
	Steps           int     `json:"num_inference_steps"`
	GuidanceScale   float64 `json:"guidance_scale"`
	NegativePrompt  string  `json:"negative_prompt"`
	EnableUpscaling bool    `json:"enable_upscaling"`
	UpscaleModel    string  `json:"upscale_model"`
	Seed            int64   `json:"seed"`
}

// PresetsConfig is the response of the presets endpoint
type PresetsConfig struct {
	Presets         map[string][]DevicePreset `json:"presets"`
	UpscalerModels  map[string]UpscalerModel  `json:"upscaler_models"`
	DefaultSettings DefaultSettings           `json:"default_settings"`
}

// Apply fills a request with the advertised defaults, keeping prompt and size
func (d DefaultSettings) Apply(req GenerationRequest) GenerationRequest {
	req.NegativePrompt = d.NegativePrompt
	req.Steps = d.Steps
	req.GuidanceScale = d.GuidanceScale
	req.EnableUpscaling = d.EnableUpscaling
	req.UpscaleModel = d.UpscaleModel
	req.Seed = d.Seed
	return req
}
