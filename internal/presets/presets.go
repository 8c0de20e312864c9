// Package presets holds device resolutions and the resolution math used to
// pick a base generation size for a target wallpaper size.
package presets

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const (
	MinDimension    = 64
	MaxDimension    = 8192
	DimensionStep   = 8
	DefaultBaseSize = 1024
)

var (
	ErrTooSmall      = fmt.Errorf("minimum resolution is %dx%d", MinDimension, MinDimension)
	ErrTooLarge      = fmt.Errorf("maximum resolution is %dx%d", MaxDimension, MaxDimension)
	ErrNotDivisible  = fmt.Errorf("resolution must be divisible by %d", DimensionStep)
	ErrBadResolution = errors.New("resolution must look like WIDTHxHEIGHT")
)

// Categories in display order
var Categories = []string{"Mobile", "Tablet", "Laptop/Desktop"}

var devicePresets = map[string][]models.DevicePreset{
	"Mobile": {
		{Name: "iPhone 14 Pro Max", Width: 1290, Height: 2796},
		{Name: "iPhone 14 Pro", Width: 1179, Height: 2556},
		{Name: "iPhone 14", Width: 1170, Height: 2532},
		{Name: "iPhone SE", Width: 750, Height: 1334},
		{Name: "Samsung Galaxy S23 Ultra", Width: 1440, Height: 3088},
	},
	"Tablet": {
		{Name: "iPad Pro 12.9\"", Width: 2732, Height: 2048},
		{Name: "iPad Pro 11\"", Width: 2388, Height: 1668},
		{Name: "iPad Air", Width: 2360, Height: 1640},
	},
	"Laptop/Desktop": {
		{Name: "13\" MacBook Pro", Width: 2560, Height: 1600},
		{Name: "14\" MacBook Pro", Width: 3024, Height: 1964},
		{Name: "16\" MacBook Pro", Width: 3456, Height: 2234},
		{Name: "1080p (Full HD)", Width: 1920, Height: 1080},
		{Name: "1440p (2K)", Width: 2560, Height: 1440},
		{Name: "4K (UHD)", Width: 3840, Height: 2160},
		{Name: "5K", Width: 5120, Height: 2880},
		{Name: "Dual 1440p", Width: 5120, Height: 1440},
	},
}

var upscalerModels = map[string]models.UpscalerModel{
	"RealESRGAN_x4plus": {Scale: 4, Description: "General-purpose 4x upscaler (best quality)"},
	"RealESRGAN_x2plus": {Scale: 2, Description: "General-purpose 2x upscaler (faster)"},
}

// Offline returns the built-in presets, used when the service cannot be reached
func Offline() models.PresetsConfig {
	cfg := models.PresetsConfig{
		Presets:        make(map[string][]models.DevicePreset, len(devicePresets)),
		UpscalerModels: make(map[string]models.UpscalerModel, len(upscalerModels)),
		DefaultSettings: models.DefaultSettings{
			Steps:           models.DefaultSteps,
			GuidanceScale:   models.DefaultGuidanceScale,
			NegativePrompt:  models.DefaultNegativePrompt,
			EnableUpscaling: true,
			UpscaleModel:    models.DefaultUpscaleModel,
			Seed:            models.RandomSeed,
		},
	}
	for category, list := range devicePresets {
		cfg.Presets[category] = append([]models.DevicePreset(nil), list...)
	}
	for name, m := range upscalerModels {
		cfg.UpscalerModels[name] = m
	}
	return cfg
}

// All returns every preset, category by category
func All() []models.DevicePreset {
	var out []models.DevicePreset
	for _, category := range Categories {
		out = append(out, devicePresets[category]...)
	}
	return out
}

// Lookup finds a preset by exact name
func Lookup(name string) (models.DevicePreset, bool) {
	for _, p := range All() {
		if p.Name == name {
			return p, true
		}
	}
	return models.DevicePreset{}, false
}

// DisplayName renders "Name (WxH)"
func DisplayName(p models.DevicePreset) string {
	return fmt.Sprintf("%s (%dx%d)", p.Name, p.Width, p.Height)
}

// ParseDisplayName reverses DisplayName. Names may contain parentheses
// themselves ("4K (UHD)"), so only the last " (" is split on.
func ParseDisplayName(display string) (models.DevicePreset, bool) {
	name := display
	if idx := strings.LastIndex(display, " ("); idx != -1 {
		name = display[:idx]
	}
	return Lookup(name)
}

// ValidateResolution checks a custom target resolution
func ValidateResolution(width, height int) error {
	if width < MinDimension || height < MinDimension {
		return ErrTooSmall
	}
	if width > MaxDimension || height > MaxDimension {
		return ErrTooLarge
	}
	if width%DimensionStep != 0 || height%DimensionStep != 0 {
		return ErrNotDivisible
	}
	return nil
}

// BaseResolution picks a generation size near baseSize on the long edge that
// matches the target's aspect ratio. Both sides are multiples of 8, at least 64.
func BaseResolution(targetWidth, targetHeight, baseSize int) models.Resolution {
	if baseSize <= 0 {
		baseSize = DefaultBaseSize
	}
	if targetWidth <= 0 || targetHeight <= 0 {
		return models.Resolution{baseSize, baseSize}
	}

	aspect := float64(targetWidth) / float64(targetHeight)
	var w, h int
	if aspect >= 1 {
		w = baseSize
		h = int(math.RoundToEven(float64(baseSize) / aspect))
	} else {
		h = baseSize
		w = int(math.RoundToEven(float64(baseSize) * aspect))
	}
	return models.Resolution{snap(w), snap(h)}
}

func snap(v int) int {
	v = (v / DimensionStep) * DimensionStep
	if v < MinDimension {
		return MinDimension
	}
	return v
}

// UpscaleFactor is the smallest supported factor (2 or 4) that covers the target
func UpscaleFactor(base, target models.Resolution) int {
	if base.Width() <= 0 || base.Height() <= 0 {
		return 4
	}
	fw := float64(target.Width()) / float64(base.Width())
	fh := float64(target.Height()) / float64(base.Height())
	if math.Max(fw, fh) <= 2 {
		return 2
	}
	return 4
}

// UpscaleModelFor returns the upscaler matching factor
func UpscaleModelFor(factor int) string {
	if factor <= 2 {
		return "RealESRGAN_x2plus"
	}
	return "RealESRGAN_x4plus"
}

// ParseResolution reads "3840x2160" (an upper-case X or spaces are accepted)
func ParseResolution(s string) (models.Resolution, error) {
	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return models.Resolution{}, fmt.Errorf("%w: %q", ErrBadResolution, s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("%w: %q", ErrBadResolution, s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("%w: %q", ErrBadResolution, s)
	}
	return models.Resolution{w, h}, nil
}
