package interfaces

import (
	"context"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// ServiceAPI is the REST surface of the generation service
type ServiceAPI interface {
	// FetchPresets returns device presets, upscaler models and default settings
	FetchPresets(ctx context.Context) (*models.PresetsConfig, error)

	// FetchBaseResolution returns the base generation size for a target size
	FetchBaseResolution(ctx context.Context, width, height int) (models.Resolution, error)

	// ListGallery returns one page of the gallery
	ListGallery(ctx context.Context, q models.GalleryQuery) (*models.GalleryPage, error)

	// ListResolutions returns the distinct target resolutions in the gallery
	ListResolutions(ctx context.Context) ([]string, error)

	// DeleteImage removes a gallery entry by filename
	DeleteImage(ctx context.Context, filename string) error

	// ExportImages returns a zip archive of the named images
	ExportImages(ctx context.Context, filenames []string) ([]byte, error)
}
