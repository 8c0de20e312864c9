package generators

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const (
	metadataExt     = ".json"
	downloadTimeout = 5 * time.Minute
)

// ImageDownloader fetches a result image by its service URL
type ImageDownloader interface {
	DownloadImage(ctx context.Context, imageURL string, w io.Writer) (int64, error)
}

// ImageMetadata is the JSON sidecar written next to each cached image
type ImageMetadata struct {
	Prompt           string            `json:"prompt"`
	NegativePrompt   string            `json:"negative_prompt"`
	Seed             int64             `json:"seed"`
	Steps            int               `json:"num_inference_steps"`
	GuidanceScale    float64           `json:"guidance_scale"`
	BaseResolution   models.Resolution `json:"base_resolution"`
	TargetResolution models.Resolution `json:"target_resolution"`
	EnableUpscaling  bool              `json:"enable_upscaling"`
	UpscaleModel     string            `json:"upscale_model,omitempty"`
	ImageURL         string            `json:"image_url"`
	Timestamp        time.Time         `json:"timestamp"`
}

// CacheEntry is one image on disk
type CacheEntry struct {
	Filename string
	FilePath string
	FileSize int64
	Metadata *ImageMetadata
}

// CacheStats holds statistics about the cache
type CacheStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	TotalEntries int   `json:"total_entries"`
	TotalSize    int64 `json:"total_size"`
}

// ImageCache keeps local copies of completed results, keyed by filename
type ImageCache struct {
	directory    string
	downloader   ImageDownloader
	saveMetadata bool
	logger       zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*CacheEntry
	stats   CacheStats
	pending sync.WaitGroup
}

// NewImageCache creates a cache rooted at directory
func NewImageCache(directory string, downloader ImageDownloader, saveMetadata bool, logger zerolog.Logger) *ImageCache {
	return &ImageCache{
		directory:    directory,
		downloader:   downloader,
		saveMetadata: saveMetadata,
		logger:       logger.With().Str("component", "image_cache").Logger(),
		entries:      make(map[string]*CacheEntry),
	}
}

// Initialize creates the directory and indexes images already in it
func (c *ImageCache) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.directory, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	files, err := os.ReadDir(c.directory)
	if err != nil {
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".png") {
			continue
		}
		entry := &CacheEntry{
			Filename: f.Name(),
			FilePath: filepath.Join(c.directory, f.Name()),
		}
		if info, err := f.Info(); err == nil {
			entry.FileSize = info.Size()
		}
		entry.Metadata = readMetadata(entry.FilePath)

		c.entries[entry.Filename] = entry
		c.stats.TotalEntries++
		c.stats.TotalSize += entry.FileSize
	}
	return nil
}

// Has reports whether filename is cached
func (c *ImageCache) Has(filename string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[filename]
	return ok
}

// Get returns the cache entry for filename
func (c *ImageCache) Get(filename string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[filename]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	cp := *entry
	return &cp, true
}

// Save stores the image of a completed snapshot once, plus its sidecar.
// It returns the local path. Snapshots that are not successful are rejected.
func (c *ImageCache) Save(ctx context.Context, state models.SessionState) (string, error) {
	res := state.Result
	if state.Phase != models.PhaseComplete || res == nil || !res.Success {
		return "", fmt.Errorf("snapshot has no completed image")
	}
	name, err := safeFilename(res.Filename)
	if err != nil {
		return "", err
	}

	if entry, ok := c.Get(name); ok {
		return entry.FilePath, nil
	}

	path := filepath.Join(c.directory, name)
	size, err := c.download(ctx, res.ImageURL, path)
	if err != nil {
		return "", err
	}

	entry := &CacheEntry{Filename: name, FilePath: path, FileSize: size}
	if c.saveMetadata {
		meta := metadataFor(state)
		if err := writeMetadata(path, meta); err != nil {
			c.logger.Warn().Err(err).Str("filename", name).Msg("failed to write metadata")
		} else {
			entry.Metadata = meta
		}
	}

	c.mu.Lock()
	if _, exists := c.entries[name]; !exists {
		c.entries[name] = entry
		c.stats.TotalEntries++
		c.stats.TotalSize += size
	}
	c.mu.Unlock()

	c.logger.Info().Str("filename", name).Int64("bytes", size).Msg("image saved")
	return path, nil
}

// OnStateChange saves completed images in the background
func (c *ImageCache) OnStateChange(state models.SessionState) {
	if state.Phase != models.PhaseComplete {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
		defer cancel()
		if _, err := c.Save(ctx, state); err != nil {
			c.logger.Error().Err(err).Str("job_id", state.JobID).Msg("failed to save image")
		}
	}()
}

// Wait blocks until background saves started by OnStateChange finish
func (c *ImageCache) Wait() {
	c.pending.Wait()
}

// Remove deletes an image and its sidecar
func (c *ImageCache) Remove(filename string) error {
	name, err := safeFilename(filename)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		return nil
	}
	_ = os.Remove(entry.FilePath)
	_ = os.Remove(sidecarPath(entry.FilePath))

	delete(c.entries, name)
	c.stats.TotalEntries--
	c.stats.TotalSize -= entry.FileSize
	return nil
}

// Entries lists cached images, newest first by metadata timestamp then name
func (c *ImageCache) Entries() []CacheEntry {
	c.mu.RLock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := entryTime(out[i]), entryTime(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Filename > out[j].Filename
	})
	return out
}

// Stats returns cache statistics
func (c *ImageCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *ImageCache) download(ctx context.Context, imageURL, path string) (int64, error) {
	tmp, err := os.CreateTemp(c.directory, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := c.downloader.DownloadImage(ctx, imageURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to store image: %w", err)
	}
	return n, nil
}

func metadataFor(state models.SessionState) *ImageMetadata {
	res := state.Result
	meta := &ImageMetadata{
		Seed:             res.SeedUsed,
		BaseResolution:   res.BaseResolution,
		TargetResolution: res.TargetResolution,
		ImageURL:         res.ImageURL,
		Timestamp:        time.Now(),
	}
	if req := state.Request; req != nil {
		meta.Prompt = req.Prompt
		meta.NegativePrompt = req.NegativePrompt
		meta.Steps = req.Steps
		meta.GuidanceScale = req.GuidanceScale
		meta.EnableUpscaling = req.EnableUpscaling
		if req.EnableUpscaling {
			meta.UpscaleModel = req.UpscaleModel
		}
	}
	return meta
}

func sidecarPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + metadataExt
}

func writeMetadata(imagePath string, meta *ImageMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return os.WriteFile(sidecarPath(imagePath), data, 0o644)
}

func readMetadata(imagePath string) *ImageMetadata {
	data, err := os.ReadFile(sidecarPath(imagePath))
	if err != nil {
		return nil
	}
	var meta ImageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

func entryTime(e CacheEntry) time.Time {
	if e.Metadata != nil {
		return e.Metadata.Timestamp
	}
	return time.Time{}
}

func safeFilename(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) || base != strings.TrimSpace(name) {
		return "", fmt.Errorf("invalid filename %q", name)
	}
	return base, nil
}
