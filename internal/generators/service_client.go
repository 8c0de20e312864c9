package generators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4 << 10
)

// ErrNotFound is returned when the service answers 404
var ErrNotFound = errors.New("not found")

// StatusError is any other non-success answer
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("service returned status %d: %s", e.StatusCode, e.Body)
}

// ServiceClient talks to the generation service's REST endpoints
type ServiceClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ interfaces.ServiceAPI = (*ServiceClient)(nil)

// NewServiceClient creates a client for baseURL (http or https).
// A nil httpClient gets a default with a 30s timeout.
func NewServiceClient(baseURL string, httpClient *http.Client) *ServiceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &ServiceClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the service root
func (c *ServiceClient) BaseURL() string {
	return c.baseURL
}

// ImageURL resolves a result's relative image path against the service root
func (c *ServiceClient) ImageURL(imageURL string) string {
	if strings.HasPrefix(imageURL, "http://") || strings.HasPrefix(imageURL, "https://") {
		return imageURL
	}
	if !strings.HasPrefix(imageURL, "/") {
		imageURL = "/" + imageURL
	}
	return c.baseURL + imageURL
}

// FetchPresets returns device presets, upscaler models and default settings
func (c *ServiceClient) FetchPresets(ctx context.Context) (*models.PresetsConfig, error) {
	var out models.PresetsConfig
	if err := c.getJSON(ctx, "/api/config/presets", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch presets: %w", err)
	}
	return &out, nil
}

// FetchBaseResolution asks the service for the base size of a target size
func (c *ServiceClient) FetchBaseResolution(ctx context.Context, width, height int) (models.Resolution, error) {
	q := url.Values{}
	q.Set("w", strconv.Itoa(width))
	q.Set("h", strconv.Itoa(height))

	var out struct {
		BaseWidth  int `json:"base_width"`
		BaseHeight int `json:"base_height"`
	}
	if err := c.getJSON(ctx, "/api/config/base-resolution", q, &out); err != nil {
		return models.Resolution{}, fmt.Errorf("failed to fetch base resolution: %w", err)
	}
	return models.Resolution{out.BaseWidth, out.BaseHeight}, nil
}

// ListGallery returns one page of the gallery
func (c *ServiceClient) ListGallery(ctx context.Context, q models.GalleryQuery) (*models.GalleryPage, error) {
	values := url.Values{}
	if q.Search != "" {
		values.Set("search", q.Search)
	}
	if q.Resolution != "" {
		values.Set("resolution", q.Resolution)
	}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		values.Set("per_page", strconv.Itoa(q.PerPage))
	}

	var out models.GalleryPage
	if err := c.getJSON(ctx, "/api/gallery", values, &out); err != nil {
		return nil, fmt.Errorf("failed to list gallery: %w", err)
	}
	return &out, nil
}

// ListResolutions returns the distinct target resolutions in the gallery
func (c *ServiceClient) ListResolutions(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/api/gallery/resolutions", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	return out, nil
}

// DeleteImage removes a gallery entry. A missing file yields ErrNotFound.
func (c *ServiceClient) DeleteImage(ctx context.Context, filename string) error {
	if filename == "" {
		return fmt.Errorf("filename is required")
	}
	resp, err := c.do(ctx, http.MethodDelete, "/api/gallery/"+url.PathEscape(filename), nil)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", filename, err)
	}
	resp.Body.Close()
	return nil
}

// ExportImages returns a zip archive of the named images
func (c *ServiceClient) ExportImages(ctx context.Context, filenames []string) ([]byte, error) {
	names := make([]string, 0, len(filenames))
	for _, n := range filenames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no filenames to export")
	}

	q := url.Values{}
	q.Set("filenames", strings.Join(names, ","))
	resp, err := c.do(ctx, http.MethodGet, "/api/gallery/export", q)
	if err != nil {
		return nil, fmt.Errorf("failed to export images: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return data, nil
}

// DownloadImage streams the image at imageURL into w
func (c *ServiceClient) DownloadImage(ctx context.Context, imageURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL(imageURL), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to download image: %w", err)
	}
	return n, nil
}

func (c *ServiceClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *ServiceClient) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req)
}

// send returns the response only for 2xx; the caller closes the body
func (c *ServiceClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
