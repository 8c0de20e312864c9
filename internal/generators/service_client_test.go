package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *ServiceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewServiceClient(srv.URL+"/", nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestServiceClient_FetchPresets(t *testing.T) {
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/config/presets", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{
			"presets": {"Mobile": [{"name": "iPhone SE", "width": 750, "height": 1334}]},
			"upscaler_models": {"RealESRGAN_x2plus": {"scale": 2, "description": "fast"}},
			"default_settings": {"num_inference_steps": 30, "guidance_scale": 7.5, "seed": -1, "enable_upscaling": true}
		}`))
	})

	cfg, err := client.FetchPresets(context.Background())
	require.NoError(t, err)

	require.Len(t, cfg.Presets["Mobile"], 1)
	assert.Equal(t, 1334, cfg.Presets["Mobile"][0].Height)
	assert.Equal(t, 2, cfg.UpscalerModels["RealESRGAN_x2plus"].Scale)
	assert.Equal(t, int64(-1), cfg.DefaultSettings.Seed)
	assert.True(t, cfg.DefaultSettings.EnableUpscaling)
}

func TestServiceClient_FetchBaseResolution(t *testing.T) {
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/config/base-resolution", r.URL.Path)
		assert.Equal(t, "3840", r.URL.Query().Get("w"))
		assert.Equal(t, "2160", r.URL.Query().Get("h"))
		writeJSON(w, map[string]int{"base_width": 1024, "base_height": 576})
	})

	res, err := client.FetchBaseResolution(context.Background(), 3840, 2160)
	require.NoError(t, err)
	assert.Equal(t, models.Resolution{1024, 576}, res)
}

func TestServiceClient_ListGallery(t *testing.T) {
	var query map[string][]string
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/gallery", r.URL.Path)
		query = r.URL.Query()
		writeJSON(w, models.GalleryPage{
			Items:      []models.GalleryItem{{Filename: "a.png", ImageURL: "/images/a.png"}},
			Total:      1,
			Page:       2,
			PerPage:    9,
			TotalPages: 1,
		})
	})

	page, err := client.ListGallery(context.Background(), models.GalleryQuery{Search: "forest", Page: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"forest"}, query["search"])
	assert.Equal(t, []string{"2"}, query["page"])
	assert.NotContains(t, query, "resolution", "zero values are omitted")
	assert.NotContains(t, query, "per_page")
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a.png", page.Items[0].Filename)
	assert.Nil(t, page.Items[0].Prompt)
}

func TestServiceClient_DeleteImage(t *testing.T) {
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/api/gallery/wallpaper 1.png":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"error": "Not found"})
		}
	})

	require.NoError(t, client.DeleteImage(context.Background(), "wallpaper 1.png"))

	err := client.DeleteImage(context.Background(), "missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, client.DeleteImage(context.Background(), ""))
}

func TestServiceClient_StatusError(t *testing.T) {
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := client.ListResolutions(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "model not loaded", statusErr.Body)
	assert.Contains(t, err.Error(), "failed to list resolutions")
}

func TestServiceClient_ExportImages(t *testing.T) {
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/gallery/export", r.URL.Path)
		assert.Equal(t, "a.png,b.png", r.URL.Query().Get("filenames"))
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04"))
	})

	data, err := client.ExportImages(context.Background(), []string{" a.png", "", "b.png "})
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), data)

	_, err = client.ExportImages(context.Background(), []string{" "})
	assert.ErrorContains(t, err, "no filenames")
}

func TestServiceClient_DownloadImage(t *testing.T) {
	client := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/a.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("png-bytes"))
	})

	var buf bytes.Buffer
	n, err := client.DownloadImage(context.Background(), "/images/a.png", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "png-bytes", buf.String())

	_, err = client.DownloadImage(context.Background(), "images/missing.png", &buf)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceClient_ImageURL(t *testing.T) {
	client := NewServiceClient("http://gpu:8000/", nil)

	assert.Equal(t, "http://gpu:8000", client.BaseURL())
	assert.Equal(t, "http://gpu:8000/images/a.png", client.ImageURL("/images/a.png"))
	assert.Equal(t, "http://gpu:8000/images/a.png", client.ImageURL("images/a.png"))
	assert.Equal(t, "https://cdn.example.com/a.png", client.ImageURL("https://cdn.example.com/a.png"))
}
