package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/engine"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/generators"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/infra"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/presets"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/prompts"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/storage"
)

const enhanceTimeout = 45 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Deps are the components the control server exposes. Optional ones may be nil.
type Deps struct {
	Config    *config.Config
	Session   *engine.Session
	Hub       *SessionHub
	Service   interfaces.ServiceAPI
	Templates *prompts.TemplateEngine
	Enhancer  prompts.Enhancer
	Cache     *generators.ImageCache
	Recent    *storage.RedisStore
	History   *storage.HistoryStore
	Backend   *infra.BackendManager
	Logger    zerolog.Logger
}

type Handlers struct {
	Deps
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{Deps: deps}
}

// StartRequest is the body of POST /api/session/start. Absent fields take
// the configured defaults.
type StartRequest struct {
	Prompt          string   `json:"prompt"`
	Style           string   `json:"style,omitempty"`
	Enhance         bool     `json:"enhance,omitempty"`
	Preset          string   `json:"preset,omitempty"`
	NegativePrompt  *string  `json:"negative_prompt,omitempty"`
	TargetWidth     *int     `json:"target_width,omitempty"`
	TargetHeight    *int     `json:"target_height,omitempty"`
	Steps           *int     `json:"num_inference_steps,omitempty"`
	GuidanceScale   *float64 `json:"guidance_scale,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	EnableUpscaling *bool    `json:"enable_upscaling,omitempty"`
	UpscaleModel    *string  `json:"upscale_model,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) error(w http.ResponseWriter, code int, msg string) {
	h.json(w, code, errorResponse{Error: msg})
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "wallpaper-gen",
		"session": string(h.Session.Snapshot().Phase),
	}
	if h.Hub != nil {
		resp["clients"] = h.Hub.ClientCount()
	}
	if h.Backend != nil {
		resp["backend"] = string(h.Backend.Status())
	}
	h.json(w, http.StatusOK, resp)
}

// GetSession returns the current snapshot
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, h.Session.Snapshot())
}

// StartSession submits a generation and answers 202 with the generating snapshot
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	req, err := h.buildRequest(r.Context(), body)
	if err != nil {
		h.error(w, http.StatusBadRequest, err.Error())
		return
	}

	// The job outlives this request
	if err := h.Session.Start(context.WithoutCancel(r.Context()), req); err != nil {
		switch {
		case errors.Is(err, engine.ErrEmptyPrompt):
			h.error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, engine.ErrSessionClosed):
			h.error(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.json(w, http.StatusAccepted, h.Session.Snapshot())
}

func (h *Handlers) buildRequest(ctx context.Context, body StartRequest) (models.GenerationRequest, error) {
	req := h.Config.Defaults.Request(body.Prompt)
	if !req.HasPrompt() {
		return req, engine.ErrEmptyPrompt
	}

	if body.Style != "" && h.Templates != nil {
		rendered, err := h.Templates.Render(body.Style, req.Prompt, nil)
		if err != nil {
			return req, err
		}
		req.Prompt = rendered
		if tmpl, err := h.Templates.Get(body.Style); err == nil && tmpl.NegativePrompt != "" {
			req.NegativePrompt = tmpl.NegativePrompt
		}
	}

	if body.Enhance && h.Enhancer != nil {
		ectx, cancel := context.WithTimeout(ctx, enhanceTimeout)
		enhanced, err := h.Enhancer.Enhance(ectx, req.Prompt)
		cancel()
		if err != nil {
			h.Logger.Warn().Err(err).Msg("prompt enhancement failed, using original prompt")
		} else {
			req.Prompt = enhanced
		}
	}

	if body.Preset != "" {
		p, ok := presets.Lookup(body.Preset)
		if !ok {
			p, ok = presets.ParseDisplayName(body.Preset)
		}
		if !ok {
			return req, errors.New("unknown preset " + strconv.Quote(body.Preset))
		}
		req.TargetWidth, req.TargetHeight = p.Width, p.Height
	}

	custom := false
	if body.TargetWidth != nil {
		req.TargetWidth = *body.TargetWidth
		custom = true
	}
	if body.TargetHeight != nil {
		req.TargetHeight = *body.TargetHeight
		custom = true
	}
	if custom {
		if err := presets.ValidateResolution(req.TargetWidth, req.TargetHeight); err != nil {
			return req, err
		}
	}

	if body.NegativePrompt != nil {
		req.NegativePrompt = *body.NegativePrompt
	}
	if body.Steps != nil {
		req.Steps = *body.Steps
	}
	if body.GuidanceScale != nil {
		req.GuidanceScale = *body.GuidanceScale
	}
	if body.Seed != nil {
		req.Seed = *body.Seed
	}
	if body.EnableUpscaling != nil {
		req.EnableUpscaling = *body.EnableUpscaling
	}
	if body.UpscaleModel != nil {
		req.UpscaleModel = *body.UpscaleModel
	}
	return req, nil
}

// ResetSession abandons any job and returns the idle snapshot
func (h *Handlers) ResetSession(w http.ResponseWriter, r *http.Request) {
	h.Session.Reset()
	h.json(w, http.StatusOK, h.Session.Snapshot())
}

// SessionStream upgrades to a websocket that receives every snapshot
func (h *Handlers) SessionStream(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		h.error(w, http.StatusServiceUnavailable, "hub not initialized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.Hub.Attach(uuid.NewString(), conn)
}

// GetPresets proxies the service's presets, falling back to the built-in ones
func (h *Handlers) GetPresets(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Service.FetchPresets(r.Context())
	if err != nil {
		h.Logger.Warn().Err(err).Msg("presets unavailable, serving offline presets")
		offline := presets.Offline()
		w.Header().Set("X-Presets-Source", "offline")
		h.json(w, http.StatusOK, offline)
		return
	}
	w.Header().Set("X-Presets-Source", "service")
	h.json(w, http.StatusOK, cfg)
}

// ValidateResolution checks ?w=&h= locally
func (h *Handlers) ValidateResolution(w http.ResponseWriter, r *http.Request) {
	width, height, ok := h.dimensions(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"valid": true, "error": ""}
	if err := presets.ValidateResolution(width, height); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	h.json(w, http.StatusOK, resp)
}

// BaseResolution computes the base size and upscale factor for ?w=&h=
func (h *Handlers) BaseResolution(w http.ResponseWriter, r *http.Request) {
	width, height, ok := h.dimensions(w, r)
	if !ok {
		return
	}
	base := presets.BaseResolution(width, height, presets.DefaultBaseSize)
	factor := presets.UpscaleFactor(base, models.Resolution{width, height})
	h.json(w, http.StatusOK, map[string]any{
		"base_width":     base.Width(),
		"base_height":    base.Height(),
		"upscale_factor": factor,
		"upscale_model":  presets.UpscaleModelFor(factor),
	})
}

func (h *Handlers) dimensions(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	width, werr := strconv.Atoi(r.URL.Query().Get("w"))
	height, herr := strconv.Atoi(r.URL.Query().Get("h"))
	if werr != nil || herr != nil {
		h.error(w, http.StatusBadRequest, "w and h must be integers")
		return 0, 0, false
	}
	return width, height, true
}

// ListStyles returns the prompt style names
func (h *Handlers) ListStyles(w http.ResponseWriter, r *http.Request) {
	if h.Templates == nil {
		h.json(w, http.StatusOK, []string{})
		return
	}
	h.json(w, http.StatusOK, h.Templates.Names())
}

// ListGallery passes the query through to the service
func (h *Handlers) ListGallery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.GalleryQuery{
		Search:     q.Get("search"),
		Resolution: q.Get("resolution"),
	}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	page, err := h.Service.ListGallery(r.Context(), query)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.json(w, http.StatusOK, page)
}

func (h *Handlers) ListResolutions(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.ListResolutions(r.Context())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.json(w, http.StatusOK, res)
}

// DeleteImage removes the image from the service and from local records
func (h *Handlers) DeleteImage(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if err := h.Service.DeleteImage(r.Context(), filename); err != nil {
		h.serviceError(w, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Remove(filename); err != nil {
			h.Logger.Warn().Err(err).Str("filename", filename).Msg("failed to remove cached image")
		}
	}
	if h.History != nil {
		if _, err := h.History.DeleteByFilename(r.Context(), filename); err != nil {
			h.Logger.Warn().Err(err).Str("filename", filename).Msg("failed to delete history")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ExportImages(w http.ResponseWriter, r *http.Request) {
	names := strings.Split(r.URL.Query().Get("filenames"), ",")
	data, err := h.Service.ExportImages(r.Context(), names)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=wallpapers.zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListHistory returns persisted outcomes
func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		h.error(w, http.StatusNotFound, "history is disabled")
		return
	}
	q := r.URL.Query()
	query := storage.HistoryQuery{
		Search: q.Get("search"),
		Status: models.Phase(q.Get("status")),
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	query.Offset, _ = strconv.Atoi(q.Get("offset"))

	records, err := h.History.List(r.Context(), query)
	if err != nil {
		h.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.json(w, http.StatusOK, records)
}

// ListRecent returns the recent results kept in redis
func (h *Handlers) ListRecent(w http.ResponseWriter, r *http.Request) {
	if h.Recent == nil {
		h.error(w, http.StatusNotFound, "recent results are disabled")
		return
	}
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	results, err := h.Recent.Recent(r.Context(), limit)
	if err != nil {
		h.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.json(w, http.StatusOK, results)
}

// ListCached returns the images saved locally, newest first
func (h *Handlers) ListCached(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		h.error(w, http.StatusNotFound, "local cache is disabled")
		return
	}
	entries := h.Cache.Entries()
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"filename": e.Filename,
			"path":     e.FilePath,
			"size":     e.FileSize,
			"metadata": e.Metadata,
		})
	}
	h.json(w, http.StatusOK, map[string]any{
		"items": items,
		"stats": h.Cache.Stats(),
	})
}

// BackendStatus reports the managed service state
func (h *Handlers) BackendStatus(w http.ResponseWriter, r *http.Request) {
	if h.Backend == nil {
		h.json(w, http.StatusOK, map[string]any{"managed": false})
		return
	}
	h.json(w, http.StatusOK, map[string]any{
		"managed": true,
		"status":  string(h.Backend.Status()),
		"ready":   h.Backend.Ready(r.Context()),
	})
}

func (h *Handlers) serviceError(w http.ResponseWriter, err error) {
	var statusErr *generators.StatusError
	switch {
	case errors.Is(err, generators.ErrNotFound):
		h.error(w, http.StatusNotFound, "not found")
	case errors.As(err, &statusErr) && statusErr.StatusCode < 500:
		h.error(w, statusErr.StatusCode, statusErr.Error())
	default:
		h.Logger.Error().Err(err).Msg("service request failed")
		h.error(w, http.StatusBadGateway, "generation service unavailable")
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// NewRouter wires every route of the control server
func NewRouter(deps Deps) *chi.Mux {
	h := NewHandlers(deps)
	logger := deps.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ws/session", h.SessionStream)

	r.Route("/api", func(r chi.Router) {
		r.Use(requestLogger(logger))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/start", h.StartSession)
			r.Post("/reset", h.ResetSession)
		})

		r.Get("/presets", h.GetPresets)
		r.Get("/validate", h.ValidateResolution)
		r.Get("/base-resolution", h.BaseResolution)
		r.Get("/styles", h.ListStyles)

		r.Route("/gallery", func(r chi.Router) {
			r.Get("/", h.ListGallery)
			r.Get("/resolutions", h.ListResolutions)
			r.Get("/export", h.ExportImages)
			r.Delete("/{filename}", h.DeleteImage)
		})

		r.Get("/history", h.ListHistory)
		r.Get("/recent", h.ListRecent)
		r.Get("/cache", h.ListCached)
		r.Get("/backend", h.BackendStatus)
	})

	return r
}
