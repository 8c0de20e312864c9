package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/engine"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/presets"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/web"
)

// requestFlags are the generation settings shared by generate and batch
type requestFlags struct {
	preset       string
	resolution   string
	negative     string
	steps        int
	guidance     float64
	seed         int64
	noUpscale    bool
	upscaleModel string
	style        string
	enhance      bool
}

func (f *requestFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.preset, "preset", "", "device preset name, e.g. \"4K (UHD)\"")
	fs.StringVar(&f.resolution, "size", "", "target resolution WIDTHxHEIGHT")
	fs.StringVar(&f.negative, "negative", "", "negative prompt")
	fs.IntVar(&f.steps, "steps", 0, "inference steps")
	fs.Float64Var(&f.guidance, "guidance", 0, "guidance scale")
	fs.Int64Var(&f.seed, "seed", models.RandomSeed, "seed, -1 for random")
	fs.BoolVar(&f.noUpscale, "no-upscale", false, "skip upscaling")
	fs.StringVar(&f.upscaleModel, "upscale-model", "", "upscaler model name")
	fs.StringVar(&f.style, "style", "", "prompt style template")
	fs.BoolVar(&f.enhance, "enhance", false, "rewrite the prompt with the enhancer")
}

// apply overlays the flags that were set on req
func (f *requestFlags) apply(req models.GenerationRequest) (models.GenerationRequest, error) {
	if f.preset != "" {
		p, ok := presets.Lookup(f.preset)
		if !ok {
			return req, fmt.Errorf("unknown preset %q", f.preset)
		}
		req.TargetWidth, req.TargetHeight = p.Width, p.Height
	}
	if f.resolution != "" {
		res, err := presets.ParseResolution(f.resolution)
		if err != nil {
			return req, err
		}
		if err := presets.ValidateResolution(res.Width(), res.Height()); err != nil {
			return req, err
		}
		req.TargetWidth, req.TargetHeight = res.Width(), res.Height()
	}
	if f.negative != "" {
		req.NegativePrompt = f.negative
	}
	if f.steps > 0 {
		req.Steps = f.steps
	}
	if f.guidance > 0 {
		req.GuidanceScale = f.guidance
	}
	if f.seed != models.RandomSeed {
		req.Seed = f.seed
	}
	if f.noUpscale {
		req.EnableUpscaling = false
	}
	if f.upscaleModel != "" {
		req.UpscaleModel = f.upscaleModel
	}
	return req, nil
}

// rewritePrompt applies the style template and the enhancer
func (a *app) rewritePrompt(ctx context.Context, req models.GenerationRequest, style string, enhance bool) (models.GenerationRequest, error) {
	if style != "" {
		rendered, err := a.styles.Render(style, req.Prompt, nil)
		if err != nil {
			return req, err
		}
		req.Prompt = rendered
		if tmpl, err := a.styles.Get(style); err == nil && tmpl.NegativePrompt != "" {
			req.NegativePrompt = tmpl.NegativePrompt
		}
	}
	if enhance {
		if a.enhancer == nil {
			return req, errors.New("prompt enhancer is disabled in config")
		}
		enhanced, err := a.enhancer.Enhance(ctx, req.Prompt)
		if err != nil {
			return req, err
		}
		a.logger.Info().Str("prompt", enhanced).Msg("prompt enhanced")
		req.Prompt = enhanced
	}
	return req, nil
}

// progressPrinter writes one line per stage change or whole percent
func progressPrinter(w io.Writer) engine.ObserverFunc {
	lastStage, lastPct := "", -1
	return func(st models.SessionState) {
		if st.Phase != models.PhaseGenerating || st.Progress == nil {
			return
		}
		p := st.Progress
		pct := p.Percent()
		if p.Stage == lastStage && pct == lastPct {
			return
		}
		lastStage, lastPct = p.Stage, pct
		fmt.Fprintf(w, "[%3d%%] %-16s %s\n", pct, p.Label(), p.Message)
	}
}

func runGenerate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "config file")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	var rf requestFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := rf.apply(cfg.Defaults.Request(prompt))
	if err != nil {
		return err
	}
	if !req.HasPrompt() {
		return engine.ErrEmptyPrompt
	}
	if req, err = a.rewritePrompt(ctx, req, rf.style, rf.enhance); err != nil {
		return err
	}
	if err := a.startBackend(ctx); err != nil {
		return err
	}

	state, err := a.generateOne(ctx, req, *timeout, os.Stderr)
	if err != nil {
		return err
	}
	return a.report(ctx, stdout, state)
}

func (a *app) generateOne(ctx context.Context, req models.GenerationRequest, timeout time.Duration, progress io.Writer) (models.SessionState, error) {
	unsubscribe := a.session.Subscribe(progressPrinter(progress))
	defer unsubscribe()

	if err := a.session.Start(ctx, req); err != nil {
		return models.SessionState{}, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	state, err := engine.Await(waitCtx, a.session)
	if err != nil {
		a.session.Reset()
		return state, err
	}
	return state, nil
}

// report prints a terminal snapshot and saves the image locally
func (a *app) report(ctx context.Context, w io.Writer, state models.SessionState) error {
	if state.Phase == models.PhaseError {
		return fmt.Errorf("generation failed: %s", state.Error)
	}
	res := state.Result
	fmt.Fprintf(w, "filename: %s\n", res.Filename)
	fmt.Fprintf(w, "seed:     %d\n", res.SeedUsed)
	fmt.Fprintf(w, "base:     %s\n", res.BaseResolution)
	fmt.Fprintf(w, "target:   %s\n", res.TargetResolution)
	fmt.Fprintf(w, "url:      %s\n", a.client.ImageURL(res.ImageURL))

	if a.cache != nil {
		path, err := a.cache.Save(ctx, state)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "saved:    %s\n", path)
	}
	return nil
}

// batchFile is the YAML accepted by the batch command. Requests override
// the configured defaults field by field; Prompts is shorthand for
// requests that only set a prompt.
type batchFile struct {
	Prompts  []string    `yaml:"prompts"`
	Requests []batchItem `yaml:"requests"`
}

type batchItem struct {
	Prompt          string   `yaml:"prompt"`
	Preset          string   `yaml:"preset"`
	NegativePrompt  *string  `yaml:"negative_prompt"`
	TargetWidth     *int     `yaml:"target_width"`
	TargetHeight    *int     `yaml:"target_height"`
	Steps           *int     `yaml:"num_inference_steps"`
	GuidanceScale   *float64 `yaml:"guidance_scale"`
	Seed            *int64   `yaml:"seed"`
	EnableUpscaling *bool    `yaml:"enable_upscaling"`
	UpscaleModel    *string  `yaml:"upscale_model"`
}

func parseBatchFile(data []byte, defaults config.DefaultsConfig) ([]models.GenerationRequest, error) {
	var file batchFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}

	out := make([]models.GenerationRequest, 0, len(file.Prompts)+len(file.Requests))
	for _, p := range file.Prompts {
		out = append(out, defaults.Request(p))
	}
	for i, item := range file.Requests {
		req := defaults.Request(item.Prompt)
		if item.Preset != "" {
			p, ok := presets.Lookup(item.Preset)
			if !ok {
				return nil, fmt.Errorf("request %d: unknown preset %q", i, item.Preset)
			}
			req.TargetWidth, req.TargetHeight = p.Width, p.Height
		}
		if item.TargetWidth != nil {
			req.TargetWidth = *item.TargetWidth
		}
		if item.TargetHeight != nil {
			req.TargetHeight = *item.TargetHeight
		}
		if item.NegativePrompt != nil {
			req.NegativePrompt = *item.NegativePrompt
		}
		if item.Steps != nil {
			req.Steps = *item.Steps
		}
		if item.GuidanceScale != nil {
			req.GuidanceScale = *item.GuidanceScale
		}
		if item.Seed != nil {
			req.Seed = *item.Seed
		}
		if item.EnableUpscaling != nil {
			req.EnableUpscaling = *item.EnableUpscaling
		}
		if item.UpscaleModel != nil {
			req.UpscaleModel = *item.UpscaleModel
		}
		out = append(out, req)
	}
	if len(out) == 0 {
		return nil, errors.New("batch file has no requests")
	}
	return out, nil
}

func runBatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "config file")
	file := fs.String("file", "", "YAML file with prompts or requests")
	style := fs.String("style", "", "prompt style template applied to every request")
	enhance := fs.Bool("enhance", false, "rewrite every prompt with the enhancer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	requests, err := parseBatchFile(data, cfg.Defaults)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	for i := range requests {
		if requests[i], err = a.rewritePrompt(ctx, requests[i], *style, *enhance); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
	}
	if err := a.startBackend(ctx); err != nil {
		return err
	}

	unsubscribe := a.session.Subscribe(progressPrinter(os.Stderr))
	defer unsubscribe()

	queue := engine.NewBatchQueue(a.session, cfg.Queue.ItemTimeout, logger)
	results, runErr := queue.Run(ctx, requests, func(r engine.QueueResult) {
		fmt.Fprintf(stdout, "--- request %d/%d (%s)\n", r.Index+1, len(requests), r.Duration.Round(time.Second))
		if r.Err != nil {
			fmt.Fprintf(stdout, "error: %v\n", r.Err)
			return
		}
		if err := a.report(ctx, stdout, r.State); err != nil {
			fmt.Fprintf(stdout, "error: %v\n", err)
		}
	})

	ok := 0
	for _, r := range results {
		if r.Succeeded() {
			ok++
		}
	}
	fmt.Fprintf(stdout, "%d of %d succeeded\n", ok, len(requests))
	if runErr != nil {
		return runErr
	}
	if ok < len(requests) {
		return fmt.Errorf("%d requests failed", len(requests)-ok)
	}
	return nil
}

func runGallery(ctx context.Context, args []string, stdout io.Writer) error {
	action := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("gallery "+action, flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "config file")
	search := fs.String("search", "", "filter by prompt or filename")
	resolution := fs.String("resolution", "", "filter by target resolution, e.g. 3840x2160")
	page := fs.Int("page", 1, "page number")
	perPage := fs.Int("per-page", 9, "items per page")
	output := fs.String("o", "wallpapers.zip", "export destination")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch action {
	case "list":
		result, err := a.client.ListGallery(ctx, models.GalleryQuery{
			Search:     *search,
			Resolution: *resolution,
			Page:       *page,
			PerPage:    *perPage,
		})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILENAME\tRESOLUTION\tSEED\tPROMPT")
		for _, item := range result.Items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Filename, formatDims(item.TargetResolution), formatSeed(item.Seed), truncate(deref(item.Prompt), 60))
		}
		tw.Flush()
		fmt.Fprintf(stdout, "page %d of %d (%d images)\n", result.Page, result.TotalPages, result.Total)
		return nil

	case "resolutions":
		list, err := a.client.ListResolutions(ctx)
		if err != nil {
			return err
		}
		for _, r := range list {
			fmt.Fprintln(stdout, r)
		}
		return nil

	case "delete":
		if fs.NArg() == 0 {
			return errors.New("no filenames given")
		}
		for _, name := range fs.Args() {
			if err := a.client.DeleteImage(ctx, name); err != nil {
				return err
			}
			if a.cache != nil {
				_ = a.cache.Remove(name)
			}
			fmt.Fprintf(stdout, "deleted %s\n", name)
		}
		return nil

	case "export":
		data, err := a.client.ExportImages(ctx, fs.Args())
		if err != nil {
			return err
		}
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", *output, err)
		}
		fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", *output, len(data))
		return nil

	default:
		return fmt.Errorf("unknown gallery action %q", action)
	}
}

func runPresets(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("presets", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "config file")
	size := fs.String("size", "", "compute the base resolution for WIDTHxHEIGHT instead of listing")
	offline := fs.Bool("offline", false, "do not ask the service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *size != "" {
		target, err := presets.ParseResolution(*size)
		if err != nil {
			return err
		}
		if err := presets.ValidateResolution(target.Width(), target.Height()); err != nil {
			fmt.Fprintf(stdout, "warning: %v\n", err)
		}
		base := presets.BaseResolution(target.Width(), target.Height(), presets.DefaultBaseSize)
		factor := presets.UpscaleFactor(base, target)
		fmt.Fprintf(stdout, "target:  %s\nbase:    %s\nupscale: %dx (%s)\n", target, base, factor, presets.UpscaleModelFor(factor))
		return nil
	}

	cfg := presets.Offline()
	if !*offline {
		conf, logger, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		a, err := newApp(conf, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		remote, err := a.client.FetchPresets(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("service unavailable, showing built-in presets")
		} else {
			cfg = *remote
		}
	}

	categories := make([]string, 0, len(cfg.Presets))
	for c := range cfg.Presets {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, c := range categories {
		fmt.Fprintf(tw, "%s\n", c)
		for _, p := range cfg.Presets[c] {
			fmt.Fprintf(tw, "  %s\t%dx%d\n", p.Name, p.Width, p.Height)
		}
	}
	tw.Flush()
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := web.NewSessionHub(a.session.Snapshot(), logger)
	a.session.Subscribe(hub)
	if a.cache != nil {
		a.session.Subscribe(a.cache)
	}

	router := web.NewRouter(web.Deps{
		Config:    cfg,
		Session:   a.session,
		Hub:       hub,
		Service:   a.client,
		Templates: a.styles,
		Enhancer:  a.enhancer,
		Cache:     a.cache,
		Recent:    a.recent,
		History:   a.history,
		Backend:   a.backend,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.startBackend(gctx); err != nil {
			logger.Error().Err(err).Msg("generation service not ready")
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func formatDims(dims []int) string {
	if len(dims) != 2 {
		return "-"
	}
	return fmt.Sprintf("%dx%d", dims[0], dims[1])
}

func formatSeed(seed *int64) string {
	if seed == nil {
		return "-"
	}
	return fmt.Sprint(*seed)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
