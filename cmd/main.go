package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/adapters"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/engine"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/generators"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/infra"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/prompts"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/storage"
)

const usage = `usage: wallgen <command> [flags]

commands:
  generate   generate one wallpaper
  batch      generate every request in a YAML file, one after another
  gallery    list, delete or export images on the service
  presets    show device presets or compute a base resolution
  serve      run the local control server
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, stdout io.Writer) error {
	switch command {
	case "generate":
		return runGenerate(ctx, args, stdout)
	case "batch":
		return runBatch(ctx, args, stdout)
	case "gallery":
		return runGallery(ctx, args, stdout)
	case "presets":
		return runPresets(ctx, args, stdout)
	case "serve":
		return runServe(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

// app holds the components shared by the commands
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	client   *generators.ServiceClient
	session  *engine.Session
	cache    *generators.ImageCache
	recent   *storage.RedisStore
	history  *storage.HistoryStore
	enhancer prompts.Enhancer
	styles   *prompts.TemplateEngine
	backend  *infra.BackendManager
}

func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, infra.NewLogger(cfg.Logging), nil
}

// newApp builds every component. Redis and history are optional: a failure
// to connect is logged and the component is left out.
func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		client: generators.NewServiceClient(cfg.Service.BaseURL, &http.Client{Timeout: cfg.Service.RequestTimeout}),
		styles: prompts.NewTemplateEngine(),
	}

	dialer, err := adapters.NewWebsocketDialer(adapters.WebsocketOptions{
		BaseURL:          cfg.Service.BaseURL,
		Path:             cfg.Service.WebsocketPath,
		HandshakeTimeout: cfg.Service.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	a.session = engine.NewSession(dialer, logger)

	if cfg.Output.Download {
		a.cache = generators.NewImageCache(cfg.Output.Dir, a.client, cfg.Output.SaveMetadata, logger)
		if err := a.cache.Initialize(); err != nil {
			return nil, err
		}
	}

	if cfg.Database.Redis.Enabled {
		recent, err := storage.NewRedisStore(cfg.Database.Redis, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, recent results disabled")
		} else {
			a.recent = recent
			a.session.Subscribe(recent)
		}
	}

	if cfg.Database.History.Enabled {
		history, err := storage.OpenHistoryStore(cfg.Database.History, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("history database unavailable, history disabled")
		} else {
			a.history = history
			a.session.Subscribe(history)
		}
	}

	if cfg.AI.Enhancer.Enabled {
		if cfg.AI.Enhancer.APIKey == "" {
			logger.Warn().Msg("no enhancer API key provided, using static enhancer")
			a.enhancer = prompts.StaticEnhancer{}
		} else {
			a.enhancer = prompts.NewOpenAIEnhancer(prompts.OpenAIOptions{
				APIKey:   cfg.AI.Enhancer.APIKey,
				BaseURL:  cfg.AI.Enhancer.BaseURL,
				Model:    cfg.AI.Enhancer.Model,
				Timeout:  cfg.AI.Enhancer.Timeout,
				Fallback: prompts.StaticEnhancer{},
				Logger:   logger,
			})
		}
	}

	if cfg.Backend.AutoStart {
		a.backend = infra.NewBackendManager(cfg.Backend, a.client, logger)
	}
	return a, nil
}

// startBackend launches the managed service when configured
func (a *app) startBackend(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	return a.backend.Start(ctx)
}

func (a *app) Close() {
	_ = a.session.Close()
	if a.cache != nil {
		a.cache.Wait()
	}
	if a.history != nil {
		if !a.history.Flush(5 * time.Second) {
			a.logger.Warn().Msg("history writes still pending at shutdown")
		}
		_ = a.history.Close()
	}
	if a.recent != nil {
		_ = a.recent.Close()
	}
	if a.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.backend.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to stop generation service")
		}
	}
}
