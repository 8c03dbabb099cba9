package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"camrelay/internal/api"
	"camrelay/internal/auth"
	"camrelay/internal/camera"
	"camrelay/internal/config"
	"camrelay/internal/database"
	"camrelay/internal/inference"
	"camrelay/internal/log"
	"camrelay/internal/session"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file (optional)")
		listenF = flag.String("listen", "", "Listen address (overrides server.listen_addr)")
		watchF  = flag.Bool("watch", true, "Reload log level when the config file changes")
	)
	flag.Parse()

	if err := run(*configF, *listenF, *watchF); err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.ListenAddr = listen
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "camrelay"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence is optional; an empty path keeps sessions in memory only.
	var (
		db    *database.Database
		store session.Store
	)
	if cfg.Database.Path != "" {
		db, err = database.New(cfg.Database.Path, log.WithComponent("database"))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		store = db
	}

	authCfg := cfg.Authentication()
	if authCfg.Enabled {
		var secrets auth.SecretStore
		if db != nil {
			secrets = db
		}
		authCfg.JWTSecret, err = auth.ResolveSecret(ctx, authCfg.JWTSecret, secrets)
		if err != nil {
			return err
		}
	}
	authenticator, err := auth.NewAuthenticator(authCfg)
	if err != nil {
		return err
	}

	backend, err := inference.New(cfg.InferenceBackend())
	if err != nil {
		return err
	}
	defer backend.Close()

	sourceOpts := camera.Options{
		FFmpegPath:     cfg.Camera.FFmpegPath,
		ConnectTimeout: cfg.Camera.ConnectTimeout,
		Logger:         log.WithComponent("camera"),
	}
	registry := session.NewRegistry(session.Options{
		Sources: func(d camera.Descriptor) (camera.Source, error) {
			return camera.NewSource(d, sourceOpts)
		},
		Backend:          backend,
		BusCapacity:      cfg.Pipeline.BusCapacity,
		MaxLatency:       cfg.Pipeline.MaxLatency,
		Policy:           cfg.ReconnectPolicy(),
		FailureThreshold: cfg.Pipeline.FailureThreshold,
		FPSWindow:        cfg.Pipeline.FPSWindow,
		LatencyWindow:    cfg.Pipeline.LatencyWindow,
		MaxErrors:        cfg.Pipeline.MaxErrors,
		Channel:          cfg.ResultChannel(),
		Logger:           log.WithComponent("session"),
	}, store)
	defer registry.Close()

	if _, err := registry.Restore(ctx); err != nil {
		return err
	}

	opts := api.Options{
		Registry:       registry,
		Auth:           authenticator,
		Backend:        backend,
		RateLimit:      cfg.Server.RateLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log.WithComponent("api"),
	}
	if db != nil {
		opts.Database = db
	}
	server := api.New(opts)

	logger.Info().
		Str("listen", cfg.Server.ListenAddr).
		Str("inference_backend", backend.Name()).
		Bool("auth", authenticator.IsEnabled()).
		Msg("starting camrelay")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(ctx, cfg.Server, server.Handler(), log.WithComponent("http"))
	})
	if watch && configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, log.WithComponent("config"), func(next config.Config) {
				log.SetLevel(next.Log.Level)
			})
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("camrelay stopped")
	return err
}
