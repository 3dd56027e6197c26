package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/api"
	"github.com/orrn/printd/internal/artifact"
	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/logger"
	"github.com/orrn/printd/internal/printer"
	"github.com/orrn/printd/internal/render"
	"github.com/orrn/printd/internal/service"
	"github.com/orrn/printd/internal/version"
	"github.com/orrn/printd/internal/webhook"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	serviceMode := flag.Bool("service", false, "run under the Windows service manager")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	if err := run(*configPath, *serviceMode); err != nil {
		fmt.Fprintf(os.Stderr, "printd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, forceService bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("starting printd",
		zap.String("version", version.Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("os", runtime.GOOS))

	store, err := artifact.NewStore(artifact.Config{
		Dir:          cfg.Artifacts.Dir,
		SuffixLength: cfg.Artifacts.SuffixLength,
		StaleAfter:   cfg.Artifacts.StaleAfter,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	if n, err := store.Sweep(); err != nil {
		log.Warn("failed to sweep stale artifacts", zap.Error(err))
	} else if n > 0 {
		log.Info("removed stale artifacts", zap.Int("count", n), zap.String("dir", store.Dir()))
	}

	runner := printer.ExecRunner{Env: []string{"LC_ALL=C"}}
	directory := printer.NewDirectory(runtime.GOOS, runner)
	dispatcher := printer.NewDispatcher(
		printer.NewCommand(runtime.GOOS, cfg.Dispatch.LPRPath, cfg.Dispatch.PDFToPrinterPath, runner),
		cfg.Dispatch.Timeout,
		log,
	)

	renderer := render.NewRenderer(render.NewChromedpFactory(render.ChromedpConfig{
		ExecPath:  cfg.Render.ChromePath,
		NoSandbox: cfg.Render.NoSandbox,
		Logger:    log,
	}), cfg.Render.Timeout, log)

	var notifier core.Notifier
	if len(cfg.Webhooks.Endpoints) > 0 {
		sender := webhook.NewSender(cfg.Webhooks, log)
		sender.Start()
		defer sender.Stop()
		notifier = sender
	}

	pipeline := core.NewPipeline(core.PipelineConfig{
		Directory:     directory,
		Renderer:      renderer,
		Stager:        store,
		Dispatcher:    dispatcher,
		Notifier:      notifier,
		LookupTimeout: cfg.Dispatch.DirectoryTimeout,
		Logger:        log,
	})

	router := api.NewRouter(api.RouterConfig{
		Directory:        directory,
		Pipeline:         pipeline,
		DirectoryTimeout: cfg.Dispatch.DirectoryTimeout,
		CORSOrigins:      cfg.Server.CORSOrigins,
		Logger:           log,
	})

	controller := service.NewController(service.ControllerConfig{
		Listener: service.NewHTTPListener(service.ListenerConfig{
			Addr:         cfg.Server.Addr(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, router, log),
		InFlight:        pipeline,
		StopCode:        cfg.Service.StopCode,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          log,
	})

	isService, err := service.IsService()
	if err != nil {
		return fmt.Errorf("failed to detect service mode: %w", err)
	}
	if isService || forceService {
		log.Info("running as service", zap.String("name", cfg.Service.Name))
		if err := service.RunService(context.Background(), cfg.Service.Name, controller); err != nil {
			return fmt.Errorf("service %s: %w", cfg.Service.Name, err)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return controller.Run(ctx)
}
