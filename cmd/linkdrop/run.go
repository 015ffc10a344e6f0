package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipeed/linkdrop/pkg/audit"
	"github.com/sipeed/linkdrop/pkg/channels"
	"github.com/sipeed/linkdrop/pkg/config"
	"github.com/sipeed/linkdrop/pkg/conversation"
	"github.com/sipeed/linkdrop/pkg/extractor"
	"github.com/sipeed/linkdrop/pkg/health"
	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/pipeline"
	"github.com/sipeed/linkdrop/pkg/session"
	"github.com/sipeed/linkdrop/pkg/worker"
	"github.com/sipeed/linkdrop/pkg/workspace"
)

type runOptions struct {
	configPath string
	logLevel   string
}

// loadConfig reads and validates the configuration and applies logging
// settings.
func loadConfig(opts runOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(logger.FileOptions{
			Path:       cfg.Logging.FilePath,
			Rotate:     cfg.Logging.RotationEnabled,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openSessions(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.Sessions.Backend != "redis" {
		return session.NewMemoryStore(), func() {}, nil
	}
	client, err := session.DialRedis(ctx, cfg.Sessions.Redis)
	if err != nil {
		return nil, nil, err
	}
	ttl := time.Duration(cfg.Sessions.Redis.TTLMinutes) * time.Minute
	return session.NewRedisStore(client, ttl), func() { client.Close() }, nil
}

func runBot(ctx context.Context, opts runOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer logger.DisableFileLogging()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cfg.Workspace.Root
	if err := workspace.Prepare(root); err != nil {
		return err
	}
	janitor, err := workspace.NewJanitor(root, cfg.Workspace.JanitorSchedule,
		time.Duration(cfg.Workspace.StaleAfterMinutes)*time.Minute)
	if err != nil {
		return err
	}
	// One sweep at startup, then on schedule.
	if n, err := janitor.Sweep(); err == nil && n > 0 {
		logger.InfoCF("main", "Removed leftovers from previous run", map[string]interface{}{"removed": n})
	}
	go janitor.Run(ctx)

	store, closeStore, err := openSessions(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := extractor.ForEngine(cfg.Extractor.Engine,
		extractor.NewYtDlp(cfg.Extractor.YtDlpPath, cfg.Extractor.FFmpegPath),
		extractor.NewYouTube(cfg.Extractor.FFmpegPath))
	if err != nil {
		return err
	}

	tg, err := channels.NewTelegramChannel(cfg.Telegram)
	if err != nil {
		return err
	}

	sinks := audit.Multi{}
	var history conversation.History
	if cfg.Audit.HistoryPath != "" {
		hs, err := audit.OpenHistory(cfg.Audit.HistoryPath)
		if err != nil {
			return err
		}
		defer hs.Close()
		sinks = append(sinks, hs)
		history = hs
	}
	if cfg.Telegram.LogChatID != 0 {
		sinks = append(sinks, audit.NewChatSink(tg, cfg.Telegram.LogChatID))
	}

	pipe := pipeline.New(backend, tg, sinks, pipeline.Options{
		WorkRoot:         root,
		MaxPartSize:      cfg.MaxPartSize(),
		PartPause:        time.Duration(cfg.Transfer.PartPauseMS) * time.Millisecond,
		ProgressInterval: time.Duration(cfg.Transfer.ProgressIntervalMS) * time.Millisecond,
		CookieFile:       cfg.Extractor.CookieFile,
	})
	pool := worker.NewPool(cfg.Transfer.MaxConcurrentJobs, cfg.Transfer.QueueSize)
	machine := conversation.NewMachine(store, tg, pipe, pool, conversation.Options{
		WorkRoot: root,
		History:  history,
	})

	var healthErrs <-chan error
	if cfg.Health.Enabled {
		srv := health.NewServer(cfg.HealthAddr(), func() map[string]interface{} {
			return map[string]interface{}{
				"telegram": tg.IsRunning(),
				"sessions": cfg.Sessions.Backend,
				"engine":   cfg.Extractor.Engine,
			}
		})
		healthErrs = srv.Start(ctx)
	}

	if err := tg.Start(ctx, machine); err != nil {
		return err
	}
	logger.InfoCF("main", "linkdrop running", map[string]interface{}{
		"version":       version,
		"engine":        cfg.Extractor.Engine,
		"sessions":      cfg.Sessions.Backend,
		"max_part_size": cfg.MaxPartSize(),
		"workers":       cfg.Transfer.MaxConcurrentJobs,
	})

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-healthErrs:
		if ok && err != nil {
			runErr = fmt.Errorf("health endpoint: %w", err)
		}
	}
	stop()

	logger.InfoC("main", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tg.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.WarnCF("main", "Telegram stop failed", map[string]interface{}{"error": err.Error()})
	}
	pool.Close()
	return runErr
}
