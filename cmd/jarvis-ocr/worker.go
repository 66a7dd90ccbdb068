package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvishome/jarvis-ocr/internal/config"
	"github.com/jarvishome/jarvis-ocr/internal/pipeline"
	"github.com/jarvishome/jarvis-ocr/internal/providers"
	"github.com/jarvishome/jarvis-ocr/internal/queue"
	"github.com/jarvishome/jarvis-ocr/internal/redisdev"
	"github.com/jarvishome/jarvis-ocr/internal/reply"
	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/server"
	"github.com/jarvishome/jarvis-ocr/internal/statestore"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
	"github.com/jarvishome/jarvis-ocr/internal/validator"
	"github.com/jarvishome/jarvis-ocr/internal/worker"
)

var devRedis bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the OCR worker",
	Long: `Run the OCR worker.

This starts the queue consumer and the HTTP server in one process. The
consumer pops jobs from the shared input queue and drives the tier
cascade; the HTTP server receives validation callbacks from the LLM
proxy plus health and readiness probes.

Examples:
  jarvis-ocr worker                # Use Redis from REDIS_HOST/REDIS_PORT
  jarvis-ocr worker --dev-redis    # Start a local Redis container first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		if devRedis {
			rd, err := redisdev.NewManager(redisdev.Config{HostPort: fmt.Sprint(cfg.RedisPort)})
			if err != nil {
				return err
			}
			defer rd.Close()
			logger.Info("starting dev redis container")
			if err := rd.Start(ctx); err != nil {
				return fmt.Errorf("failed to start dev redis: %w", err)
			}
		}

		q := queue.NewClient(queue.Config{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			Logger:   logger,
		})
		defer q.Close()
		if err := q.WaitReady(ctx, 30*time.Second); err != nil {
			return fmt.Errorf("redis not reachable at %s: %w", cfg.RedisAddr(), err)
		}

		store := statestore.New(q.Redis(), time.Duration(cfg.StateTTLSeconds)*time.Second, logger)

		res := resolver.New(resolver.Config{
			LocalRoot:        cfg.LocalImageRoot,
			S3Endpoint:       cfg.S3EndpointURL,
			S3Region:         cfg.S3Region,
			S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
			S3ForcePathStyle: cfg.S3ForcePathStyle,
			Logger:           logger,
		})

		registry := buildRegistry(cfg, logger)
		registry.Probe(ctx)
		active := registry.Filter(cfg.ConfiguredTiers())
		if len(active) == 0 {
			return fmt.Errorf("no configured OCR tier is available on this host")
		}
		logger.Info("tier cascade resolved", "tiers", tiers.Names(active))

		vc := validator.NewClient(validator.Config{
			ProxyURL:    cfg.LLMProxyURL,
			AppID:       cfg.AppID,
			AppKey:      cfg.AppKey,
			Model:       cfg.ValidationModel,
			CallbackURL: cfg.PublicURL + "/internal/validation/callback",
			Logger:      logger,
		})

		var minConf *float64
		if cfg.MinConfidenceSet {
			v := cfg.MinConfidence
			minConf = &v
		}

		pipe := pipeline.New(pipeline.Config{
			MaxTextBytes:    cfg.MaxTextBytes,
			MaxAttempts:     cfg.MaxAttempts,
			MinConfidence:   minConf,
			DefaultLanguage: cfg.LanguageDefault,
			ActiveTiers:     active,
		}, registry, res, store, vc, reply.NewEmitter(q, logger), q, logger)

		srv := server.New(server.Config{Port: cfg.Port, Logger: logger}, pipe, q)
		w := worker.New(worker.Config{Logger: logger}, q, store, pipe, pipe)

		mgr.OnChange(func(c *config.Config) {
			next := registry.Filter(c.ConfiguredTiers())
			if len(next) == 0 {
				logger.Warn("reloaded tier list has no available engine on this host; keeping current cascade")
				return
			}
			pipe.SetActiveTiers(next)
			logger.Info("tier cascade updated", "tiers", tiers.Names(next))
		})
		mgr.WatchConfig()

		// Either loop failing (a port bind error, say) must take the other
		// one down with it instead of leaving a half-alive worker.
		return worker.RunGroup(ctx, srv.Start, w.Run)
	},
}

// buildRegistry registers every known engine driver. Probing decides
// which of them actually serve traffic on this host.
func buildRegistry(cfg *config.Config, logger *slog.Logger) *providers.Registry {
	registry := providers.NewRegistry(time.Duration(cfg.TierTimeoutSeconds)*time.Second, logger)
	registry.Register(providers.NewTesseractDriver(0))
	registry.Register(providers.NewEasyOCRDriver(0))
	registry.Register(providers.NewPaddleOCRDriver(0))
	registry.Register(providers.NewAppleVisionDriver(0))
	registry.Register(providers.NewLLMProxyDriver(providers.LLMProxyConfig{
		BaseURL: cfg.LLMProxyURL,
		AppID:   cfg.AppID,
		AppKey:  cfg.AppKey,
		RPS:     2,
	}))
	registry.Register(providers.NewOpenAIDriver(providers.OpenAIConfig{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		RPS:    1,
	}))
	return registry
}

func init() {
	workerCmd.Flags().BoolVar(&devRedis, "dev-redis", false, "Start a local Redis container before the worker")
	rootCmd.AddCommand(workerCmd)
}
