package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"image-compressor/internal/cache"
	"image-compressor/internal/config"
	"image-compressor/internal/handlers"
	"image-compressor/internal/logging"
	"image-compressor/internal/pool"
	"image-compressor/internal/preview"
	"image-compressor/internal/privilege"
	"image-compressor/internal/queue"
	"image-compressor/internal/services"
	"image-compressor/internal/sink"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log, closeLog, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		slog.Error("❌ failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("🚀 Starting Image Compressor API...")
	if err := cfg.Validate(); err != nil {
		log.Error("❌ invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("⚙️  runtime", "gomaxprocs", runtime.GOMAXPROCS(0), "env", cfg.AppEnv)

	// Initialize buffer pool
	log.Info("📦 Initializing buffer pool", "count", cfg.BufferPoolSize, "size", humanize.IBytes(uint64(cfg.BufferSize)))
	bufferPool := pool.NewBufferPool(cfg.BufferPoolSize, cfg.BufferSize)

	// One pool for every session; each RunGroup call gets its own barrier.
	log.Info("👷 Initializing worker pool", "group_size", cfg.BatchSize)
	workerPool := pool.NewWorkerPool(cfg.BatchSize)

	compressor := services.NewImageCompressor(bufferPool)
	downloader := services.NewDownloader(bufferPool, cfg.MaxFileSize, cfg.DownloadTimeout)

	progress := queue.ProgressConfig{
		Tick:  cfg.ProgressTick,
		Start: cfg.ProgressStart,
		Step:  cfg.ProgressStep,
		Cap:   cfg.ProgressCap,
	}
	quota := queue.QuotaPolicy{FreeLimit: cfg.FreeTierLimit}

	sessions := cache.NewSessionCache(cfg.SessionTTL, func(id string) *cache.Session {
		sessionLog := log.With("session", id)
		previews := preview.NewRegistry(cfg.PreviewSize)
		store := queue.NewStore(quota,
			queue.WithPreviews(previews),
			queue.WithMaxFileSize(cfg.MaxFileSize),
			queue.WithLogger(sessionLog),
		)
		scheduler := queue.NewScheduler(store, compressor, workerPool,
			queue.WithProgressConfig(progress),
			queue.WithSchedulerLogger(sessionLog),
		)
		return &cache.Session{Store: store, Scheduler: scheduler, Previews: previews}
	}, log)

	oracle, stopOracle := newOracle(cfg, log)
	resultSink := newSink(cfg, log)

	defaultFormat, err := services.ParseOutputFormat(cfg.DefaultOutputFormat)
	if err != nil {
		log.Error("❌ invalid DEFAULT_OUTPUT_FORMAT", "error", err)
		os.Exit(1)
	}

	// Initialize handler
	compressionHandler := handlers.NewCompressionHandler(handlers.Options{
		Sessions:   sessions,
		Oracle:     oracle,
		Fetcher:    downloader,
		Sink:       resultSink,
		Compressor: compressor,
		WorkerPool: workerPool,
		BufferPool: bufferPool,
		Defaults: services.CompressionOptions{
			Quality:      cfg.DefaultQuality,
			MaxWidth:     cfg.DefaultMaxWidth,
			MaxHeight:    cfg.DefaultMaxHeight,
			OutputFormat: defaultFormat,
		},
		MaxFileSize:    cfg.MaxFileSize,
		RequestTimeout: cfg.ReadTimeout,
		Logger:         log,
	})

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ServerHeader:     "ImageCompressor",
		AppName:          "Bulk Image Compressor API",
		BodyLimit:        cfg.BodyLimit,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		DisableKeepalive: false,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}

			return c.Status(code).JSON(fiber.Map{
				"success":   false,
				"error":     message,
				"timestamp": time.Now().Unix(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())

	if cfg.EnableCORS {
		app.Use(cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		}))
	}

	if cfg.EnablePerformanceLogs {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}

	// Routes
	api := app.Group("/api")
	compressionHandler.Routes(api)

	// Health check
	if cfg.EnableHealthCheck {
		api.Get("/health", compressionHandler.Health)
	}

	// Root endpoint
	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "Bulk Image Compressor API",
			"version": "1.0.0",
			"status":  "running",
			"endpoints": []string{
				"POST   /api/sessions",
				"DELETE /api/sessions/:sessionID",
				"POST   /api/sessions/:sessionID/items",
				"POST   /api/sessions/:sessionID/items/url",
				"GET    /api/sessions/:sessionID/items",
				"POST   /api/sessions/:sessionID/run",
				"POST   /api/sessions/:sessionID/retry",
				"PUT    /api/sessions/:sessionID/auto-process",
				"POST   /api/sessions/:sessionID/items/:itemID/preview/compressed",
				"POST   /api/compress/preview",
				"GET    /api/sessions/:sessionID/stats",
				"GET    /api/sessions/:sessionID/summary",
				"GET    /api/sessions/:sessionID/download",
				"POST   /api/sessions/:sessionID/export",
				"GET    /api/health",
			},
		})
	})

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("🛑 Shutting down gracefully...")

		// Stop background runs before their sessions go away
		compressionHandler.Shutdown()
		sessions.Stop()
		stopOracle()

		if err := app.Shutdown(); err != nil {
			log.Warn("⚠️  Error during shutdown", "error", err)
		}

		log.Info("👋 Goodbye!")
	}()

	// Start server
	log.Info("🌐 Server starting", "port", cfg.Port)
	log.Info("📊 Free tier", "limit", cfg.FreeTierLimit, "max_file_size", humanize.IBytes(uint64(cfg.MaxFileSize)))
	log.Info("✅ Ready to compress images!")

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error("❌ Failed to start server", "error", err)
		os.Exit(1)
	}
}

// newOracle picks the remote subscription check when configured and falls
// back to the static token list.
func newOracle(cfg *config.Config, log *slog.Logger) (privilege.Oracle, func()) {
	if cfg.SubscriptionCheckURL == "" {
		log.Info("🔑 privilege oracle: static tokens", "tokens", len(cfg.PrivilegedTokens))
		return privilege.NewStaticOracle(cfg.PrivilegedTokens), func() {}
	}
	log.Info("🔑 privilege oracle: subscription check", "url", cfg.SubscriptionCheckURL, "cache_ttl", cfg.PrivilegeCacheTTL)
	cached := privilege.NewCachingOracle(privilege.NewHTTPOracle(cfg.SubscriptionCheckURL, cfg.DownloadTimeout), cfg.PrivilegeCacheTTL, log)
	return cached, cached.Stop
}

// newSink prefers the S3 bucket and falls back to the local directory.
// A nil sink disables export.
func newSink(cfg *config.Config, log *slog.Logger) sink.Sink {
	if cfg.SinkS3Endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := sink.NewMinioSink(ctx, sink.MinioOptions{
			Endpoint:  cfg.SinkS3Endpoint,
			AccessKey: cfg.SinkS3AccessKey,
			SecretKey: cfg.SinkS3SecretKey,
			Bucket:    cfg.SinkS3Bucket,
			UseSSL:    cfg.SinkS3UseSSL,
		})
		if err == nil {
			log.Info("💾 result sink: bucket", "endpoint", cfg.SinkS3Endpoint, "bucket", cfg.SinkS3Bucket)
			return s
		}
		log.Warn("⚠️  bucket sink unavailable, falling back to directory", "error", err)
	}
	if cfg.SinkDir == "" {
		log.Warn("⚠️  no result sink configured, export disabled")
		return nil
	}
	s, err := sink.NewDirSink(cfg.SinkDir)
	if err != nil {
		log.Warn("⚠️  directory sink unavailable, export disabled", "error", err)
		return nil
	}
	log.Info("💾 result sink: directory", "dir", cfg.SinkDir)
	return s
}
