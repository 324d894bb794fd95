package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/survey-quality/dashboard/internal/aggregate"
	"github.com/survey-quality/dashboard/internal/api/handlers"
	"github.com/survey-quality/dashboard/internal/metrics"
	"github.com/survey-quality/dashboard/internal/middleware/ratelimit"
	"github.com/survey-quality/dashboard/internal/middleware/security"
	"github.com/survey-quality/dashboard/internal/ona"
	"github.com/survey-quality/dashboard/internal/render"
	"github.com/survey-quality/dashboard/internal/scheduler"
	"github.com/survey-quality/dashboard/internal/storage/sqlite"
	"github.com/survey-quality/dashboard/internal/transform"
	"github.com/survey-quality/dashboard/pkg/config"
	appLogger "github.com/survey-quality/dashboard/pkg/logger"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting survey quality dashboard")

	metrics.Init()

	cutoff, err := cfg.Refresh.ParseCutoff()
	if err != nil {
		appLogger.Fatal("Invalid refresh cutoff", zap.Error(err))
	}

	store, err := sqlite.NewClient(cfg.Storage.Path)
	if err != nil {
		appLogger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	err = store.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	fetcher := ona.NewClient(ona.Config{
		URL:         cfg.ONA.FetchURL(),
		Token:       cfg.ONA.APIToken,
		Timeout:     cfg.ONA.Timeout(),
		MaxAttempts: cfg.ONA.MaxAttempts,
	})

	transformer := transform.New(transform.Config{
		GeopointField:   cfg.Mapping.Geopoint,
		DurationField:   cfg.Mapping.Duration,
		SubmittedField:  cfg.Mapping.SubmittedAt,
		DistrictField:   cfg.Mapping.District,
		EnumeratorField: cfg.Mapping.Enumerator,
		Columns:         cfg.Mapping.Columns,
		RequiredFields:  cfg.Quality.RequiredFields,
		RoundDurations:  cfg.Quality.RoundDurations,
	})

	aggregator := aggregate.New(aggregate.Config{
		MinDurationMinutes: cfg.Quality.MinDurationMinutes,
		MaxDurationMinutes: cfg.Quality.MaxDurationMinutes,
		RequiredFields:     cfg.Quality.RequiredFields,
		SupportThreshold:   cfg.Quality.SupportThreshold,
		DistrictTargets:    cfg.Quality.DistrictTargets,
	})

	renderer := render.New(render.Config{
		Title:              cfg.Render.Title,
		AssetsHost:         cfg.Render.AssetsHost,
		RefreshSeconds:     cfg.Render.RefreshSeconds,
		MinDurationMinutes: cfg.Quality.MinDurationMinutes,
		MaxDurationMinutes: cfg.Quality.MaxDurationMinutes,
		Cutoff:             cutoff,
	})

	sched := scheduler.New(fetcher, transformer, aggregator, renderer, store, scheduler.Config{
		Interval: cfg.Refresh.Interval(),
		Cutoff:   cutoff,
	})

	if err := sched.Restore(); err != nil {
		appLogger.Warn("Failed to restore previous snapshot", zap.Error(err))
	}

	sched.Start()
	sched.Trigger(scheduler.TriggerStartup)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AssetsHost: cfg.Render.AssetsHost,
	}))
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Route().Path,
			strconv.Itoa(c.Response().StatusCode()),
		).Inc()
		return err
	})

	dashboardHandler := handlers.NewDashboardHandler(sched)
	statusHandler := handlers.NewStatusHandler(sched, store)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.UpdatePerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	limitUpdates := limiter.Middleware()

	app.Get("/", dashboardHandler.ServeDashboard)
	app.Get("/update", limitUpdates, dashboardHandler.HandleUpdate)
	app.Post("/update", limitUpdates, dashboardHandler.HandleUpdate)
	app.Get("/download/report", dashboardHandler.HandleDownload)

	app.Get("/api/status", statusHandler.HandleStatus)
	app.Get("/api/metrics", statusHandler.HandleMetrics)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	sched.Stop()
	appLogger.Info("Server stopped")
}
