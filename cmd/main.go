package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"movie-discovery-watch-history-service/internal/config"
	"movie-discovery-watch-history-service/internal/database"
	"movie-discovery-watch-history-service/internal/handler"
	"movie-discovery-watch-history-service/internal/history"
	"movie-discovery-watch-history-service/internal/identity"
	"movie-discovery-watch-history-service/internal/middleware"
	"movie-discovery-watch-history-service/internal/recommend"
	"movie-discovery-watch-history-service/internal/service"
	"movie-discovery-watch-history-service/internal/storage"
	"movie-discovery-watch-history-service/internal/tmdb"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Structured logging
	slog.SetDefault(newLogger(cfg.Log))

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid time zone", "tz", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to Redis (non-fatal if unavailable unless it is the storage driver)
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			if cfg.Storage.Driver == "redis" {
				slog.Error("failed to connect to Redis", "error", err)
				os.Exit(1)
			}
			slog.Warn("Redis unavailable, running without cache and cross-instance sync", "error", err)
		}
	}

	store, db, err := openStorage(cfg, rdb)
	if err != nil {
		slog.Error("failed to open history storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	// Change notifications reach other instances through Redis pub/sub when available
	var broadcaster history.Broadcaster = history.NewLocalBroadcaster()
	if rdb != nil {
		rb := history.NewRedisBroadcaster(rdb, history.ChangeChannel, slog.Default())
		if err := rb.Start(ctx); err != nil {
			slog.Warn("history broadcast unavailable, using in-process notifications", "error", err)
		} else {
			broadcaster = rb
		}
	}

	var resolver identity.Resolver
	if cfg.History.IdentityLookupURL != "" {
		resolver = identity.NewHTTPResolver(cfg.History.IdentityLookupURL, cfg.History.IdentityTimeout)
	}

	clk := clock.New()
	registry, err := history.NewRegistry(ctx, history.Options{
		Storage:        store,
		KeyPrefix:      cfg.History.KeyPrefix,
		MaxHistory:     cfg.History.MaxHistory,
		SaveDelay:      cfg.History.SaveDelay,
		MaxSaveDelay:   cfg.History.MaxSaveDelay,
		ResolveTimeout: cfg.History.IdentityTimeout,
		Broadcaster:    broadcaster,
		Clock:          clk,
		Logger:         slog.Default(),
	}, cfg.History.MaxStores, resolver)
	if err != nil {
		slog.Error("failed to initialise history registry", "error", err)
		os.Exit(1)
	}

	// Initialize TMDB client
	tmdbClient := tmdb.NewClient(tmdb.Config{
		APIKey:         cfg.TMDB.APIKey,
		BaseURL:        cfg.TMDB.BaseURL,
		ImageBaseURL:   cfg.TMDB.ImageBaseURL,
		Language:       cfg.TMDB.Language,
		RequestsPerSec: cfg.TMDB.RequestsPerSec,
		CacheTTL:       cfg.TMDB.CacheTTL,
	}, rdb)
	if cfg.TMDB.APIKey == "" {
		slog.Warn("TMDB_API_KEY is empty, recommendations will be empty")
	}

	// Initialize layers
	assembler := recommend.NewAssembler(tmdbClient, recommend.Config{
		GenreLimit:   cfg.Recommend.GenreLimit,
		PerGenre:     cfg.Recommend.PerGenre,
		DisplayLimit: cfg.Recommend.DisplayLimit,
		FetchTimeout: cfg.Recommend.FetchTimeout,
	}, slog.Default())
	histSvc := service.NewHistoryService(registry, clk, loc, cfg.History.MaxHistory)
	recSvc := service.NewRecommendationService(histSvc, assembler, tmdbClient, rdb, cfg.Recommend.CacheTTL)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Watch History Service",
		ServerHeader: "Watch-History-Service",
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			slog.Error("unhandled error", "error", err, "status", code)
			return c.Status(code).JSON(handler.ErrorResponse{Error: err.Error()})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", middleware.ClientIDHeader},
	}))
	app.Use(middleware.NewRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.WindowSeconds).Handler())
	app.Use(middleware.Scope())

	// Swagger docs
	swaggerYAML, err := os.ReadFile("docs/swagger.yaml")
	if err != nil {
		slog.Warn("swagger.yaml not found, swagger UI will be unavailable", "error", err)
	} else {
		handler.RegisterSwagger(app, swaggerYAML)
	}

	// API routes
	handler.RegisterRoutes(app, handler.NewHistoryHandler(histSvc), handler.NewRecommendationHandler(recSvc))

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutting down watch history service...")
		_ = app.Shutdown()
	}()

	// Start server
	addr := ":" + cfg.Port
	slog.Info("starting watch history service", "addr", addr, "storage", cfg.Storage.Driver)
	if err := app.Listen(addr); err != nil {
		slog.Error("server error", "error", err)
	}

	// Pending debounced writes are flushed before exit
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Close(closeCtx); err != nil {
		slog.Error("failed to flush watch history", "error", err)
	}
	stop()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// openStorage builds the key-value backend selected by STORAGE_DRIVER.
func openStorage(cfg *config.Config, rdb *redis.Client) (storage.Storage, *sql.DB, error) {
	switch cfg.Storage.Driver {
	case "memory":
		slog.Warn("memory storage selected, watch history will not survive restarts")
		return storage.NewMemory(), nil, nil
	case "redis":
		return storage.NewRedis(rdb, ""), nil, nil
	case "postgres":
		db, err := database.NewPostgres(cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewPostgres(db), db, nil
	case "file":
		fs, err := storage.NewFile(afero.NewOsFs(), cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
}
