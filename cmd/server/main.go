package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"astro-studio-backend/internal/archive"
	"astro-studio-backend/internal/catalog"
	"astro-studio-backend/internal/config"
	"astro-studio-backend/internal/database"
	"astro-studio-backend/internal/handlers"
	"astro-studio-backend/internal/middleware"
	"astro-studio-backend/internal/pipeline"
	"astro-studio-backend/internal/progress"
	"astro-studio-backend/internal/storage"
	"astro-studio-backend/internal/tasks"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.MigrateDB(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := catalog.Seed(context.Background(), db); err != nil {
		log.Fatalf("Failed to seed catalog: %v", err)
	}

	slots := storage.NewGormSlotStore(db)
	gateway, err := storage.NewGateway(cfg, slots)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	var bus progress.Bus
	redisBus, err := progress.NewRedisBus(cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: redis unavailable, progress events stay in-process: %v", err)
		bus = progress.NewMemoryBus()
	} else {
		bus = redisBus
	}
	defer bus.Close()

	archiveClient := archive.NewClient(cfg.ArchiveBaseURL, cfg.ArchiveRequestTimeout, cfg.ArchiveDownloadTimeout)
	registry := tasks.NewRegistry(tasks.NewGormStore(db))
	fileStore := database.NewTargetFileStore(db)
	cat := catalog.New(db)

	engine := pipeline.NewEngine(registry, gateway, archiveClient, cat, fileStore, bus, pipeline.Options{
		ChunkSize:        cfg.DownloadChunkSize,
		MaxProductsTotal: cfg.MaxProductsTotal,
		ChunkTimeout:     cfg.ChunkTimeout,
		SoftTimeout:      cfg.TaskSoftTimeout,
		HardTimeout:      cfg.TaskHardTimeout,
	})

	taskHandler := handlers.NewTaskHandler(registry, engine)
	catalogHandler := handlers.NewCatalogHandler(db, cat, fileStore)
	wsHandler := handlers.NewWSHandler(bus)

	router := gin.Default()

	router.GET("/health", handlers.HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))

	api.GET("/targets", catalogHandler.ListTargets)
	api.GET("/targets/:target_id", catalogHandler.GetTarget)
	api.GET("/targets/:target_id/files", catalogHandler.ListTargetFiles)
	api.GET("/telescopes", catalogHandler.ListTelescopes)
	api.GET("/presets", catalogHandler.ListPresets)

	api.POST("/targets/:target_id/previews", taskHandler.GeneratePreviews)

	api.POST("/downloads", taskHandler.StartDownload)
	api.POST("/processing", taskHandler.StartProcessing)
	api.GET("/tasks", taskHandler.ListTasks)
	api.GET("/tasks/:task_id", taskHandler.GetTask)
	api.POST("/tasks/:task_id/cancel", taskHandler.CancelTask)
	api.POST("/tasks/:task_id/retry", taskHandler.RetryTask)

	api.GET("/ws", wsHandler.Stream)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
