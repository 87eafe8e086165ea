package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/dsmui/api/internal/auth"
	"github.com/dsmui/api/internal/client"
	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/handler"
	"github.com/dsmui/api/internal/middleware"
	"github.com/dsmui/api/internal/service"
	"github.com/dsmui/api/internal/speech"
	ws "github.com/dsmui/api/internal/websocket"
	"github.com/dsmui/api/internal/worker"
)

// A segmented job may run for hours on CPU-only hosts.
const transcribeJobTimeout = 12 * time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Speech engines
	engine := speech.NewCommandEngine(cfg.Speech)
	groqClient := client.NewGroqClient(&cfg.Groq)
	var transcriber speech.Transcriber = engine
	if strings.EqualFold(cfg.Speech.Backend, "groq") {
		if groqClient.IsConfigured() {
			transcriber = groqClient
			log.Println("Info: using hosted transcription")
		} else {
			log.Println("Warning: speech backend is groq but GROQ_API_KEY is not set, using local engine")
		}
	}

	// Initialize R2 client (optional - generated audio is served locally otherwise)
	var audioStore client.AudioStore
	r2Ready := false
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			audioStore = r2Client
			r2Ready = true
		}
	} else {
		log.Println("Info: R2 storage not configured, serving audio from disk")
	}

	// Initialize services
	store := service.NewRedisSessionStore(redisClient)
	dispatcher := service.NewAsynqDispatcher(asynqClient, transcribeJobTimeout)
	speechService := service.NewSpeechService(cfg, store, dispatcher, engine, transcriber, audioStore)

	speechHandler := handler.NewSpeechHandler(speechService, validate)

	// Authentication is off for the demo UI unless enabled
	authHandler := func(c *fiber.Ctx) error { return c.Next() }
	if cfg.Auth.Enabled {
		var verifier auth.TokenVerifier
		if cfg.Zitadel.Issuer != "" {
			jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Zitadel)
			if err != nil {
				log.Printf("Warning: JWKS verifier not initialized: %v", err)
			} else {
				verifier = jwksVerifier
				defer jwksVerifier.Close()
			}
		}
		authHandler = middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)
	config.Watch(viper.GetViper(), func(next *config.Config) {
		rateLimiter.SetLimit("tts", next.RateLimit.TTSPerMin)
		rateLimiter.SetLimit("stt", next.RateLimit.STTPerMin)
	})

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    512 * 1024 * 1024, // long recordings
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"groq":  groqClient.IsConfigured(),
				"r2":    r2Ready,
				"auth":  cfg.Auth.Enabled,
				"redis": redisClient.Ping(c.UserContext()).Err() == nil,
			},
		})
	})

	// API routes
	api := app.Group("/api", authHandler)
	api.Post("/tts", rateLimiter.TTSLimit(cfg.RateLimit.TTSPerMin), speechHandler.TTS)
	api.Post("/stt", rateLimiter.STTLimit(cfg.RateLimit.STTPerMin), speechHandler.STT)
	api.Post("/stt-upload", rateLimiter.STTLimit(cfg.RateLimit.STTPerMin), speechHandler.STTUpload)
	api.Get("/progress/:sessionId", speechHandler.Progress)
	api.Post("/cancel/:sessionId", speechHandler.Cancel)
	api.Get("/test-file/:filename", speechHandler.TestFile)
	api.Post("/cleanup", speechHandler.Cleanup)

	app.Get("/audio/:filename", speechHandler.Audio)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/sessions/:sessionId", authHandler, websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("sessionId"))
	}))

	// Start Asynq worker server
	transcribeWorker := worker.NewTranscribeWorker(store, engine, transcriber, hub, cfg.Speech, cfg.Storage)
	go startWorkerServer(cfg, transcribeWorker)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, transcribeWorker *worker.TranscribeWorker) {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	// The speech engines saturate the CPU, so segments run one job at a time.
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				service.QueueTranscribe: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeTranscribe, transcribeWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
