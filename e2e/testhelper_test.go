package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dsmui/api/internal/auth"
	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/handler"
	"github.com/dsmui/api/internal/middleware"
	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/internal/service"
	ws "github.com/dsmui/api/internal/websocket"
	"github.com/dsmui/api/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	redisAddr     = "localhost:6379"
	redisDB       = 15 // kept apart from development data
)

// fakeEngine stands in for the speech scripts and ffmpeg
type fakeEngine struct {
	mu       sync.Mutex
	duration float64
}

func (e *fakeEngine) setDuration(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.duration = seconds
}

func (e *fakeEngine) Synthesize(_ context.Context, _, out string) error {
	return os.WriteFile(out, []byte("RIFF"), 0o644)
}

func (e *fakeEngine) Duration(context.Context, string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration, nil
}

func (e *fakeEngine) ConvertToWav(_ context.Context, _, out string) error {
	return os.WriteFile(out, []byte("wav"), 0o644)
}

func (e *fakeEngine) ExtractSegment(_ context.Context, _, out string, _, _ int) error {
	return os.WriteFile(out, []byte("wav"), 0o644)
}

// gatedTranscriber answers "words at <offset>" and can hold a call open
type gatedTranscriber struct {
	mu      sync.Mutex
	gate    chan struct{}
	started chan int
}

func (g *gatedTranscriber) hold() (started <-chan int, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.started = make(chan int, 16)
	gate := g.gate
	return g.started, func() { close(gate) }
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, _, _ string, offset int) (string, error) {
	g.mu.Lock()
	gate, started := g.gate, g.started
	g.mu.Unlock()

	if gate != nil {
		started <- offset
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "words at " + service.Timestamp(offset), nil
}

// recordingDispatcher keeps jobs so a test can run them on its own worker
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []*model.TranscribeJobPayload
}

func (d *recordingDispatcher) DispatchTranscription(_ context.Context, payload *model.TranscribeJobPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, payload)
	return nil
}

func (d *recordingDispatcher) take(t *testing.T) *asynq.Task {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		t.Fatal("no transcription was dispatched")
	}
	task, err := service.NewTranscribeTask(d.jobs[0])
	if err != nil {
		t.Fatal(err)
	}
	d.jobs = d.jobs[1:]
	return task
}

// testApp holds all components needed for testing
type testApp struct {
	app         *fiber.App
	engine      *fakeEngine
	transcriber *gatedTranscriber
	dispatcher  *recordingDispatcher
	worker      *worker.TranscribeWorker
	hub         *ws.Hub
	baseURL     string
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		redisClient.Close()
		t.Skipf("redis not available at %s: %v", redisAddr, err)
	}
	t.Cleanup(func() { redisClient.Close() })
	return redisClient
}

// setupApp builds the server the way cmd/server does, with the speech
// engines replaced by fakes and Redis DB 15 for state.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := newRedis(t)
	root := t.TempDir()
	cfg := &config.Config{
		Speech: config.SpeechConfig{
			DefaultModel:       "kyutai/stt-2.6b-en",
			SegmentSeconds:     300,
			StreamingThreshold: 300,
			SegmentRetries:     2,
			SegmentTimeout:     5 * time.Minute,
			ProcessingRatio:    3,
		},
		Storage: config.StorageConfig{
			AudioOutputDir: filepath.Join(root, "generated_audio"),
			TestTextDir:    filepath.Join(root, "text_test"),
			SampleAudioDir: root,
		},
	}
	os.MkdirAll(cfg.Storage.TestTextDir, 0o755)

	ta := &testApp{
		engine:      &fakeEngine{duration: 30},
		transcriber: &gatedTranscriber{},
		dispatcher:  &recordingDispatcher{},
	}

	hub := ws.NewHub()
	go hub.Run()
	ta.hub = hub

	store := service.NewRedisSessionStore(redisClient)
	speechService := service.NewSpeechService(cfg, store, ta.dispatcher, ta.engine, ta.transcriber, nil)
	speechHandler := handler.NewSpeechHandler(speechService, validator.New())
	ta.worker = worker.NewTranscribeWorker(store, ta.engine, ta.transcriber, hub, cfg.Speech, cfg.Storage)

	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit:             512 * 1024 * 1024,
		DisableStartupMessage: true,
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Use very high rate limits so tests don't get blocked
	api := app.Group("/api", authMiddleware.Authenticate())
	api.Post("/tts", rateLimiter.TTSLimit(10000), speechHandler.TTS)
	api.Post("/stt", rateLimiter.STTLimit(10000), speechHandler.STT)
	api.Post("/stt-upload", rateLimiter.STTLimit(10000), speechHandler.STTUpload)
	api.Get("/progress/:sessionId", speechHandler.Progress)
	api.Post("/cancel/:sessionId", speechHandler.Cancel)
	api.Get("/test-file/:filename", speechHandler.TestFile)
	api.Post("/cleanup", speechHandler.Cleanup)
	app.Get("/audio/:filename", speechHandler.Audio)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/sessions/:sessionId", authMiddleware.Authenticate(), websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("sessionId"))
	}))

	ta.app = app
	return ta
}

// listen serves the app on a loopback port for clients that need a URL
func (ta *testApp) listen(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go ta.app.Listener(ln)
	t.Cleanup(func() { ta.app.Shutdown() })
	ta.baseURL = "http://" + ln.Addr().String()
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.SignLegacyToken("test-user-123", "test@example.com", testJWTSecret, 0)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, b)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
