package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dsmui/api/internal/auth"
)

type memCounter struct {
	counts map[string]int64
	err    error
}

func (m *memCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	m.counts[key]++
	return redis.NewIntResult(m.counts[key], nil)
}

func (m *memCounter) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (m *memCounter) TTL(context.Context, string) *redis.DurationCmd {
	return redis.NewDurationResult(42*time.Second, nil)
}

func TestRateLimiterByIP(t *testing.T) {
	counts := &memCounter{counts: map[string]int64{}}
	rl := &RateLimiter{redis: counts}

	app := fiber.New()
	app.Post("/api/tts", rl.TTSLimit(2), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	for i, want := range []int{200, 200, 429} {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/tts", nil))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != want {
			t.Errorf("request %d status = %d, want %d", i+1, resp.StatusCode, want)
		}
		if want == 429 && resp.Header.Get("Retry-After") != "42" {
			t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
		}
	}

	if len(counts.counts) != 1 {
		t.Errorf("keys = %v", counts.counts)
	}
	for key := range counts.counts {
		if !strings.HasPrefix(key, "ratelimit:tts:ip:") {
			t.Errorf("key = %s", key)
		}
	}
}

func TestRateLimiterAllowsWhenRedisDown(t *testing.T) {
	rl := &RateLimiter{redis: &memCounter{err: errors.New("connection refused")}}

	app := fiber.New()
	app.Post("/api/stt", rl.STTLimit(1), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	for i := 0; i < 3; i++ {
		resp, _ := app.Test(httptest.NewRequest("POST", "/api/stt", nil))
		if resp.StatusCode != 200 {
			t.Errorf("status = %d", resp.StatusCode)
		}
	}
}

func TestRateLimiterSetLimit(t *testing.T) {
	rl := &RateLimiter{redis: &memCounter{counts: map[string]int64{}}}

	app := fiber.New()
	app.Post("/api/stt", rl.STTLimit(1), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	post := func() int {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/stt", nil))
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode
	}

	if got := post(); got != 200 {
		t.Fatalf("first request = %d", got)
	}
	if got := post(); got != 429 {
		t.Fatalf("second request = %d, want 429", got)
	}

	rl.SetLimit("stt", 3)
	if got := post(); got != 200 {
		t.Errorf("after raising the limit = %d, want 200", got)
	}

	rl.SetLimit("stt", 0)
	for i := 0; i < 3; i++ {
		if got := post(); got != 200 {
			t.Errorf("with limiting disabled = %d", got)
		}
	}
}

func TestAuthenticateLegacyToken(t *testing.T) {
	m := NewAuthMiddleware(nil, "s3cret")

	app := fiber.New()
	app.Get("/api/progress/:id", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})

	token, err := auth.SignLegacyToken("user-7", "u@example.com", "s3cret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer " + token, "", 200},
		{"lowercase scheme", "bearer " + token, "", 200},
		{"query token", "", "?token=" + token, 200},
		{"missing", "", "", 401},
		{"wrong scheme", "Basic " + token, "", 401},
		{"bad token", "Bearer nope", "", 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/progress/sess-1"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

type rejectingVerifier struct{}

func (rejectingVerifier) Validate(string) (*auth.Claims, error) {
	return nil, errors.New("unknown key")
}

func (rejectingVerifier) Close() error { return nil }

func TestAuthenticateFallsBackToLegacy(t *testing.T) {
	app := fiber.New()
	app.Get("/", NewAuthMiddleware(rejectingVerifier{}, "s3cret").Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})

	token, _ := auth.SignLegacyToken("user-9", "", "s3cret", time.Hour)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, _ := app.Test(req)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	strict := fiber.New()
	strict.Get("/", NewAuthMiddleware(rejectingVerifier{}, "").Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ = strict.Test(req)
	if resp.StatusCode != 401 {
		t.Errorf("status without fallback = %d, want 401", resp.StatusCode)
	}
}
