package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func testLimiterApp(t *testing.T, budget int) *fiber.App {
	t.Helper()

	rl := New(Config{
		MaxRequestsPerMinute: budget,
		WindowDuration:       time.Minute,
	})
	t.Cleanup(rl.Stop)

	app := fiber.New()
	app.Get("/update", rl.Middleware(), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	return app
}

func TestAllowsWithinBudget(t *testing.T) {
	app := testLimiterApp(t, 3)

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/update", nil), -1)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}
}

func TestRejectsBeyondBudget(t *testing.T) {
	app := testLimiterApp(t, 2)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/update", nil), -1)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		resp.Body.Close()
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/update", nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response has no Retry-After")
	}
}

func TestBucketRefills(t *testing.T) {
	rl := New(Config{
		MaxRequestsPerMinute: 3,
		WindowDuration:       300 * time.Millisecond,
	})
	t.Cleanup(rl.Stop)

	key := "10.0.0.1"
	for i := 0; i < 3; i++ {
		if !rl.allow(key) {
			t.Fatalf("request %d denied inside the budget", i+1)
		}
	}
	if rl.allow(key) {
		t.Fatal("request allowed with an empty bucket")
	}

	time.Sleep(150 * time.Millisecond)
	if !rl.allow(key) {
		t.Error("bucket did not refill after the refill interval")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	rl := New(Config{
		MaxRequestsPerMinute: 1,
		WindowDuration:       time.Minute,
	})
	t.Cleanup(rl.Stop)

	if !rl.allow("10.0.0.1") {
		t.Fatal("first client denied its first request")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("first client allowed beyond budget")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("second client affected by first client's bucket")
	}
}
