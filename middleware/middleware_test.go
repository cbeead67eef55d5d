package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"clinicmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-secret-0123456789"

func protectedApp() *fiber.App {
	app := fiber.New()
	app.Get("/private", Protected(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("subject").(string))
	})
	return app
}

func TestProtected(t *testing.T) {
	app := protectedApp()
	valid, err := utils.GenerateAdminToken(testSecret, "cron", time.Hour)
	require.NoError(t, err)

	wrongScope, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &utils.Claims{
		Scope: "reporting",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{name: "missing token", want: fiber.StatusUnauthorized},
		{name: "malformed header", header: "Token abc", want: fiber.StatusUnauthorized},
		{name: "garbage token", header: "Bearer abc", want: fiber.StatusUnauthorized},
		{name: "wrong scope", header: "Bearer " + wrongScope, want: fiber.StatusForbidden},
		{name: "valid header", header: "Bearer " + valid, want: fiber.StatusOK},
		{name: "valid cookie", cookie: valid, want: fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.Header.Set("Cookie", "access_token="+tt.cookie)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS(DefaultCORSConfig("https://clinic.example.com")))
	app.Get("/api", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest("OPTIONS", "/api", nil)
	req.Header.Set("Origin", "https://clinic.example.com")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://clinic.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))

	req = httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestTrackingRateLimiter(t *testing.T) {
	app := fiber.New()
	app.Get("/track/open", TrackingRateLimiter(2, nil), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/track/open", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/track/open", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestTrackingRateLimiter_Disabled(t *testing.T) {
	app := fiber.New()
	app.Get("/track/open", TrackingRateLimiter(0, nil), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/track/open", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}
