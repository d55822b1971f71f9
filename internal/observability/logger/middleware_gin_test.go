package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func middlewareRouter(cfg MiddlewareConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(cfg))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/webhooks/gateway", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestGinMiddlewareSetsRequestID(t *testing.T) {
	r := middlewareRouter(MiddlewareConfig{Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
}

func TestGinMiddlewareKeepsCallerRequestID(t *testing.T) {
	r := middlewareRouter(MiddlewareConfig{Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "caller-supplied" {
		t.Fatalf("request id = %q, want caller-supplied", got)
	}
}

func TestGinMiddlewareSkipsConfiguredPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := middlewareRouter(MiddlewareConfig{
		Logger:    zap.New(core),
		SkipPaths: []string{"/healthz"},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := logs.Len(); got != 0 {
		t.Fatalf("expected no log entries for a skipped path, got %d", got)
	}
}

func TestGinMiddlewareMasksWebhookSignature(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := middlewareRouter(MiddlewareConfig{Logger: zap.New(core)})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", nil)
	req.Header.Set("X-Webhook-Signature", "deadbeefcafe")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	headers, ok := entries[0].ContextMap()["headers"].(map[string]string)
	if !ok {
		t.Fatalf("expected masked headers field")
	}
	if headers["X-Webhook-Signature"] == "deadbeefcafe" {
		t.Fatalf("webhook signature logged unmasked")
	}
}
