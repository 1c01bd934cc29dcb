package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/glimmerworks/bursar/pkg/logging"
	"github.com/glimmerworks/bursar/pkg/monitoring"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("bursar", "18090")

	if cfg.ServiceName != "bursar" {
		t.Errorf("expected service name bursar, got %s", cfg.ServiceName)
	}
	if cfg.Port != "18090" {
		t.Errorf("expected default port 18090, got %s", cfg.Port)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("expected 30s read timeout, got %v", cfg.ReadTimeout)
	}
}

func TestSetupServiceRouterEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger := logging.NewLoggerWithService("bursar-test")
	healthChecker := monitoring.NewHealthChecker("bursar", "test")
	healthChecker.AddCheck("self", func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusHealthy}
	})
	metricsCollector := monitoring.NewMetricsCollector("bursar", "test", "abc1234")

	router := SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200 from /health, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("expected health payload, got %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200 from /metrics, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bursar_service_info") {
		t.Errorf("expected service info metric in output")
	}
}
