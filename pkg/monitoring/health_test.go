package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker("bursar", "test")
	hc.AddCheck("always_ok", func() CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	health := hc.CheckHealth()
	if health.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", health.Status)
	}
	if health.Service != "bursar" {
		t.Errorf("expected service bursar, got %s", health.Service)
	}
}

func TestHealthCheckerUnhealthyWins(t *testing.T) {
	hc := NewHealthChecker("bursar", "test")
	hc.AddCheck("ok", func() CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	hc.AddCheck("broken", func() CheckResult {
		return CheckResult{Status: StatusUnhealthy, Message: "down"}
	})
	hc.AddCheck("slow", func() CheckResult {
		return CheckResult{Status: StatusDegraded}
	})

	health := hc.CheckHealth()
	if health.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", health.Status)
	}
}

func TestHealthCheckerDegraded(t *testing.T) {
	hc := NewHealthChecker("bursar", "test")
	hc.AddCheck("ok", func() CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	hc.AddCheck("slow", func() CheckResult {
		return CheckResult{Status: StatusDegraded}
	})

	health := hc.CheckHealth()
	if health.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", health.Status)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("bursar", "test")
	hc.AddCheck("broken", func() CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})

	router := gin.New()
	router.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != 503 {
		t.Fatalf("expected 503 for unhealthy service, got %d", w.Code)
	}
}

func TestDatabaseHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()

	result := DatabaseHealthCheck(db)()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s: %s", result.Status, result.Message)
	}
	if result.Latency == "" {
		t.Error("expected latency to be recorded")
	}
}

func TestKafkaProducerHealthCheckNilClient(t *testing.T) {
	result := KafkaProducerHealthCheck(nil)()
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded when producer unset, got %s", result.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	result := ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": "postgres://localhost/bursar",
		"JWT_SECRET":   "",
	})()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on missing config, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "JWT_SECRET") {
		t.Errorf("expected message to name missing key, got %q", result.Message)
	}

	result = ConfigurationHealthCheck(map[string]string{"DATABASE_URL": "set"})()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}
}

func TestMetricsCollectorIndependentRegistries(t *testing.T) {
	a := NewMetricsCollector("bursar", "v1", "abc1234")
	b := NewMetricsCollector("bursar", "v1", "abc1234")
	if a.registry == b.registry {
		t.Fatal("collectors must not share a registry")
	}

	counter := a.NewCounter("grants_total", "Total grants", []string{"reason"})
	counter.WithLabelValues("monthly").Inc()
}
