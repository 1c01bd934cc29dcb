package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimmerworks/bursar/internal/entitlement"
	"github.com/glimmerworks/bursar/internal/ledger"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
	"github.com/glimmerworks/bursar/pkg/monitoring"
)

var (
	db           *sql.DB
	logger       logging.Logger
	creditLedger *ledger.Ledger
	provider     entitlement.Provider
	producer     *events.Producer
	metrics      *BursarMetrics
	catalog      ProductCatalog
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	LedgerOperations *prometheus.CounterVec
	TopUps           *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	MonthlyGrants    *prometheus.CounterVec
}

// NewBursarMetrics registers the service's business metrics
func NewBursarMetrics(mc *monitoring.MetricsCollector) *BursarMetrics {
	return &BursarMetrics{
		LedgerOperations: mc.NewCounter("ledger_operations_total", "Total ledger operations", []string{"operation", "status"}),
		TopUps:           mc.NewCounter("topups_total", "Total top-up purchase applications", []string{"status"}),
		Reconciliations:  mc.NewCounter("reconciliations_total", "Total subscription reconciliations", []string{"outcome"}),
		MonthlyGrants:    mc.NewCounter("monthly_grants_total", "Total monthly credit grants", []string{"status"}),
	}
}

func (m *BursarMetrics) recordLedgerOp(operation, status string) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(operation, status).Inc()
}

func (m *BursarMetrics) recordTopUp(status string) {
	if m == nil {
		return
	}
	m.TopUps.WithLabelValues(status).Inc()
}

func (m *BursarMetrics) recordReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

func (m *BursarMetrics) recordMonthlyGrant(status string) {
	if m == nil {
		return
	}
	m.MonthlyGrants.WithLabelValues(status).Inc()
}

// Init initializes the handlers with their shared dependencies. The
// Kafka producer may be nil: audit events are then dropped.
func Init(database *sql.DB, log logging.Logger, l *ledger.Ledger, p entitlement.Provider, prod *events.Producer, m *BursarMetrics, cat ProductCatalog) {
	db = database
	logger = log
	creditLedger = l
	provider = p
	producer = prod
	metrics = m
	catalog = cat
}
