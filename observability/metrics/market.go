package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics aggregates the marketplace core counters.
type MarketMetrics struct {
	authFailures       *prometheus.CounterVec
	sessionsIssued     prometheus.Counter
	ordersCreated      *prometheus.CounterVec
	ordersRejected     *prometheus.CounterVec
	ordersFilled       prometheus.Counter
	fillConflicts      *prometheus.CounterVec
	settlementsByState *prometheus.CounterVec
	ordersExpired      prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide marketplace metrics, registering them on
// first use.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_auth_failures_total",
				Help: "Count of rejected login verifications by cause.",
			}, []string{"cause"}),
			sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_sessions_issued_total",
				Help: "Count of session tokens issued after verified logins.",
			}),
			ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_orders_created_total",
				Help: "Count of persisted orders by kind.",
			}, []string{"kind"}),
			ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_orders_rejected_total",
				Help: "Count of rejected order payloads by reason.",
			}, []string{"reason"}),
			ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_orders_filled_total",
				Help: "Count of orders conditionally moved to filled.",
			}),
			fillConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_fill_conflicts_total",
				Help: "Count of fill attempts that lost the compare-and-set by outcome.",
			}, []string{"outcome"}),
			settlementsByState: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_settlements_recorded_total",
				Help: "Count of settlement recordings by resulting status.",
			}, []string{"status"}),
			ordersExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_orders_expired_total",
				Help: "Count of orders moved to expired by the sweep.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.authFailures,
			marketRegistry.sessionsIssued,
			marketRegistry.ordersCreated,
			marketRegistry.ordersRejected,
			marketRegistry.ordersFilled,
			marketRegistry.fillConflicts,
			marketRegistry.settlementsByState,
			marketRegistry.ordersExpired,
		)
	})
	return marketRegistry
}

// AuthFailure records a rejected login by cause.
func (m *MarketMetrics) AuthFailure(cause string) {
	m.authFailures.WithLabelValues(cause).Inc()
}

// SessionIssued records a successful login.
func (m *MarketMetrics) SessionIssued() {
	m.sessionsIssued.Inc()
}

// OrderCreated records a persisted order by kind.
func (m *MarketMetrics) OrderCreated(kind string) {
	m.ordersCreated.WithLabelValues(kind).Inc()
}

// OrderRejected records a rejected payload by enumerated reason.
func (m *MarketMetrics) OrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// OrderFilled records a winning fill.
func (m *MarketMetrics) OrderFilled() {
	m.ordersFilled.Inc()
}

// FillConflict records a losing fill attempt by outcome.
func (m *MarketMetrics) FillConflict(outcome string) {
	m.fillConflicts.WithLabelValues(outcome).Inc()
}

// SettlementRecorded records a ledger write by resulting status.
func (m *MarketMetrics) SettlementRecorded(status string) {
	m.settlementsByState.WithLabelValues(status).Inc()
}

// OrdersExpired records sweep results.
func (m *MarketMetrics) OrdersExpired(count int) {
	m.ordersExpired.Add(float64(count))
}
