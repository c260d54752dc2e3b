package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result label values shared by the acquire and refresh counters.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
	ResultError  = "error"
)

var (
	// AcquireCounter tracks acquisition calls by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_acquire_total",
		Help: "Total number of lock acquisition calls by result",
	}, []string{"kind", "result"})
	// RefreshCounter tracks lease renewals by outcome.
	RefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_refresh_total",
		Help: "Total number of lease renewals by result",
	}, []string{"kind", "result"})
	// ReleaseCounter tracks releases that reached the store.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_release_total",
		Help: "Total number of lock releases sent to the store",
	}, []string{"kind"})
	// LostCounter tracks detected lock losses.
	LostCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_lost_total",
		Help: "Total number of held locks detected as lost",
	}, []string{"kind"})
	// HeldGauge reports the number of locks this process currently holds.
	HeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lease_held",
		Help: "Current number of locks held by this process",
	}, []string{"kind"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, RefreshCounter, ReleaseCounter, LostCounter, HeldGauge)
}
