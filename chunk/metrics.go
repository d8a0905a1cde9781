package chunk

import (
	"errors"
	"fmt"
	"time"

	"github.com/milk9111/roomstream/levels"
	"github.com/prometheus/client_golang/prometheus"
)

// Load outcomes used as metric labels and in OnLoadFinished.
const (
	OutcomeLoaded  = "loaded"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
	OutcomeStale   = "stale"
)

// Metrics are the Prometheus series the Manager maintains. A nil *Metrics
// records nothing.
type Metrics struct {
	Loads        *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	Resident     prometheus.Gauge
	InFlight     prometheus.Gauge
	Activations  *prometheus.CounterVec
	Disposals    *prometheus.CounterVec
}

// NewMetrics registers the chunk metrics against reg, defaulting to the
// global registry when nil. Re-registering reuses the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	loads, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunk_loads_total",
		Help: "Finished bundle loads, labeled by room and outcome.",
	}, []string{"room", "outcome"}))
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chunk_load_duration_seconds",
		Help:    "Time from load start to its result being applied.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"room"}))
	if err != nil {
		return nil, err
	}
	resident, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunk_resident_rooms",
		Help: "Rooms currently holding loaded scene data.",
	}))
	if err != nil {
		return nil, err
	}
	inflight, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunk_inflight_loads",
		Help: "Bundle loads currently in flight.",
	}))
	if err != nil {
		return nil, err
	}
	activations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunk_activations_total",
		Help: "Room activations, labeled by room.",
	}, []string{"room"}))
	if err != nil {
		return nil, err
	}
	disposals, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunk_disposals_total",
		Help: "Room disposals, labeled by room.",
	}, []string{"room"}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Loads:        loads,
		LoadDuration: durations,
		Resident:     resident,
		InFlight:     inflight,
		Activations:  activations,
		Disposals:    disposals,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("chunk: register metrics: %w", err)
	}
	return c, nil
}

func (m *Metrics) observeLoad(room levels.RoomID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(room.String(), outcome).Inc()
	if outcome != OutcomeStale {
		m.LoadDuration.WithLabelValues(room.String()).Observe(d.Seconds())
	}
}

func (m *Metrics) setResident(n int) {
	if m == nil {
		return
	}
	m.Resident.Set(float64(n))
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) activated(room levels.RoomID) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(room.String()).Inc()
}

func (m *Metrics) disposed(room levels.RoomID) {
	if m == nil {
		return
	}
	m.Disposals.WithLabelValues(room.String()).Inc()
}
