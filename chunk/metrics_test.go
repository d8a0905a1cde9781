package chunk

import (
	"errors"
	"testing"

	"github.com/milk9111/roomstream/levels"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	m, store, loader, _, _ := newTestManager(t, WithMetrics(metrics))

	loadRoom(t, m, loader, levels.RoomFoyer)
	if err := m.Activate(levels.RoomFoyer); err != nil {
		t.Fatal(err)
	}
	m.RequestPreload(levels.RoomLibrary)
	if got := testutil.ToFloat64(metrics.InFlight); got != 1 {
		t.Fatalf("inflight=%v", got)
	}
	loader.next(t).fail(errors.New("boom"))
	pump(t, m, func() bool { return !m.Loading(levels.RoomLibrary) && store.State(levels.RoomLibrary) == StateUnloaded })

	if got := testutil.ToFloat64(metrics.Loads.WithLabelValues("foyer", OutcomeLoaded)); got != 1 {
		t.Fatalf("foyer loads=%v", got)
	}
	if got := testutil.ToFloat64(metrics.Loads.WithLabelValues("library", OutcomeFailed)); got != 1 {
		t.Fatalf("library failures=%v", got)
	}
	if got := testutil.ToFloat64(metrics.Activations.WithLabelValues("foyer")); got != 1 {
		t.Fatalf("activations=%v", got)
	}
	if got := testutil.ToFloat64(metrics.Resident); got != 1 {
		t.Fatalf("resident=%v", got)
	}
	if got := testutil.ToFloat64(metrics.InFlight); got != 0 {
		t.Fatalf("inflight=%v", got)
	}
}

func TestNewMetricsReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	first.Activations.WithLabelValues("gallery").Inc()
	if got := testutil.ToFloat64(second.Activations.WithLabelValues("gallery")); got != 1 {
		t.Fatalf("collectors not shared: %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.observeLoad(levels.RoomFoyer, OutcomeLoaded, 0)
	m.setResident(3)
	m.setInFlight(1)
	m.activated(levels.RoomFoyer)
	m.disposed(levels.RoomFoyer)
}
