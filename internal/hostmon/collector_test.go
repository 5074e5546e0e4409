package hostmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/reconcile"
	"github.com/vesaa/npdash/internal/stream"
)

func TestSample(t *testing.T) {
	c := NewCollector(time.Second)
	c.CPUWindow = 50 * time.Millisecond

	s, err := c.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.CPU < 0 || s.CPU > 100 {
		t.Errorf("cpu = %v", s.CPU)
	}
	if s.RAM <= 0 || s.RAM > 100 {
		t.Errorf("ram = %v", s.RAM)
	}
	if time.Since(s.At()) > time.Minute {
		t.Errorf("timestamp = %v", s.At())
	}
}

func TestWatchDeliversUntilStopped(t *testing.T) {
	c := NewCollector(20 * time.Millisecond)
	c.CPUWindow = 10 * time.Millisecond

	var (
		mu      sync.Mutex
		samples []models.SystemSample
		states  []stream.State
	)
	got := make(chan struct{}, 8)
	stop := c.Watch(LocalID, stream.MonitorHandler{
		OnSample: func(s models.SystemSample) {
			mu.Lock()
			samples = append(samples, s)
			mu.Unlock()
			select {
			case got <- struct{}{}:
			default:
			}
		},
		OnState: func(st stream.State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("no sample delivered")
		}
	}
	stop()

	mu.Lock()
	n := len(samples)
	last := states[len(states)-1]
	mu.Unlock()
	if last != stream.StateDisconnected {
		t.Errorf("final state = %s", last)
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(samples) != n {
		t.Error("samples delivered after stop")
	}
}

func TestLocalEndpointView(t *testing.T) {
	c := NewCollector(20 * time.Millisecond)
	c.CPUWindow = 10 * time.Millisecond

	ctrl := reconcile.NewEndpointController(LocalID, Source{}, reconcile.EndpointOptions{Watch: c.Watch})
	ctrl.Start(context.Background())
	defer ctrl.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		v := ctrl.View()
		if v.Phase == reconcile.PhaseReady && v.System.Samples >= 2 {
			if v.Endpoint == nil || string(v.Endpoint.ID) != LocalID || !v.Endpoint.Online() {
				t.Fatalf("endpoint = %+v", v.Endpoint)
			}
			if v.System.NetRx < 0 || v.System.DiskW < 0 {
				t.Errorf("negative rates: %+v", v.System)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never became ready: %+v", v)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSourceRejectsOtherIDs(t *testing.T) {
	if _, err := (Source{}).EndpointDetail(context.Background(), "7"); err == nil {
		t.Error("expected error for non-local id")
	}
}
