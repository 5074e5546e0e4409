package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/stream"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeTunnels struct {
	mu         sync.Mutex
	details    func(call int) (*api.TunnelDetails, error)
	trend      []models.TrendPoint
	hold       chan struct{} // when set, details calls after the first block on it
	detailsN   int
	trendCalls int
}

func (f *fakeTunnels) TunnelDetails(ctx context.Context, id string) (*api.TunnelDetails, error) {
	f.mu.Lock()
	f.detailsN++
	n := f.detailsN
	hold := f.hold
	f.mu.Unlock()
	if hold != nil && n > 1 {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.details(n)
}

func (f *fakeTunnels) TrafficTrend(ctx context.Context, id string) ([]models.TrendPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trendCalls++
	return f.trend, nil
}

func (f *fakeTunnels) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailsN
}

func snapshot(instanceID string, tcpRx int64, logs ...string) *api.TunnelDetails {
	d := &api.TunnelDetails{
		Tunnel: &models.Tunnel{
			ID:         "1",
			InstanceID: instanceID,
			Name:       "web",
			Status:     models.BadgeFor(models.StateRunning),
			Traffic:    models.Traffic{TCPRx: tcpRx},
		},
		Trend: []models.TrendPoint{},
	}
	for i, m := range logs {
		d.Logs = append(d.Logs, models.LogEntry{ID: int64(i + 1), Message: m, IsHTML: true})
	}
	return d
}

type fakeSub struct {
	id      string
	h       stream.Handler
	stopped atomic.Bool
}

type fakeStream struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeStream) subscribe(id string, h stream.Handler) func() {
	s := &fakeSub{id: id, h: h}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return func() { s.stopped.Store(true) }
}

func (f *fakeStream) last(t *testing.T) *fakeSub {
	t.Helper()
	var s *fakeSub
	waitFor(t, "subscription", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.subs) == 0 {
			return false
		}
		s = f.subs[len(f.subs)-1]
		return true
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func logEvent(msg string, tcpRx int64, at time.Time) models.StreamEvent {
	return models.StreamEvent{
		EventType: models.EventLog,
		Logs:      msg,
		Instance:  &models.InstanceCounters{TCPRx: tcpRx},
		EventTime: at.Format(time.RFC3339Nano),
	}
}

func startTunnel(t *testing.T, src *fakeTunnels, fs *fakeStream, settle time.Duration) *TunnelController {
	t.Helper()
	c := NewTunnelController("1", src, TunnelOptions{SettleDelay: settle, Subscribe: fs.subscribe})
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	waitFor(t, "ready", func() bool { return c.View().Phase == PhaseReady })
	return c
}

// ── log buffer ───────────────────────────────────────────────────────────────

func TestLogBufferCap(t *testing.T) {
	b := NewLogBuffer(100)
	var ids []int64
	for i := 0; i < 101; i++ {
		e := b.Push(models.LogEntry{Message: "m"})
		ids = append(ids, e.ID)
	}
	if b.Len() != 100 {
		t.Fatalf("len = %d, want 100", b.Len())
	}
	entries := b.Entries()
	if entries[0].ID != ids[100] {
		t.Errorf("newest id = %d, want %d", entries[0].ID, ids[100])
	}
	for i, e := range entries {
		if e.ID == ids[0] {
			t.Error("oldest entry still present after overflow")
		}
		if i > 0 && e.ID >= entries[0].ID {
			t.Errorf("id %d not below newest %d", e.ID, entries[0].ID)
		}
	}
}

func TestLogBufferSeedContinuesCounter(t *testing.T) {
	b := NewLogBuffer(5)
	b.Seed([]models.LogEntry{{ID: 9}, {ID: 2}})
	if e := b.Push(models.LogEntry{}); e.ID != 10 {
		t.Errorf("first pushed id = %d, want 10", e.ID)
	}

	b = NewLogBuffer(5)
	b.Seed([]models.LogEntry{{}, {}, {}})
	if e := b.Push(models.LogEntry{}); e.ID != 4 {
		t.Errorf("first pushed id = %d, want 4", e.ID)
	}
}

// ── fetcher ──────────────────────────────────────────────────────────────────

func TestFetcherRejectsOverlap(t *testing.T) {
	gate := make(chan struct{})
	var issued atomic.Int32
	f := NewFetcher(func(ctx context.Context) (int, error) {
		issued.Add(1)
		<-gate
		return 7, nil
	})

	results := make(chan Result[int], 1)
	if err := f.Start(context.Background(), func(r Result[int]) { results <- r }); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := f.Start(context.Background(), func(Result[int]) {}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second Start err = %v, want ErrInFlight", err)
	}
	if r := f.Fetch(context.Background()); !errors.Is(r.Err, ErrInFlight) {
		t.Fatalf("Fetch while busy err = %v", r.Err)
	}
	close(gate)

	r := <-results
	if r.Err != nil || r.Value != 7 || !r.First {
		t.Errorf("result = %+v", r)
	}
	if r := f.Fetch(context.Background()); r.First {
		t.Error("second successful fetch flagged as first")
	}
	if issued.Load() != 2 || f.Calls() != 2 {
		t.Errorf("issued = %d calls = %d", issued.Load(), f.Calls())
	}
}

// ── tunnel controller ────────────────────────────────────────────────────────

func TestStreamEventDoesNotOverwriteTunnelFields(t *testing.T) {
	src := &fakeTunnels{details: func(int) (*api.TunnelDetails, error) { return snapshot("inst", 1000), nil }}
	fs := &fakeStream{}
	c := startTunnel(t, src, fs, time.Hour)

	sub := fs.last(t)
	if sub.id != "inst" {
		t.Fatalf("subscribed to %q", sub.id)
	}
	t0 := time.Now()
	sub.h.OnMessage(logEvent("\x1b[32mup\x1b[0m", 1500, t0.Add(5*time.Second)))
	waitFor(t, "log entry", func() bool { return len(c.View().Logs) == 1 })

	v := c.View()
	if v.Logs[0].Traffic.TCPRx != 1500 {
		t.Errorf("entry traffic = %d, want 1500", v.Logs[0].Traffic.TCPRx)
	}
	if v.Tunnel.Traffic.TCPRx != 1000 {
		t.Errorf("tunnel traffic = %d, want 1000 until next snapshot", v.Tunnel.Traffic.TCPRx)
	}
	if v.Logs[0].Message != `<span class="text-green-400">up</span>` {
		t.Errorf("message = %q", v.Logs[0].Message)
	}
	if v.ScrollSeq != 1 {
		t.Errorf("scroll seq = %d", v.ScrollSeq)
	}
}

func TestBurstSchedulesOneTrailingRefresh(t *testing.T) {
	src := &fakeTunnels{details: func(int) (*api.TunnelDetails, error) { return snapshot("inst", 0), nil }}
	fs := &fakeStream{}
	settle := 80 * time.Millisecond
	c := startTunnel(t, src, fs, settle)
	sub := fs.last(t)

	for i := 0; i < 5; i++ {
		sub.h.OnMessage(logEvent("line", int64(i), time.Now()))
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "five entries", func() bool { return len(c.View().Logs) == 5 })
	if n := src.calls(); n != 1 {
		t.Fatalf("refresh ran during burst: %d detail calls", n)
	}

	waitFor(t, "trailing refresh", func() bool { return c.View().Refreshes == 1 })
	time.Sleep(3 * settle)
	if n := src.calls(); n != 2 {
		t.Errorf("detail calls = %d, want initial + one trailing", n)
	}
}

func TestManualRefreshIgnoredWhileInFlight(t *testing.T) {
	src := &fakeTunnels{
		details: func(int) (*api.TunnelDetails, error) { return snapshot("inst", 0), nil },
		hold:    make(chan struct{}),
	}
	c := startTunnel(t, src, &fakeStream{}, time.Hour)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second refresh err = %v, want ErrInFlight", err)
	}
	if c.View().Phase != PhaseRefreshing {
		t.Errorf("phase = %s", c.View().Phase)
	}
	close(src.hold)
	waitFor(t, "refresh done", func() bool { return c.View().Phase == PhaseReady })
	if n := src.calls(); n != 2 {
		t.Errorf("detail calls = %d, want 2", n)
	}
}

func TestLogsSurviveRefresh(t *testing.T) {
	src := &fakeTunnels{details: func(n int) (*api.TunnelDetails, error) {
		if n == 1 {
			return snapshot("inst", 10, "a", "b"), nil
		}
		return snapshot("inst", 20, "x", "y", "z"), nil
	}}
	fs := &fakeStream{}
	c := startTunnel(t, src, fs, time.Hour)
	if got := len(c.View().Logs); got != 2 {
		t.Fatalf("seeded logs = %d", got)
	}

	fs.last(t).h.OnMessage(logEvent("live", 30, time.Now()))
	waitFor(t, "live entry", func() bool { return len(c.View().Logs) == 3 })

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "refresh", func() bool { return c.View().Refreshes == 1 })

	v := c.View()
	if v.Tunnel.Traffic.TCPRx != 20 {
		t.Errorf("tunnel fields not replaced: %d", v.Tunnel.Traffic.TCPRx)
	}
	if len(v.Logs) != 3 || v.Logs[0].ID != 3 || v.Logs[1].Message != "a" {
		t.Errorf("logs after refresh = %+v", v.Logs)
	}
}

func TestRefreshFailureKeepsLastGoodView(t *testing.T) {
	var notified atomic.Int32
	src := &fakeTunnels{details: func(n int) (*api.TunnelDetails, error) {
		if n == 1 {
			return snapshot("inst", 5), nil
		}
		return nil, &api.RequestFailed{Op: "tunnel details", Status: 500, Reason: "boom"}
	}}
	c := NewTunnelController("1", src, TunnelOptions{OnError: func(error) { notified.Add(1) }})
	c.Start(context.Background())
	defer c.Stop()
	waitFor(t, "ready", func() bool { return c.View().Phase == PhaseReady })

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "error", func() bool { return c.View().Error != "" })
	v := c.View()
	if v.Phase != PhaseReady || v.Tunnel == nil || v.Tunnel.Traffic.TCPRx != 5 {
		t.Errorf("view after failure = %+v", v)
	}
	if notified.Load() != 1 {
		t.Errorf("OnError calls = %d", notified.Load())
	}
}

func TestResubscribeOnInstanceChange(t *testing.T) {
	src := &fakeTunnels{details: func(n int) (*api.TunnelDetails, error) {
		if n == 1 {
			return snapshot("old", 0), nil
		}
		return snapshot("new", 0), nil
	}}
	fs := &fakeStream{}
	c := startTunnel(t, src, fs, time.Hour)
	old := fs.last(t)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resubscribe", func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.subs) == 2
	})
	if !old.stopped.Load() {
		t.Error("old subscription not torn down")
	}
	cur := fs.last(t)
	if cur.id != "new" {
		t.Errorf("subscribed to %q", cur.id)
	}

	// events from the old channel are dropped
	old.h.OnMessage(logEvent("stale", 0, time.Now()))
	cur.h.OnMessage(logEvent("fresh", 0, time.Now()))
	waitFor(t, "fresh entry", func() bool { return len(c.View().Logs) >= 1 })
	time.Sleep(20 * time.Millisecond)
	logs := c.View().Logs
	if len(logs) != 1 || logs[0].Message != "fresh" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestStopTearsDownAndCancelsPendingRefresh(t *testing.T) {
	src := &fakeTunnels{details: func(int) (*api.TunnelDetails, error) { return snapshot("inst", 0), nil }}
	fs := &fakeStream{}
	c := NewTunnelController("1", src, TunnelOptions{SettleDelay: 40 * time.Millisecond, Subscribe: fs.subscribe})
	c.Start(context.Background())
	waitFor(t, "ready", func() bool { return c.View().Phase == PhaseReady })
	sub := fs.last(t)

	sub.h.OnMessage(logEvent("x", 0, time.Now()))
	waitFor(t, "entry", func() bool { return len(c.View().Logs) == 1 })
	c.Stop()

	if !sub.stopped.Load() {
		t.Error("subscription still open after Stop")
	}
	time.Sleep(100 * time.Millisecond)
	if n := src.calls(); n != 1 {
		t.Errorf("pending refresh fired after Stop: %d calls", n)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Refresh after Stop err = %v", err)
	}
}

func TestApplyStatusAfterConfirmedAction(t *testing.T) {
	src := &fakeTunnels{details: func(int) (*api.TunnelDetails, error) { return snapshot("inst", 0), nil }}
	c := startTunnel(t, src, &fakeStream{}, time.Hour)

	c.ApplyStatus(models.StateStopped)
	c.ApplyRestartPolicy(true)
	v := c.View()
	if v.Tunnel.Status.State() != models.StateStopped || !v.Tunnel.Config.Restart {
		t.Errorf("tunnel = %+v", v.Tunnel)
	}
}

func TestTunnelChartUsesSharedUnit(t *testing.T) {
	now := time.Now()
	src := &fakeTunnels{
		details: func(int) (*api.TunnelDetails, error) { return snapshot("inst", 0), nil },
		trend: []models.TrendPoint{
			{EventTime: now.Add(-10 * time.Minute).Format("2006-01-02 15:04"), TCPRxDiff: 3 << 20, UDPTxDiff: 1024},
			{EventTime: now.Add(-3 * time.Hour).Format("2006-01-02 15:04"), TCPRxDiff: 1},
		},
	}
	c := startTunnel(t, src, &fakeStream{}, time.Hour)
	waitFor(t, "trend", func() bool { return len(c.View().Trend) == 2 })

	ch := c.Chart(format.Window1h)
	if ch.Unit != "MB" {
		t.Errorf("unit = %s, want MB", ch.Unit)
	}
	for _, s := range ch.Series {
		if len(s.Data) != 1 {
			t.Errorf("series %s has %d points, want 1", s.ID, len(s.Data))
		}
	}
}

// ── endpoint controller ──────────────────────────────────────────────────────

type fakeEndpoints struct {
	statsErr error
}

func (f *fakeEndpoints) EndpointDetail(ctx context.Context, id string) (*models.Endpoint, error) {
	return &models.Endpoint{ID: models.FlexID(id), Name: "node", Status: "ONLINE"}, nil
}

func (f *fakeEndpoints) EndpointStats(ctx context.Context, id string) (*models.EndpointStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &models.EndpointStats{TunnelCount: 3}, nil
}

func (f *fakeEndpoints) EndpointInstances(ctx context.Context, id string) ([]models.Instance, error) {
	return []models.Instance{{InstanceID: "a", Type: "server"}}, nil
}

func TestEndpointControllerRates(t *testing.T) {
	var h stream.MonitorHandler
	var mu sync.Mutex
	watch := func(id string, mh stream.MonitorHandler) func() {
		mu.Lock()
		h = mh
		mu.Unlock()
		return func() {}
	}
	c := NewEndpointController("4", &fakeEndpoints{}, EndpointOptions{Watch: watch})
	c.Start(context.Background())
	defer c.Stop()
	waitFor(t, "ready", func() bool { return c.View().Phase == PhaseReady })

	mu.Lock()
	onSample := h.OnSample
	mu.Unlock()
	onSample(models.SystemSample{CPU: 10.4, RAM: 50.6, NetRx: 1000, DiskW: 500, Timestamp: 1000})
	onSample(models.SystemSample{CPU: 11, Swap: 2, NetRx: 3000, DiskW: 100, Timestamp: 3000})
	waitFor(t, "samples", func() bool { return c.View().System.Samples == 2 })

	v := c.View()
	if v.Endpoint.Name != "node" || v.Stats.TunnelCount != 3 || len(v.Instances) != 1 {
		t.Errorf("snapshot = %+v", v)
	}
	if v.System.NetRx != 1000 {
		t.Errorf("net rx rate = %v, want 1000 B/s", v.System.NetRx)
	}
	if v.System.DiskW != 0 {
		t.Errorf("disk write rate after counter reset = %v, want 0", v.System.DiskW)
	}
	if v.System.CPU != 11 || !v.System.HasSwap {
		t.Errorf("system = %+v", v.System)
	}
}

func TestEndpointStatsFailureKeepsDetail(t *testing.T) {
	c := NewEndpointController("4", &fakeEndpoints{statsErr: errors.New("down")}, EndpointOptions{})
	c.Start(context.Background())
	defer c.Stop()
	waitFor(t, "ready", func() bool { return c.View().Phase == PhaseReady })
	v := c.View()
	if v.Endpoint == nil || v.Stats != nil {
		t.Errorf("view = %+v", v)
	}
	if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrInFlight) {
		t.Errorf("Refresh: %v", err)
	}
}
