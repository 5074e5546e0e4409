package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/rate"
	"github.com/vesaa/npdash/internal/stream"
)

// Phase is the page-level state of a controller.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhaseReady      Phase = "ready"
	PhaseRefreshing Phase = "refreshing"
)

// DefaultSettleDelay is how long the stream must stay quiet before the
// snapshot is re-fetched.
const DefaultSettleDelay = 2000 * time.Millisecond

// Counter names used for live traffic rates.
const (
	RateTCPRx = "tcpRx"
	RateTCPTx = "tcpTx"
	RateUDPRx = "udpRx"
	RateUDPTx = "udpTx"
)

// TunnelSource is the part of the backend client a tunnel view reads from.
// *api.Client implements it.
type TunnelSource interface {
	TunnelDetails(ctx context.Context, id string) (*api.TunnelDetails, error)
	TrafficTrend(ctx context.Context, id string) ([]models.TrendPoint, error)
}

// SubscribeFunc opens an event stream for an instance and returns the
// function that tears it down. The stop function must not return while a
// callback of h can still run.
type SubscribeFunc func(instanceID string, h stream.Handler) (stop func())

// StreamSubscriber adapts a stream.Subscriber to a SubscribeFunc.
func StreamSubscriber(s *stream.Subscriber) SubscribeFunc {
	return func(instanceID string, h stream.Handler) func() {
		return s.Subscribe(instanceID, h).Close
	}
}

// TunnelView is the merged view model of one tunnel page.
type TunnelView struct {
	Phase  Phase               `json:"phase" yaml:"phase"`
	Tunnel *models.Tunnel      `json:"tunnel" yaml:"tunnel"`
	Logs   []models.LogEntry   `json:"logs" yaml:"logs"`
	Trend  []models.TrendPoint `json:"trend" yaml:"trend"`
	// Rates are bytes/second derived from the counters carried by stream
	// events. They are independent of Tunnel.Traffic.
	Rates  map[string]float64 `json:"rates" yaml:"rates"`
	Stream stream.State       `json:"stream" yaml:"stream"`
	Error  string             `json:"error,omitempty" yaml:"error,omitempty"`
	// ScrollSeq grows by one each time a streamed entry lands at the top of
	// Logs; renderers scroll to the latest entry when it changes.
	ScrollSeq uint64    `json:"scrollSeq" yaml:"scroll_seq"`
	Refreshes int       `json:"refreshes" yaml:"refreshes"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// TunnelOptions tunes a TunnelController. Zero values pick defaults.
type TunnelOptions struct {
	SettleDelay time.Duration
	LogCap      int
	Subscribe   SubscribeFunc // nil disables streaming
	OnError     func(error)   // fetch failures, for notifications
	Now         func() time.Time
}

type streamMsg struct {
	gen int
	ev  models.StreamEvent
}

type stateMsg struct {
	gen int
	st  stream.State
}

// TunnelController keeps one tunnel's view in sync with the backend.
type TunnelController struct {
	id   string
	src  TunnelSource
	opts TunnelOptions

	details *Fetcher[*api.TunnelDetails]
	trend   *Fetcher[[]models.TrendPoint]

	detailsCh chan Result[*api.TunnelDetails]
	trendCh   chan Result[[]models.TrendPoint]
	events    chan streamMsg
	states    chan stateMsg
	refreshCh chan chan error
	mutate    chan mutation
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	// owned by the run loop
	view    TunnelView
	logs    *LogBuffer
	meter   *rate.Meter
	pending []models.StreamEvent
	settle  *time.Timer
	subID   string
	subGen  int
	subGone chan struct{}
	subStop func()

	pubMu     sync.RWMutex
	published TunnelView
	watchers  map[chan struct{}]struct{}
}

// NewTunnelController creates a controller for tunnel id. Call Start to run it.
func NewTunnelController(id string, src TunnelSource, opts TunnelOptions) *TunnelController {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.LogCap <= 0 {
		opts.LogCap = DefaultLogCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &TunnelController{
		id:        id,
		src:       src,
		opts:      opts,
		detailsCh: make(chan Result[*api.TunnelDetails], 1),
		trendCh:   make(chan Result[[]models.TrendPoint], 1),
		events:    make(chan streamMsg, 64),
		states:    make(chan stateMsg, 8),
		refreshCh: make(chan chan error),
		mutate:    make(chan mutation),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logs:      NewLogBuffer(opts.LogCap),
		meter:     rate.NewMeter(RateTCPRx, RateTCPTx, RateUDPRx, RateUDPTx),
		watchers:  make(map[chan struct{}]struct{}),
	}
	c.details = NewFetcher(func(ctx context.Context) (*api.TunnelDetails, error) {
		return src.TunnelDetails(ctx, id)
	})
	c.trend = NewFetcher(func(ctx context.Context) ([]models.TrendPoint, error) {
		return src.TrafficTrend(ctx, id)
	})
	c.view = TunnelView{
		Phase:  PhaseLoading,
		Logs:   []models.LogEntry{},
		Trend:  []models.TrendPoint{},
		Rates:  c.meter.Rates(),
		Stream: stream.StateDisconnected,
	}
	c.published = c.view
	return c
}

// ID is the tunnel id the controller was created for.
func (c *TunnelController) ID() string { return c.id }

// Start runs the controller until ctx ends or Stop is called. It must be
// called exactly once, before Stop.
func (c *TunnelController) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop tears down the stream subscription and pending refresh and waits for
// the run loop to exit.
func (c *TunnelController) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.done
}

// Done is closed once the run loop has exited.
func (c *TunnelController) Done() <-chan struct{} { return c.done }

// View returns a copy of the latest published view.
func (c *TunnelController) View() TunnelView {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	return c.published
}

// Chart derives the chart data of the current trend for window w.
func (c *TunnelController) Chart(w format.Window) format.TrafficChart {
	return format.BuildTrafficChart(c.View().Trend, w, c.opts.Now())
}

// Watch returns a channel that receives a value after every published change,
// coalescing bursts, and a function that unregisters it.
func (c *TunnelController) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.pubMu.Lock()
	c.watchers[ch] = struct{}{}
	c.pubMu.Unlock()
	return ch, func() {
		c.pubMu.Lock()
		delete(c.watchers, ch)
		c.pubMu.Unlock()
	}
}

// Refresh requests a snapshot re-fetch. It returns ErrInFlight without doing
// anything when a fetch is already running.
func (c *TunnelController) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.refreshCh <- reply:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// ApplyStatus sets the tunnel status locally. It is meant to be called only
// after the backend has confirmed a state change.
func (c *TunnelController) ApplyStatus(state models.TunnelState) {
	c.apply(func(v *TunnelView) {
		if v.Tunnel == nil {
			return
		}
		t := *v.Tunnel
		t.Status = models.BadgeFor(state)
		v.Tunnel = &t
	})
}

// ApplyRestartPolicy sets the restart flag locally after a confirmed change.
func (c *TunnelController) ApplyRestartPolicy(restart bool) {
	c.apply(func(v *TunnelView) {
		if v.Tunnel == nil {
			return
		}
		t := *v.Tunnel
		t.Config.Restart = restart
		v.Tunnel = &t
	})
}

// ApplyName sets the tunnel name locally after a confirmed rename.
func (c *TunnelController) ApplyName(name string) {
	c.apply(func(v *TunnelView) {
		if v.Tunnel == nil {
			return
		}
		t := *v.Tunnel
		t.Name = name
		v.Tunnel = &t
	})
}

type mutation struct {
	fn   func(*TunnelView)
	done chan struct{}
}

// apply runs fn on the loop and returns once the result is published.
func (c *TunnelController) apply(fn func(*TunnelView)) {
	m := mutation{fn: fn, done: make(chan struct{})}
	select {
	case c.mutate <- m:
		<-m.done
	case <-c.done:
	}
}

// ── Run loop ─────────────────────────────────────────────────────────────────

func (c *TunnelController) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	c.startDetails(ctx)
	c.startTrend(ctx)
	c.publish()

	for {
		var settleC <-chan time.Time
		if c.settle != nil {
			settleC = c.settle.C
		}

		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return

		case r := <-c.detailsCh:
			c.applyDetails(r)
		case r := <-c.trendCh:
			c.applyTrend(r)

		case m := <-c.events:
			if m.gen != c.subGen {
				continue // from a torn-down subscription
			}
			c.applyEvent(m.ev)
		case m := <-c.states:
			if m.gen != c.subGen {
				continue
			}
			c.view.Stream = m.st

		case <-settleC:
			c.settle = nil
			if err := c.refresh(ctx); err == ErrInFlight {
				log.Printf("[reconcile] tunnel %s: settle refresh skipped, fetch in flight", c.id)
			}
		case reply := <-c.refreshCh:
			err := c.refresh(ctx)
			c.publish()
			reply <- err
			continue

		case m := <-c.mutate:
			m.fn(&c.view)
			c.publish()
			close(m.done)
			continue
		}
		c.publish()
	}
}

func (c *TunnelController) teardown() {
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.unsubscribe()
	c.view.Stream = stream.StateDisconnected
	c.publish()
}

func (c *TunnelController) startDetails(ctx context.Context) error {
	return c.details.Start(ctx, func(r Result[*api.TunnelDetails]) {
		select {
		case c.detailsCh <- r:
		case <-c.quit:
		case <-ctx.Done():
		}
	})
}

func (c *TunnelController) startTrend(ctx context.Context) error {
	return c.trend.Start(ctx, func(r Result[[]models.TrendPoint]) {
		select {
		case c.trendCh <- r:
		case <-c.quit:
		case <-ctx.Done():
		}
	})
}

// refresh re-fetches details and trend. Logs are not re-seeded.
func (c *TunnelController) refresh(ctx context.Context) error {
	if err := c.startDetails(ctx); err != nil {
		return err
	}
	_ = c.startTrend(ctx) // a trend fetch still running will land on its own
	if c.view.Phase == PhaseReady {
		c.view.Phase = PhaseRefreshing
	}
	return nil
}

func (c *TunnelController) applyDetails(r Result[*api.TunnelDetails]) {
	wasRefresh := c.view.Phase == PhaseRefreshing
	if r.Err != nil {
		c.view.Error = r.Err.Error()
		log.Printf("[reconcile] tunnel %s: %v", c.id, r.Err)
		if c.opts.OnError != nil {
			c.opts.OnError(r.Err)
		}
		if wasRefresh {
			c.view.Phase = PhaseReady
			c.drainPending()
		}
		return
	}

	c.view.Error = ""
	if r.Value.Tunnel != nil {
		t := *r.Value.Tunnel
		c.view.Tunnel = &t
	}
	if r.First {
		c.logs.Seed(r.Value.Logs)
		c.view.Logs = c.logs.Entries()
		// the details payload may carry a trend; use it until the trend fetch lands
		if len(c.view.Trend) == 0 && len(r.Value.Trend) > 0 {
			c.view.Trend = r.Value.Trend
		}
	}
	if wasRefresh {
		c.view.Refreshes++
	}
	c.view.Phase = PhaseReady
	c.view.UpdatedAt = c.opts.Now()

	if c.view.Tunnel != nil && c.view.Tunnel.InstanceID != c.subID {
		c.resubscribe(c.view.Tunnel.InstanceID)
	}
	c.drainPending()
}

func (c *TunnelController) applyTrend(r Result[[]models.TrendPoint]) {
	if r.Err != nil {
		log.Printf("[reconcile] tunnel %s trend: %v", c.id, r.Err)
		if c.opts.OnError != nil {
			c.opts.OnError(r.Err)
		}
		return
	}
	c.view.Trend = r.Value
}

func (c *TunnelController) applyEvent(ev models.StreamEvent) {
	switch c.view.Phase {
	case PhaseLoading:
		return
	case PhaseRefreshing:
		if len(c.pending) == c.opts.LogCap {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, ev)
		return
	}

	now := c.opts.Now()
	if ev.Instance != nil {
		c.view.Rates = c.meter.Observe(ev.Time(now), map[string]int64{
			RateTCPRx: ev.Instance.TCPRx,
			RateTCPTx: ev.Instance.TCPTx,
			RateUDPRx: ev.Instance.UDPRx,
			RateUDPTx: ev.Instance.UDPTx,
		})
	}
	if ev.EventType != models.EventLog || ev.Logs == "" {
		return
	}

	entry := models.LogEntry{
		Message:   format.ANSIToHTML(ev.Logs),
		IsHTML:    true,
		Timestamp: ev.Time(now),
	}
	if ev.Instance != nil {
		entry.Traffic = ev.Instance.Traffic()
	}
	c.logs.Push(entry)
	c.view.Logs = c.logs.Entries()
	c.view.ScrollSeq++
	c.scheduleRefresh()
}

func (c *TunnelController) drainPending() {
	pending := c.pending
	c.pending = nil
	for _, ev := range pending {
		c.applyEvent(ev)
	}
}

// scheduleRefresh (re)arms the trailing settle timer.
func (c *TunnelController) scheduleRefresh() {
	if c.settle != nil {
		if !c.settle.Stop() {
			select {
			case <-c.settle.C:
			default:
			}
		}
	}
	c.settle = time.NewTimer(c.opts.SettleDelay)
}

// ── Subscription ─────────────────────────────────────────────────────────────

func (c *TunnelController) resubscribe(instanceID string) {
	c.unsubscribe()
	c.meter.Reset()
	c.view.Rates = c.meter.Rates()
	c.subID = instanceID
	if instanceID == "" || c.opts.Subscribe == nil {
		return
	}

	c.subGen++
	gen := c.subGen
	gone := make(chan struct{})
	c.subGone = gone
	c.subStop = c.opts.Subscribe(instanceID, stream.Handler{
		OnMessage: func(ev models.StreamEvent) {
			select {
			case c.events <- streamMsg{gen: gen, ev: ev}:
			case <-gone:
			case <-c.quit:
			}
		},
		OnError: func(err error) {
			log.Printf("[reconcile] tunnel %s stream: %v", c.id, err)
		},
		OnState: func(st stream.State) {
			select {
			case c.states <- stateMsg{gen: gen, st: st}:
			case <-gone:
			case <-c.quit:
			}
		},
	})
	log.Printf("[reconcile] tunnel %s: subscribed to instance %s", c.id, instanceID)
}

func (c *TunnelController) unsubscribe() {
	if c.subStop == nil {
		return
	}
	close(c.subGone)
	c.subStop()
	c.subStop, c.subGone = nil, nil
	c.subGen++
	c.view.Stream = stream.StateDisconnected
}

// ── Publishing ───────────────────────────────────────────────────────────────

func (c *TunnelController) publish() {
	c.pubMu.Lock()
	c.published = c.view
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.pubMu.Unlock()
}
