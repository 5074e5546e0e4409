package reconcile

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/rate"
	"github.com/vesaa/npdash/internal/stream"
)

// Counter names used for endpoint system rates.
const (
	RateNetRx = "netRx"
	RateNetTx = "netTx"
	RateDiskR = "diskR"
	RateDiskW = "diskW"
)

// EndpointSource is the part of the backend client an endpoint view reads
// from. *api.Client implements it.
type EndpointSource interface {
	EndpointDetail(ctx context.Context, id string) (*models.Endpoint, error)
	EndpointStats(ctx context.Context, id string) (*models.EndpointStats, error)
	EndpointInstances(ctx context.Context, id string) ([]models.Instance, error)
}

// WatchFunc opens a system-monitor channel for an endpoint and returns the
// function that tears it down.
type WatchFunc func(endpointID string, h stream.MonitorHandler) (stop func())

// MonitorWatcher adapts a stream.Monitor to a WatchFunc.
func MonitorWatcher(m *stream.Monitor) WatchFunc {
	return func(endpointID string, h stream.MonitorHandler) func() {
		return m.Watch(endpointID, h).Close
	}
}

// SystemView is the live system section of an endpoint page. Usage values
// are rounded percentages; rates are bytes/second.
type SystemView struct {
	CPU      int        `json:"cpu" yaml:"cpu"`
	RAM      int        `json:"ram" yaml:"ram"`
	Swap     int        `json:"swap" yaml:"swap"`
	HasSwap  bool       `json:"hasSwap" yaml:"has_swap"`
	NetRx    float64    `json:"netRx" yaml:"net_rx"`
	NetTx    float64    `json:"netTx" yaml:"net_tx"`
	DiskR    float64    `json:"diskR" yaml:"disk_r"`
	DiskW    float64    `json:"diskW" yaml:"disk_w"`
	Samples  int        `json:"samples" yaml:"samples"`
	SampleAt *time.Time `json:"sampleAt,omitempty" yaml:"sample_at,omitempty"`
}

// EndpointView is the merged view model of one endpoint page.
type EndpointView struct {
	Phase     Phase                 `json:"phase" yaml:"phase"`
	Endpoint  *models.Endpoint      `json:"endpoint" yaml:"endpoint"`
	Stats     *models.EndpointStats `json:"stats" yaml:"stats"`
	Instances []models.Instance     `json:"instances" yaml:"instances"`
	System    SystemView            `json:"system" yaml:"system"`
	Monitor   stream.State          `json:"monitor" yaml:"monitor"`
	Error     string                `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time             `json:"updatedAt" yaml:"updated_at"`
}

// endpointSnapshot is one detail+stats+instances fetch. Only the detail is
// required; the other two keep their last value on failure.
type endpointSnapshot struct {
	endpoint     *models.Endpoint
	stats        *models.EndpointStats
	instances    []models.Instance
	statsErr     error
	instancesErr error
}

// EndpointOptions tunes an EndpointController.
type EndpointOptions struct {
	Watch   WatchFunc // nil disables the system monitor
	OnError func(error)
}

// EndpointController keeps one endpoint's view in sync with the backend.
type EndpointController struct {
	id   string
	opts EndpointOptions

	snap *Fetcher[endpointSnapshot]

	snapCh    chan Result[endpointSnapshot]
	samples   chan models.SystemSample
	states    chan stream.State
	refreshCh chan chan error
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	view      EndpointView
	meter     *rate.Meter
	watchGone chan struct{}
	watchStop func()

	pubMu     sync.RWMutex
	published EndpointView
	watchers  map[chan struct{}]struct{}
}

// NewEndpointController creates a controller for endpoint id.
func NewEndpointController(id string, src EndpointSource, opts EndpointOptions) *EndpointController {
	c := &EndpointController{
		id:        id,
		opts:      opts,
		snapCh:    make(chan Result[endpointSnapshot], 1),
		samples:   make(chan models.SystemSample, 16),
		states:    make(chan stream.State, 8),
		refreshCh: make(chan chan error),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		meter:     rate.NewMeter(RateNetRx, RateNetTx, RateDiskR, RateDiskW),
		watchers:  make(map[chan struct{}]struct{}),
	}
	c.snap = NewFetcher(func(ctx context.Context) (endpointSnapshot, error) {
		return fetchEndpoint(ctx, src, id)
	})
	c.view = EndpointView{
		Phase:     PhaseLoading,
		Instances: []models.Instance{},
		Monitor:   stream.StateDisconnected,
	}
	c.published = c.view
	return c
}

func fetchEndpoint(ctx context.Context, src EndpointSource, id string) (endpointSnapshot, error) {
	var (
		s  endpointSnapshot
		wg sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.stats, s.statsErr = src.EndpointStats(ctx, id)
	}()
	go func() {
		defer wg.Done()
		s.instances, s.instancesErr = src.EndpointInstances(ctx, id)
	}()
	ep, err := src.EndpointDetail(ctx, id)
	wg.Wait()
	if err != nil {
		return endpointSnapshot{}, err
	}
	s.endpoint = ep
	return s, nil
}

// Start runs the controller until ctx ends or Stop is called.
func (c *EndpointController) Start(ctx context.Context) { go c.run(ctx) }

// Stop tears down the monitor and waits for the run loop to exit.
func (c *EndpointController) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.done
}

// ID returns the endpoint id.
func (c *EndpointController) ID() string { return c.id }

// Done is closed once the run loop has exited.
func (c *EndpointController) Done() <-chan struct{} { return c.done }

// View returns a copy of the latest published view.
func (c *EndpointController) View() EndpointView {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	return c.published
}

// Watch is the endpoint counterpart of TunnelController.Watch.
func (c *EndpointController) Watch() (<-chan struct{}, func()) {
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

// Refresh re-fetches detail, stats and instances. It returns ErrInFlight when
// a fetch is already running.
func (c *EndpointController) Refresh(ctx context.Context) error {
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

func (c *EndpointController) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		c.stopWatch()
		c.publish()
	}()

	c.start(ctx)
	c.startWatch()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case r := <-c.snapCh:
			c.applySnapshot(r)
		case s := <-c.samples:
			c.applySample(s)
		case st := <-c.states:
			c.view.Monitor = st
		case reply := <-c.refreshCh:
			err := c.start(ctx)
			if err == nil && c.view.Phase == PhaseReady {
				c.view.Phase = PhaseRefreshing
			}
			c.publish()
			reply <- err
			continue
		}
		c.publish()
	}
}

func (c *EndpointController) start(ctx context.Context) error {
	return c.snap.Start(ctx, func(r Result[endpointSnapshot]) {
		select {
		case c.snapCh <- r:
		case <-c.quit:
		case <-ctx.Done():
		}
	})
}

func (c *EndpointController) applySnapshot(r Result[endpointSnapshot]) {
	if r.Err != nil {
		c.view.Error = r.Err.Error()
		log.Printf("[reconcile] endpoint %s: %v", c.id, r.Err)
		if c.opts.OnError != nil {
			c.opts.OnError(r.Err)
		}
		if c.view.Phase == PhaseRefreshing {
			c.view.Phase = PhaseReady
		}
		return
	}
	s := r.Value
	c.view.Error = ""
	ep := *s.endpoint
	c.view.Endpoint = &ep
	if s.statsErr == nil {
		c.view.Stats = s.stats
	} else {
		log.Printf("[reconcile] endpoint %s stats: %v", c.id, s.statsErr)
	}
	if s.instancesErr == nil {
		c.view.Instances = s.instances
	} else {
		log.Printf("[reconcile] endpoint %s instances: %v", c.id, s.instancesErr)
	}
	c.view.Phase = PhaseReady
	c.view.UpdatedAt = time.Now()
}

func (c *EndpointController) applySample(s models.SystemSample) {
	sys := &c.view.System
	sys.CPU = int(math.Round(s.CPU))
	sys.RAM = int(math.Round(s.RAM))
	sys.Swap = int(math.Round(s.Swap))
	if s.Swap > 0 {
		sys.HasSwap = true
	}
	rates := c.meter.Observe(s.At(), map[string]int64{
		RateNetRx: s.NetRx,
		RateNetTx: s.NetTx,
		RateDiskR: s.DiskR,
		RateDiskW: s.DiskW,
	})
	sys.NetRx, sys.NetTx = rates[RateNetRx], rates[RateNetTx]
	sys.DiskR, sys.DiskW = rates[RateDiskR], rates[RateDiskW]
	sys.Samples++
	at := s.At()
	sys.SampleAt = &at
}

func (c *EndpointController) startWatch() {
	if c.opts.Watch == nil {
		return
	}
	gone := make(chan struct{})
	c.watchGone = gone
	c.watchStop = c.opts.Watch(c.id, stream.MonitorHandler{
		OnSample: func(s models.SystemSample) {
			select {
			case c.samples <- s:
			case <-gone:
			case <-c.quit:
			}
		},
		OnError: func(err error) {
			log.Printf("[reconcile] endpoint %s monitor: %v", c.id, err)
		},
		OnState: func(st stream.State) {
			select {
			case c.states <- st:
			case <-gone:
			case <-c.quit:
			}
		},
	})
}

func (c *EndpointController) stopWatch() {
	if c.watchStop == nil {
		return
	}
	close(c.watchGone)
	c.watchStop()
	c.watchStop, c.watchGone = nil, nil
	c.view.Monitor = stream.StateDisconnected
}

func (c *EndpointController) publish() {
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
