// Package hostmon samples the local machine with gopsutil and presents it as
// an endpoint, so the endpoint view can run without a backend.
package hostmon

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/stream"
)

// LocalID is the endpoint id the local host answers to.
const LocalID = "local"

// Collector takes system samples of the host it runs on.
type Collector struct {
	// Interval between samples sent by Watch.
	Interval time.Duration
	// CPUWindow is how long CPU usage is measured per sample.
	CPUWindow time.Duration
}

// NewCollector creates a Collector that samples every interval.
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Collector{Interval: interval, CPUWindow: 200 * time.Millisecond}
}

// Sample reads one SystemSample. Net and disk values are cumulative byte
// counters, like the ones a NodePass endpoint reports. Sources the platform
// does not support stay zero.
func (c *Collector) Sample(ctx context.Context) (models.SystemSample, error) {
	s := models.SystemSample{}

	pcts, err := cpu.PercentWithContext(ctx, c.CPUWindow, false)
	if err != nil {
		return s, fmt.Errorf("cpu usage: %w", err)
	}
	if len(pcts) > 0 {
		s.CPU = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.RAM = vm.UsedPercent
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil && sw.Total > 0 {
		s.Swap = sw.UsedPercent
	}

	// aggregate of all interfaces
	if io, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		s.NetRx = int64(io[0].BytesRecv)
		s.NetTx = int64(io[0].BytesSent)
	}

	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		for _, d := range counters {
			s.DiskR += int64(d.ReadBytes)
			s.DiskW += int64(d.WriteBytes)
		}
	}

	s.Timestamp = time.Now().UnixMilli()
	return s, nil
}

// Watch streams samples until the returned stop function is called. The
// signature matches the one the endpoint controller expects of a monitor.
func (c *Collector) Watch(_ string, h stream.MonitorHandler) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	setState := func(st stream.State) {
		if h.OnState != nil {
			h.OnState(st)
		}
	}

	go func() {
		defer close(done)
		defer setState(stream.StateDisconnected)

		setState(stream.StateConnected)
		if h.OnConnected != nil {
			h.OnConnected()
		}

		ticker := time.NewTicker(c.Interval)
		defer ticker.Stop()
		for {
			s, err := c.Sample(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				if h.OnError != nil {
					h.OnError(err)
				}
			case h.OnSample != nil:
				h.OnSample(s)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// ── Local endpoint ───────────────────────────────────────────────────────────

// Endpoint describes the local host in the shape the backend uses for
// endpoints.
func Endpoint(ctx context.Context) (*models.Endpoint, error) {
	ep := &models.Endpoint{
		ID:     models.FlexID(LocalID),
		Status: "ONLINE",
		OS:     runtime.GOOS,
		Arch:   runtime.GOARCH,
	}
	if h, err := os.Hostname(); err == nil {
		ep.Name = h
	}
	if ip := localIP(); ip != "" {
		ep.URL = "http://" + ip
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return ep, nil
	}
	if info.Platform != "" {
		ep.OS = info.Platform
		if info.PlatformVersion != "" {
			ep.OS = info.Platform + " " + info.PlatformVersion // e.g. "ubuntu 22.04"
		}
	}
	ep.Ver = info.KernelVersion
	up := int64(info.Uptime)
	ep.Uptime = &up
	ep.LastCheck = time.Now().Format(time.RFC3339)
	return ep, nil
}

// Source serves the local host to an endpoint controller. Stats are zero
// and the instance list is empty since no NodePass runs here.
type Source struct{}

func (Source) EndpointDetail(ctx context.Context, id string) (*models.Endpoint, error) {
	if id != LocalID {
		return nil, fmt.Errorf("unknown local endpoint %q", id)
	}
	return Endpoint(ctx)
}

func (Source) EndpointStats(context.Context, string) (*models.EndpointStats, error) {
	return &models.EndpointStats{}, nil
}

func (Source) EndpointInstances(context.Context, string) ([]models.Instance, error) {
	return []models.Instance{}, nil
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}
