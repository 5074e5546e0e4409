package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/vesaa/npdash/internal/models"
)

// MonitorHandler receives system-monitor samples. Same delivery rules as
// Handler.
type MonitorHandler struct {
	OnSample    func(models.SystemSample)
	OnError     func(error)
	OnConnected func()
	OnState     func(State)
}

// Monitor opens system-monitor websockets against one backend.
type Monitor struct {
	base    string // ws:// or wss:// root
	path    string // fmt pattern, %s = endpoint id
	header  func() http.Header
	dialer  *websocket.Dialer
	minWait time.Duration
	maxWait time.Duration
}

// NewMonitor creates a Monitor for an http(s) backend; the scheme is
// switched to ws(s).
func NewMonitor(baseURL, pathFormat string, header func() http.Header, minWait, maxWait time.Duration) *Monitor {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if minWait <= 0 {
		minWait = 500 * time.Millisecond
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return &Monitor{
		base:    base,
		path:    pathFormat,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minWait: minWait,
		maxWait: maxWait,
	}
}

// URL returns the websocket URL for an endpoint.
func (m *Monitor) URL(endpointID string) string {
	return m.base + fmt.Sprintf(m.path, endpointID)
}

// Watch streams samples of endpointID to h until the returned watch is
// closed.
func (m *Monitor) Watch(endpointID string, h MonitorHandler) *MonitorWatch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &MonitorWatch{
		EndpointID: endpointID,
		m:          m,
		h:          h,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateDisconnected,
	}
	go w.run(ctx)
	return w
}

// MonitorWatch is one live system-monitor connection.
type MonitorWatch struct {
	EndpointID string

	m      *Monitor
	h      MonitorHandler
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

// State returns the current connection status.
func (w *MonitorWatch) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Close stops the watch and waits for the reader goroutine.
func (w *MonitorWatch) Close() {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = w.conn.Close()
	}
	w.mu.Unlock()
	<-w.done
}

func (w *MonitorWatch) setState(st State) {
	w.mu.Lock()
	changed := w.state != st
	w.state = st
	w.mu.Unlock()
	if changed && w.h.OnState != nil {
		w.h.OnState(st)
	}
}

func (w *MonitorWatch) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateDisconnected)

	wait := w.m.minWait
	pace := rate.NewLimiter(rate.Every(wait), 1)
	for {
		if err := pace.Wait(ctx); err != nil {
			return
		}
		w.setState(StateConnecting)
		connected, err := w.read(ctx)
		if ctx.Err() != nil {
			return
		}
		w.setState(StateError)
		log.Printf("[monitor] endpoint %s: %v", w.EndpointID, err)
		if w.h.OnError != nil {
			w.h.OnError(err)
		}
		if connected {
			wait = w.m.minWait
		} else {
			wait *= 2
			if wait > w.m.maxWait {
				wait = w.m.maxWait
			}
		}
		pace.SetLimit(rate.Every(wait))
	}
}

func (w *MonitorWatch) read(ctx context.Context) (bool, error) {
	var hdr http.Header
	if w.m.header != nil {
		hdr = w.m.header()
	}
	conn, resp, err := w.m.dialer.DialContext(ctx, w.m.URL(w.EndpointID), hdr)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dialing monitor: %w (status %s)", err, resp.Status)
		}
		return false, fmt.Errorf("dialing monitor: %w", err)
	}
	w.mu.Lock()
	if ctx.Err() != nil {
		w.mu.Unlock()
		conn.Close()
		return false, ctx.Err()
	}
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
	}()

	w.setState(StateConnected)
	if w.h.OnConnected != nil {
		w.h.OnConnected()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading monitor: %w", err)
		}
		sample, ok, err := decodeSample(data)
		if err != nil {
			if w.h.OnError != nil {
				w.h.OnError(err)
			}
			continue
		}
		if ok && w.h.OnSample != nil {
			w.h.OnSample(sample)
		}
	}
}

// decodeSample accepts a bare sample or one wrapped as {"type":..,"data":{..}}.
// Frames of any other type are ignored (ok=false).
func decodeSample(data []byte) (models.SystemSample, bool, error) {
	var wrapped struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return models.SystemSample{}, false, fmt.Errorf("decoding monitor frame: %w", err)
	}
	payload := data
	if len(wrapped.Data) > 0 {
		if wrapped.Type != "" && wrapped.Type != "system_monitor" && wrapped.Type != "data" {
			return models.SystemSample{}, false, nil
		}
		payload = wrapped.Data
	}
	var s models.SystemSample
	if err := json.Unmarshal(payload, &s); err != nil {
		return models.SystemSample{}, false, fmt.Errorf("decoding monitor sample: %w", err)
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	return s, true, nil
}
