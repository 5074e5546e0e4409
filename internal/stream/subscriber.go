package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vesaa/npdash/internal/models"
)

// State is the connection status of a subscription.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Handler receives the callbacks of a subscription. Callbacks run on the
// subscription's reader goroutine, one at a time, and never after Close
// returns. Nil callbacks are skipped.
type Handler struct {
	OnMessage   func(models.StreamEvent)
	OnError     func(error)
	OnConnected func()
	OnState     func(State)
}

// Subscriber opens per-instance event streams against one backend.
type Subscriber struct {
	base    string
	path    string // fmt pattern, %s = instance id
	header  func() http.Header
	hc      *http.Client
	minWait time.Duration
	maxWait time.Duration
}

// NewSubscriber creates a Subscriber. header is called on every (re)connect
// so a refreshed token is picked up. minWait and maxWait bound the
// reconnect backoff.
func NewSubscriber(baseURL, pathFormat string, header func() http.Header, minWait, maxWait time.Duration) *Subscriber {
	if minWait <= 0 {
		minWait = 500 * time.Millisecond
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return &Subscriber{
		base:    strings.TrimRight(baseURL, "/"),
		path:    pathFormat,
		header:  header,
		hc:      &http.Client{}, // no timeout: streams are long-lived
		minWait: minWait,
		maxWait: maxWait,
	}
}

// URL returns the stream URL for an instance.
func (s *Subscriber) URL(instanceID string) string {
	return s.base + fmt.Sprintf(s.path, url.PathEscape(instanceID))
}

// Subscribe starts delivering events of instanceID to h until the returned
// Subscription is closed. Connection failures are reported through
// h.OnError and retried with backoff.
func (s *Subscriber) Subscribe(instanceID string, h Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		InstanceID: instanceID,
		s:          s,
		h:          h,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateDisconnected,
	}
	go sub.run(ctx)
	return sub
}

// Subscription is one logical channel for one instance id.
type Subscription struct {
	InstanceID string

	s      *Subscriber
	h      Handler
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	lastID string
	retry  time.Duration
}

// State returns the current connection status.
func (sub *Subscription) State() State {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Close tears the channel down and waits until no callback can fire any more.
// It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

// Done is closed once the subscription has fully stopped.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

func (sub *Subscription) setState(st State) {
	sub.mu.Lock()
	changed := sub.state != st
	sub.state = st
	sub.mu.Unlock()
	if changed && sub.h.OnState != nil {
		sub.h.OnState(st)
	}
}

func (sub *Subscription) run(ctx context.Context) {
	defer close(sub.done)
	defer sub.setState(StateDisconnected)

	wait := sub.s.minWait
	pace := rate.NewLimiter(rate.Every(wait), 1)
	for {
		if err := pace.Wait(ctx); err != nil {
			return
		}
		sub.setState(StateConnecting)
		connected, err := sub.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		sub.setState(StateError)
		log.Printf("[stream] %s: %v", sub.InstanceID, err)
		if sub.h.OnError != nil {
			sub.h.OnError(err)
		}

		switch {
		case connected:
			wait = sub.s.minWait
		default:
			wait *= 2
			if wait > sub.s.maxWait {
				wait = sub.s.maxWait
			}
		}
		sub.mu.Lock()
		if sub.retry > 0 {
			wait = sub.retry
		}
		sub.mu.Unlock()
		pace.SetLimit(rate.Every(wait))
	}
}

// stream runs one connection until it fails or ctx ends. connected reports
// whether the server accepted the stream before it broke.
func (sub *Subscription) stream(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.s.URL(sub.InstanceID), nil)
	if err != nil {
		return false, fmt.Errorf("building stream request: %w", err)
	}
	if sub.s.header != nil {
		for k, vs := range sub.s.header() {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	sub.mu.Lock()
	if sub.lastID != "" {
		req.Header.Set("Last-Event-ID", sub.lastID)
	}
	sub.mu.Unlock()

	resp, err := sub.s.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		return false, fmt.Errorf("unexpected content type %q", ct)
	}

	sub.setState(StateConnected)
	if sub.h.OnConnected != nil {
		sub.h.OnConnected()
	}

	dec := NewDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, errors.New("stream closed by server")
			}
			return true, err
		}
		sub.mu.Lock()
		if f.ID != "" {
			sub.lastID = f.ID
		}
		if f.Retry > 0 {
			sub.retry = f.Retry
		}
		sub.mu.Unlock()

		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			if sub.h.OnError != nil {
				sub.h.OnError(fmt.Errorf("decoding event: %w", err))
			}
			continue
		}
		if ev.EventType == "" {
			ev.EventType = f.Event
		}
		if ev.InstanceID == "" {
			ev.InstanceID = sub.InstanceID
		}
		if sub.h.OnMessage != nil {
			sub.h.OnMessage(ev)
		}
	}
}
