package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// controller is what the registry needs from a reconcile controller.
type controller interface {
	Start(ctx context.Context)
	Stop()
}

type entry[C controller] struct {
	ctrl C
	refs int
	last time.Time
}

// Registry keeps one running controller per resource id. Controllers are
// started on first use and stopped once nobody has held them for idleTTL.
type Registry[C controller] struct {
	kind    string
	newCtrl func(id string) C
	idleTTL time.Duration
	ctx     context.Context
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[C]
}

// NewRegistry creates a registry whose controllers live under ctx.
func NewRegistry[C controller](ctx context.Context, kind string, idleTTL time.Duration, newCtrl func(id string) C) *Registry[C] {
	return &Registry[C]{
		kind:    kind,
		newCtrl: newCtrl,
		idleTTL: idleTTL,
		ctx:     ctx,
		now:     time.Now,
		entries: make(map[string]*entry[C]),
	}
}

// Get returns the controller for id, starting it if needed.
func (r *Registry[C]) Get(id string) C {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id).ctrl
}

func (r *Registry[C]) getLocked(id string) *entry[C] {
	e, ok := r.entries[id]
	if !ok {
		e = &entry[C]{ctrl: r.newCtrl(id)}
		e.ctrl.Start(r.ctx)
		r.entries[id] = e
		log.Printf("[server] started %s controller %s", r.kind, id)
	}
	e.last = r.now()
	return e
}

// Acquire returns the controller for id and keeps it alive until release
// is called. Used by long-lived stream clients.
func (r *Registry[C]) Acquire(id string) (C, func()) {
	r.mu.Lock()
	e := r.getLocked(id)
	e.refs++
	r.mu.Unlock()

	var once sync.Once
	return e.ctrl, func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			e.last = r.now()
			r.mu.Unlock()
		})
	}
}

// Drop stops and forgets the controller for id, e.g. after deletion.
func (r *Registry[C]) Drop(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		e.ctrl.Stop()
		log.Printf("[server] dropped %s controller %s", r.kind, id)
	}
}

// Len is the number of running controllers.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep stops controllers that are unreferenced and idle past idleTTL.
func (r *Registry[C]) Sweep() int {
	now := r.now()
	var idle []C
	r.mu.Lock()
	for id, e := range r.entries {
		if e.refs == 0 && now.Sub(e.last) >= r.idleTTL {
			idle = append(idle, e.ctrl)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, c := range idle {
		c.Stop()
	}
	if len(idle) > 0 {
		log.Printf("[server] stopped %d idle %s controllers", len(idle), r.kind)
	}
	return len(idle)
}

// RunSweeper calls Sweep every interval until ctx ends.
func (r *Registry[C]) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// Close stops every controller.
func (r *Registry[C]) Close() {
	r.mu.Lock()
	all := r.entries
	r.entries = make(map[string]*entry[C])
	r.mu.Unlock()
	for _, e := range all {
		e.ctrl.Stop()
	}
}
