// Package notify surfaces transient success/failure notices for user
// actions and background failures.
package notify

import (
	"log"
	"sync"
	"time"

	"github.com/vesaa/npdash/internal/models"
)

// Notice is one transient notification.
type Notice struct {
	Level       models.NotificationLevel `json:"level" yaml:"level"`
	Title       string                   `json:"title" yaml:"title"`
	Description string                   `json:"description" yaml:"description"`
	Resource    string                   `json:"resource,omitempty" yaml:"resource,omitempty"`
	At          time.Time                `json:"at" yaml:"at"`
}

// Notifier delivers notices. Implementations must not block for long.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to a Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Success builds a success notice.
func Success(resource, title, desc string) Notice {
	return Notice{Level: models.LevelSuccess, Title: title, Description: desc, Resource: resource, At: time.Now()}
}

// Failure builds a danger notice.
func Failure(resource, title, desc string) Notice {
	return Notice{Level: models.LevelDanger, Title: title, Description: desc, Resource: resource, At: time.Now()}
}

// Warning builds a warning notice.
func Warning(resource, title, desc string) Notice {
	return Notice{Level: models.LevelWarning, Title: title, Description: desc, Resource: resource, At: time.Now()}
}

// Logger writes notices to the process log.
type Logger struct{}

func (Logger) Notify(n Notice) {
	if n.Description != "" {
		log.Printf("[notify] %s %s: %s: %s", n.Level, n.Resource, n.Title, n.Description)
		return
	}
	log.Printf("[notify] %s %s: %s", n.Level, n.Resource, n.Title)
}

// Sink is where persisted notices go. *store.Store implements it.
type Sink interface {
	AddNotification(n *models.Notification) error
}

// Persist stores every notice in a Sink. Storage errors are logged, not
// returned, since a notice must never fail the action that raised it.
type Persist struct {
	Sink Sink
}

func (p Persist) Notify(n Notice) {
	row := &models.Notification{
		Level:       n.Level,
		Title:       n.Title,
		Description: n.Description,
		Resource:    n.Resource,
	}
	if err := p.Sink.AddNotification(row); err != nil {
		log.Printf("[notify] persisting notice: %v", err)
	}
}

// Multi fans a notice out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, x := range m {
		x.Notify(n)
	}
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of what was recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Last returns the most recent notice and whether there was one.
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}
