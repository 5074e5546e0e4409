package models

import "time"

// Event types delivered on a tunnel stream.
const (
	EventLog      = "log"
	EventUpdate   = "update"
	EventInitial  = "initial"
	EventCreate   = "create"
	EventDelete   = "delete"
	EventShutdown = "shutdown"
)

// InstanceCounters is the point-in-time traffic snapshot carried by stream
// events. The counters are cumulative.
type InstanceCounters struct {
	TCPRx  int64  `json:"tcprx"`
	TCPTx  int64  `json:"tcptx"`
	UDPRx  int64  `json:"udprx"`
	UDPTx  int64  `json:"udptx"`
	Status string `json:"status,omitempty"`
}

// Traffic converts the counters into the Traffic shape used by log entries.
func (c InstanceCounters) Traffic() Traffic {
	return Traffic{TCPRx: c.TCPRx, TCPTx: c.TCPTx, UDPRx: c.UDPRx, UDPTx: c.UDPTx}
}

// StreamEvent is one message of the per-instance event stream.
type StreamEvent struct {
	EventType  string            `json:"eventType"`
	PushType   string            `json:"pushType,omitempty"`
	InstanceID string            `json:"instanceId,omitempty"`
	Logs       string            `json:"logs,omitempty"`
	Instance   *InstanceCounters `json:"instance,omitempty"`
	EventTime  string            `json:"eventTime,omitempty"`
}

// Time parses EventTime, falling back to fallback when it is absent or
// malformed.
func (e StreamEvent) Time(fallback time.Time) time.Time {
	if e.EventTime == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, e.EventTime, fallback.Location()); err == nil {
			return t
		}
	}
	return fallback
}

// SystemSample is one reading from an endpoint's system monitor. Net and
// disk counters are cumulative bytes; Timestamp is in milliseconds.
type SystemSample struct {
	CPU       float64 `json:"cpu"`
	RAM       float64 `json:"ram"`
	Swap      float64 `json:"swap"`
	NetRx     int64   `json:"netrx"`
	NetTx     int64   `json:"nettx"`
	DiskR     int64   `json:"diskr"`
	DiskW     int64   `json:"diskw"`
	Timestamp int64   `json:"timestamp"`
}

// At returns Timestamp as a time.Time.
func (s SystemSample) At() time.Time { return time.UnixMilli(s.Timestamp) }
