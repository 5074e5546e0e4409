// Package models defines the NodePass resources npdash reads from the backend,
// plus the GORM rows it keeps locally.
package models

import "time"

// TunnelState is the lifecycle state of a tunnel instance.
type TunnelState string

const (
	StateRunning  TunnelState = "running"
	StateStopped  TunnelState = "stopped"
	StateError    TunnelState = "error"
	StateStarting TunnelState = "starting"
	StateStopping TunnelState = "stopping"
	StateUnknown  TunnelState = "unknown"
)

// StatusBadge is the {type,text} pair the backend attaches to a tunnel.
// Type is one of "success", "danger" or "warning".
type StatusBadge struct {
	Type string `json:"type" yaml:"type"`
	Text string `json:"text" yaml:"text"`
}

// State maps the badge onto a TunnelState. Raw state names are accepted
// as well, since list endpoints return them unwrapped.
func (s StatusBadge) State() TunnelState {
	switch s.Type {
	case "success":
		return StateRunning
	case "danger":
		return StateStopped
	case "warning":
		return StateError
	}
	switch TunnelState(s.Type) {
	case StateRunning, StateStopped, StateError, StateStarting, StateStopping:
		return TunnelState(s.Type)
	}
	return StateUnknown
}

// BadgeFor returns the badge the backend would report for a state.
func BadgeFor(state TunnelState) StatusBadge {
	switch state {
	case StateRunning:
		return StatusBadge{Type: "success", Text: "running"}
	case StateStopped:
		return StatusBadge{Type: "danger", Text: "stopped"}
	case StateError:
		return StatusBadge{Type: "warning", Text: "error"}
	}
	return StatusBadge{Type: string(state), Text: string(state)}
}

// TunnelConfig is the configuration sub-record of a tunnel.
type TunnelConfig struct {
	ListenPort  int    `json:"listenPort" yaml:"listen_port"`
	TargetPort  int    `json:"targetPort" yaml:"target_port"`
	TLS         bool   `json:"tls" yaml:"tls"`
	LogLevel    string `json:"logLevel" yaml:"log_level"`
	TLSMode     string `json:"tlsMode,omitempty" yaml:"tls_mode,omitempty"`
	EndpointTLS string `json:"endpointTLS,omitempty" yaml:"endpoint_tls,omitempty"`
	EndpointLog string `json:"endpointLog,omitempty" yaml:"endpoint_log,omitempty"`
	Min         *int64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *int64 `json:"max,omitempty" yaml:"max,omitempty"`
	Restart     bool   `json:"restart" yaml:"restart"`
}

// Traffic is a set of cumulative byte counters. Counters never decrease
// unless the instance restarts.
type Traffic struct {
	TCPRx int64 `json:"tcpRx" yaml:"tcp_rx"`
	TCPTx int64 `json:"tcpTx" yaml:"tcp_tx"`
	UDPRx int64 `json:"udpRx" yaml:"udp_rx"`
	UDPTx int64 `json:"udpTx" yaml:"udp_tx"`
}

// Total is the sum of all four counters.
func (t Traffic) Total() int64 { return t.TCPRx + t.TCPTx + t.UDPRx + t.UDPTx }

// Tunnel is the tunnelInfo record of GET /api/tunnels/{id}/details.
type Tunnel struct {
	ID            FlexID       `json:"id" yaml:"id"`
	InstanceID    string       `json:"instanceId" yaml:"instance_id"`
	Name          string       `json:"name" yaml:"name"`
	Type          string       `json:"type" yaml:"type"`
	Status        StatusBadge  `json:"status" yaml:"status"`
	Endpoint      string       `json:"endpoint" yaml:"endpoint"`
	EndpointID    FlexID       `json:"endpointId" yaml:"endpoint_id"`
	Password      string       `json:"password,omitempty" yaml:"password,omitempty"`
	Config        TunnelConfig `json:"config" yaml:"config"`
	Traffic       Traffic      `json:"traffic" yaml:"traffic"`
	Error         string       `json:"error,omitempty" yaml:"error,omitempty"`
	TunnelAddress string       `json:"tunnelAddress" yaml:"tunnel_address"`
	TargetAddress string       `json:"targetAddress" yaml:"target_address"`
	CommandLine   string       `json:"commandLine" yaml:"command_line"`
}

// LogEntry is one line in a tunnel's log console. ID is assigned by the
// client and is unrelated to any server-side id.
type LogEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	Message   string    `json:"message" yaml:"message"`
	IsHTML    bool      `json:"isHtml" yaml:"is_html"`
	Traffic   Traffic   `json:"traffic" yaml:"traffic"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// TrendPoint is one aggregation interval of traffic. The Diff counters are
// deltas since the previous point, not cumulative totals.
type TrendPoint struct {
	EventTime string `json:"eventTime" yaml:"event_time"`
	TCPRxDiff int64  `json:"tcpRxDiff" yaml:"tcp_rx_diff"`
	TCPTxDiff int64  `json:"tcpTxDiff" yaml:"tcp_tx_diff"`
	UDPRxDiff int64  `json:"udpRxDiff" yaml:"udp_rx_diff"`
	UDPTxDiff int64  `json:"udpTxDiff" yaml:"udp_tx_diff"`
}
