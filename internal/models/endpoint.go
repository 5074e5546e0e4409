package models

// Endpoint is a registered NodePass control node, as returned by
// GET /api/endpoints/{id}/detail.
type Endpoint struct {
	ID        FlexID `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	URL       string `json:"url" yaml:"url"`
	APIPath   string `json:"apiPath" yaml:"api_path"`
	APIKey    string `json:"apiKey" yaml:"-"`
	Status    string `json:"status" yaml:"status"`
	Color     string `json:"color,omitempty" yaml:"color,omitempty"`
	OS        string `json:"os,omitempty" yaml:"os,omitempty"`
	Arch      string `json:"arch,omitempty" yaml:"arch,omitempty"`
	Ver       string `json:"ver,omitempty" yaml:"ver,omitempty"`
	Log       string `json:"log,omitempty" yaml:"log,omitempty"`
	TLS       string `json:"tls,omitempty" yaml:"tls,omitempty"`
	Crt       string `json:"crt,omitempty" yaml:"crt,omitempty"`
	KeyPath   string `json:"keyPath,omitempty" yaml:"key_path,omitempty"`
	Uptime    *int64 `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	LastCheck string `json:"lastCheck" yaml:"last_check"`
	CreatedAt string `json:"createdAt" yaml:"created_at"`
	UpdatedAt string `json:"updatedAt" yaml:"updated_at"`
}

// Online reports whether the backend considers the endpoint connected.
func (e Endpoint) Online() bool { return e.Status == "ONLINE" }

// EndpointStats are the derived statistics of an endpoint.
type EndpointStats struct {
	TunnelCount     int   `json:"tunnelCount" yaml:"tunnel_count"`
	FileLogCount    int   `json:"fileLogCount" yaml:"file_log_count"`
	FileLogSize     int64 `json:"fileLogSize" yaml:"file_log_size"`
	TotalTrafficIn  int64 `json:"totalTrafficIn" yaml:"total_traffic_in"`
	TotalTrafficOut int64 `json:"totalTrafficOut" yaml:"total_traffic_out"`
	TCPTrafficIn    int64 `json:"tcpTrafficIn" yaml:"tcp_traffic_in"`
	TCPTrafficOut   int64 `json:"tcpTrafficOut" yaml:"tcp_traffic_out"`
	UDPTrafficIn    int64 `json:"udpTrafficIn" yaml:"udp_traffic_in"`
	UDPTrafficOut   int64 `json:"udpTrafficOut" yaml:"udp_traffic_out"`
}

// Instance is one tunnel instance as reported by the endpoint itself.
type Instance struct {
	InstanceID  string `json:"instanceId" yaml:"instance_id"`
	CommandLine string `json:"commandLine" yaml:"command_line"`
	Type        string `json:"type" yaml:"type"`
	Status      string `json:"status" yaml:"status"`
	Alias       string `json:"alias" yaml:"alias"`
}
