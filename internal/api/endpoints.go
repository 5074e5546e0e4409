package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vesaa/npdash/internal/models"
)

// EndpointDetail fetches one endpoint's record.
func (c *Client) EndpointDetail(ctx context.Context, id string) (*models.Endpoint, error) {
	var out struct {
		Endpoint *models.Endpoint `json:"endpoint"`
	}
	if _, err := c.do(ctx, "endpoint detail", http.MethodGet, "/api/endpoints/"+url.PathEscape(id)+"/detail", nil, &out); err != nil {
		return nil, err
	}
	if out.Endpoint == nil {
		return nil, &RequestFailed{Op: "endpoint detail", Status: http.StatusOK, Reason: "response has no endpoint"}
	}
	return out.Endpoint, nil
}

// EndpointStats fetches the derived statistics of an endpoint.
func (c *Client) EndpointStats(ctx context.Context, id string) (*models.EndpointStats, error) {
	var out struct {
		Data *models.EndpointStats `json:"data"`
	}
	if _, err := c.do(ctx, "endpoint stats", http.MethodGet, "/api/endpoints/"+url.PathEscape(id)+"/stats", nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return &models.EndpointStats{}, nil
	}
	return out.Data, nil
}

// EndpointInstances lists the tunnel instances an endpoint reports. Items
// without a type or id, and masked ids, are dropped. A missing type is
// inferred from the command line scheme.
func (c *Client) EndpointInstances(ctx context.Context, id string) ([]models.Instance, error) {
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if _, err := c.do(ctx, "endpoint instances", http.MethodGet, "/api/endpoints/"+url.PathEscape(id)+"/instances", nil, &out); err != nil {
		return nil, err
	}

	list := make([]models.Instance, 0, len(out.Data))
	for _, item := range out.Data {
		var raw struct {
			ID          string `json:"id"`
			InstanceID  string `json:"instanceId"`
			CommandLine string `json:"commandLine"`
			URL         string `json:"url"`
			Type        string `json:"type"`
			Mode        string `json:"mode"`
			Status      string `json:"status"`
			Alias       string `json:"alias"`
			Name        string `json:"name"`
		}
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		inst := models.Instance{
			InstanceID:  firstNonEmpty(raw.ID, raw.InstanceID),
			CommandLine: firstNonEmpty(raw.CommandLine, raw.URL),
			Type:        firstNonEmpty(raw.Type, raw.Mode),
			Status:      firstNonEmpty(raw.Status, "unknown"),
			Alias:       firstNonEmpty(raw.Alias, raw.Name),
		}
		if inst.Type == "" && inst.CommandLine != "" {
			inst.Type = "server"
			if strings.Contains(inst.CommandLine, "client://") {
				inst.Type = "client"
			}
		}
		if inst.Type == "" || inst.InstanceID == "" || inst.InstanceID == "********" {
			continue
		}
		list = append(list, inst)
	}
	return list, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Endpoint actions accepted by ControlEndpoint. "refresTunnel" is the
// backend's spelling.
const (
	EndpointReconnect      = "reconnect"
	EndpointDisconnect     = "disconnect"
	EndpointRefreshTunnels = "refresTunnel"
)

// ControlEndpoint reconnects, disconnects or refreshes an endpoint.
func (c *Client) ControlEndpoint(ctx context.Context, id, action string) (*Result, error) {
	n, _ := strconv.ParseInt(id, 10, 64)
	var res Result
	if _, err := c.do(ctx, "endpoint "+action, http.MethodPatch, "/api/endpoints", map[string]any{"id": n, "action": action}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResetEndpointKey makes the backend generate a new API key.
func (c *Client) ResetEndpointKey(ctx context.Context, id string) (*Result, error) {
	var res Result
	if _, err := c.do(ctx, "reset key", http.MethodPost, "/api/endpoints/"+url.PathEscape(id)+"/reset-key", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteEndpoint removes an endpoint registration.
func (c *Client) DeleteEndpoint(ctx context.Context, id string) (*Result, error) {
	var res Result
	if _, err := c.do(ctx, "endpoint delete", http.MethodDelete, "/api/endpoints/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
