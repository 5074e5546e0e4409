package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/models"
)

// TunnelDetails is the decoded GET /api/tunnels/{id}/details payload.
// Tunnel is nil when the backend omitted tunnelInfo.
type TunnelDetails struct {
	Tunnel *models.Tunnel
	Logs   []models.LogEntry
	Trend  []models.TrendPoint
}

type rawDetails struct {
	TunnelInfo   *models.Tunnel      `json:"tunnelInfo"`
	Logs         []json.RawMessage   `json:"logs"`
	TrafficTrend []models.TrendPoint `json:"trafficTrend"`
}

// TunnelDetails fetches the full current state of one tunnel.
func (c *Client) TunnelDetails(ctx context.Context, id string) (*TunnelDetails, error) {
	var raw rawDetails
	if _, err := c.do(ctx, "tunnel details", http.MethodGet, "/api/tunnels/"+url.PathEscape(id)+"/details", nil, &raw); err != nil {
		return nil, err
	}
	d := &TunnelDetails{
		Tunnel: raw.TunnelInfo,
		Logs:   decodeLogs(raw.Logs, time.Now()),
		Trend:  raw.TrafficTrend,
	}
	if d.Trend == nil {
		d.Trend = []models.TrendPoint{}
	}
	return d, nil
}

// decodeLogs accepts both log shapes the backend has shipped: objects with
// id/message/traffic/timestamp, and bare strings. Bare strings get sequential
// ids starting at 1 and now as timestamp. Undecodable items are skipped.
func decodeLogs(items []json.RawMessage, now time.Time) []models.LogEntry {
	logs := make([]models.LogEntry, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			logs = append(logs, models.LogEntry{
				ID:        int64(i + 1),
				Message:   format.ANSIToHTML(s),
				IsHTML:    true,
				Timestamp: now,
			})
			continue
		}
		var e struct {
			ID        json.Number    `json:"id"`
			Message   string         `json:"message"`
			IsHTML    bool           `json:"isHtml"`
			Traffic   models.Traffic `json:"traffic"`
			Timestamp string         `json:"timestamp"`
		}
		if err := json.Unmarshal(item, &e); err != nil {
			continue
		}
		entry := models.LogEntry{
			Message:   e.Message,
			IsHTML:    true,
			Traffic:   e.Traffic,
			Timestamp: now,
		}
		if id, err := e.ID.Int64(); err == nil {
			entry.ID = id
		} else {
			entry.ID = int64(i + 1)
		}
		if !e.IsHTML {
			entry.Message = format.ANSIToHTML(e.Message)
		}
		if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
			entry.Timestamp = ts
		}
		logs = append(logs, entry)
	}
	return logs
}

// TrafficTrend fetches the per-interval traffic deltas of a tunnel.
func (c *Client) TrafficTrend(ctx context.Context, id string) ([]models.TrendPoint, error) {
	var out struct {
		TrafficTrend []models.TrendPoint `json:"trafficTrend"`
	}
	if _, err := c.do(ctx, "traffic trend", http.MethodGet, "/api/tunnels/"+url.PathEscape(id)+"/traffic-trend", nil, &out); err != nil {
		return nil, err
	}
	if out.TrafficTrend == nil {
		return []models.TrendPoint{}, nil
	}
	return out.TrafficTrend, nil
}

// Tunnel actions accepted by ControlTunnel.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// ControlTunnel starts, stops or restarts a tunnel instance.
func (c *Client) ControlTunnel(ctx context.Context, id, instanceID, action string) (*Result, error) {
	switch action {
	case ActionStart, ActionStop, ActionRestart:
	default:
		return nil, fmt.Errorf("unsupported tunnel action %q", action)
	}
	body := map[string]string{"instanceId": instanceID, "action": action}
	var res Result
	if _, err := c.do(ctx, "tunnel "+action, http.MethodPatch, "/api/tunnels/"+url.PathEscape(id), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteTunnel removes a tunnel. With recycle the backend moves it to the
// recycle bin instead of deleting it permanently.
func (c *Client) DeleteTunnel(ctx context.Context, id, instanceID string, recycle bool) (*Result, error) {
	body := map[string]any{"instanceId": instanceID, "recycle": recycle}
	path := "/api/tunnels/" + url.PathEscape(id) + "?recycle=" + strconv.FormatBool(recycle)
	var res Result
	if _, err := c.do(ctx, "tunnel delete", http.MethodDelete, path, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetRestartPolicy toggles automatic restart of a tunnel.
func (c *Client) SetRestartPolicy(ctx context.Context, id string, restart bool) (*Result, error) {
	var res Result
	if _, err := c.do(ctx, "restart policy", http.MethodPatch, "/api/tunnels/"+url.PathEscape(id)+"/restart", map[string]bool{"restart": restart}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RenameTunnel changes a tunnel's display name.
func (c *Client) RenameTunnel(ctx context.Context, id int64, name string) (*Result, error) {
	body := map[string]any{"id": id, "action": "rename", "name": name}
	var res Result
	if _, err := c.do(ctx, "tunnel rename", http.MethodPatch, "/api/tunnels", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AssignTag binds tunnels to a tag, replacing its previous members.
func (c *Client) AssignTag(ctx context.Context, tagID int64, tunnelIDs []int64) (*Result, error) {
	if tunnelIDs == nil {
		tunnelIDs = []int64{}
	}
	path := fmt.Sprintf("/api/tags/%d/tunnels", tagID)
	var res Result
	if _, err := c.do(ctx, "tag tunnels", http.MethodPut, path, map[string]any{"tunnelIds": tunnelIDs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
