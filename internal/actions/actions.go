// Package actions issues lifecycle commands against tunnels and endpoints and
// reports every outcome as a notification. Completion callbacks run only
// after the backend has confirmed success; a failure leaves local state alone.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/notify"
)

// Backend is the subset of the API client the dispatcher needs.
// *api.Client implements it.
type Backend interface {
	ControlTunnel(ctx context.Context, id, instanceID, action string) (*api.Result, error)
	DeleteTunnel(ctx context.Context, id, instanceID string, recycle bool) (*api.Result, error)
	SetRestartPolicy(ctx context.Context, id string, restart bool) (*api.Result, error)
	RenameTunnel(ctx context.Context, id int64, name string) (*api.Result, error)
	AssignTag(ctx context.Context, tagID int64, tunnelIDs []int64) (*api.Result, error)
	ControlEndpoint(ctx context.Context, id, action string) (*api.Result, error)
	ResetEndpointKey(ctx context.Context, id string) (*api.Result, error)
	DeleteEndpoint(ctx context.Context, id string) (*api.Result, error)
}

// Target names the resource an action applies to. InstanceID is the
// transport-level id and is only needed for tunnels.
type Target struct {
	ID         string
	InstanceID string
	Name       string
}

func (t Target) label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// ErrAutoRestartUnsupported replaces backend errors that mean the instance
// has no auto-restart support.
var ErrAutoRestartUnsupported = errors.New("this instance does not support auto restart")

// Dispatcher runs actions and notifies about their outcome.
type Dispatcher struct {
	b Backend
	n notify.Notifier
}

// New creates a Dispatcher. A nil notifier logs.
func New(b Backend, n notify.Notifier) *Dispatcher {
	if n == nil {
		n = notify.Logger{}
	}
	return &Dispatcher{b: b, n: n}
}

// ── Tunnels ──────────────────────────────────────────────────────────────────

// Toggle stops a running tunnel or starts a stopped one. onChange receives
// the new running state.
func (d *Dispatcher) Toggle(ctx context.Context, t Target, running bool, onChange func(running bool)) error {
	action, verb := api.ActionStart, "started"
	if running {
		action, verb = api.ActionStop, "stopped"
	}
	res, err := d.b.ControlTunnel(ctx, t.ID, t.InstanceID, action)
	if err != nil {
		return d.fail(tunnelRes(t), "Failed to "+action+" "+t.label(), err)
	}
	d.ok(tunnelRes(t), fmt.Sprintf("Tunnel %s %s", t.label(), verb), res)
	if onChange != nil {
		onChange(!running)
	}
	return nil
}

// Restart restarts a tunnel. onChange receives true (running) on success.
func (d *Dispatcher) Restart(ctx context.Context, t Target, onChange func(running bool)) error {
	res, err := d.b.ControlTunnel(ctx, t.ID, t.InstanceID, api.ActionRestart)
	if err != nil {
		return d.fail(tunnelRes(t), "Failed to restart "+t.label(), err)
	}
	d.ok(tunnelRes(t), "Tunnel "+t.label()+" restarted", res)
	if onChange != nil {
		onChange(true)
	}
	return nil
}

// Delete removes a tunnel, moving it to the recycle bin when recycle is set.
// onDeleted runs after confirmed deletion, typically to leave the detail view.
func (d *Dispatcher) Delete(ctx context.Context, t Target, recycle bool, onDeleted func()) error {
	res, err := d.b.DeleteTunnel(ctx, t.ID, t.InstanceID, recycle)
	if err != nil {
		return d.fail(tunnelRes(t), "Failed to delete "+t.label(), err)
	}
	title := "Tunnel " + t.label() + " deleted"
	if recycle {
		title = "Tunnel " + t.label() + " moved to recycle bin"
	}
	d.ok(tunnelRes(t), title, res)
	if onDeleted != nil {
		onDeleted()
	}
	return nil
}

// SetRestartPolicy turns automatic restart on or off.
func (d *Dispatcher) SetRestartPolicy(ctx context.Context, t Target, restart bool, onChange func(restart bool)) error {
	res, err := d.b.SetRestartPolicy(ctx, t.ID, restart)
	if err != nil {
		if unsupported(err) {
			err = ErrAutoRestartUnsupported
		}
		return d.fail(tunnelRes(t), "Failed to update restart policy", err)
	}
	state := "disabled"
	if restart {
		state = "enabled"
	}
	d.ok(tunnelRes(t), "Auto restart "+state, res)
	if onChange != nil {
		onChange(restart)
	}
	return nil
}

// Rename changes the display name of a tunnel.
func (d *Dispatcher) Rename(ctx context.Context, t Target, name string, onChange func(name string)) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return d.fail(tunnelRes(t), "Failed to rename "+t.label(), errors.New("name must not be empty"))
	}
	id, err := strconv.ParseInt(t.ID, 10, 64)
	if err != nil {
		return d.fail(tunnelRes(t), "Failed to rename "+t.label(), fmt.Errorf("tunnel id %q is not numeric", t.ID))
	}
	res, err := d.b.RenameTunnel(ctx, id, name)
	if err != nil {
		return d.fail(tunnelRes(t), "Failed to rename "+t.label(), err)
	}
	d.ok(tunnelRes(t), "Tunnel renamed to "+name, res)
	if onChange != nil {
		onChange(name)
	}
	return nil
}

// AssignTag makes tunnelIDs the members of tag tagID.
func (d *Dispatcher) AssignTag(ctx context.Context, tagID int64, tagName string, tunnelIDs []int64, onDone func()) error {
	resource := fmt.Sprintf("tag/%d", tagID)
	if tagName == "" {
		tagName = fmt.Sprint(tagID)
	}
	res, err := d.b.AssignTag(ctx, tagID, tunnelIDs)
	if err != nil {
		return d.fail(resource, "Failed to update tag "+tagName, err)
	}
	d.ok(resource, fmt.Sprintf("Tag %s now has %d tunnels", tagName, len(tunnelIDs)), res)
	if onDone != nil {
		onDone()
	}
	return nil
}

// ── Endpoints ────────────────────────────────────────────────────────────────

// Reconnect asks the backend to reconnect to an endpoint.
func (d *Dispatcher) Reconnect(ctx context.Context, t Target, onDone func()) error {
	return d.endpoint(ctx, t, api.EndpointReconnect, "reconnected", onDone)
}

// Disconnect drops the backend's connection to an endpoint.
func (d *Dispatcher) Disconnect(ctx context.Context, t Target, onDone func()) error {
	return d.endpoint(ctx, t, api.EndpointDisconnect, "disconnected", onDone)
}

// RefreshTunnels makes the backend re-sync an endpoint's tunnel list.
func (d *Dispatcher) RefreshTunnels(ctx context.Context, t Target, onDone func()) error {
	return d.endpoint(ctx, t, api.EndpointRefreshTunnels, "tunnels refreshed", onDone)
}

func (d *Dispatcher) endpoint(ctx context.Context, t Target, action, done string, onDone func()) error {
	res, err := d.b.ControlEndpoint(ctx, t.ID, action)
	if err != nil {
		return d.fail(endpointRes(t), "Endpoint "+t.label()+": "+action+" failed", err)
	}
	d.ok(endpointRes(t), "Endpoint "+t.label()+" "+done, res)
	if onDone != nil {
		onDone()
	}
	return nil
}

// ResetKey rotates an endpoint's API key.
func (d *Dispatcher) ResetKey(ctx context.Context, t Target, onDone func()) error {
	res, err := d.b.ResetEndpointKey(ctx, t.ID)
	if err != nil {
		return d.fail(endpointRes(t), "Failed to reset key of "+t.label(), err)
	}
	d.ok(endpointRes(t), "API key of "+t.label()+" reset", res)
	if onDone != nil {
		onDone()
	}
	return nil
}

// DeleteEndpoint removes an endpoint registration.
func (d *Dispatcher) DeleteEndpoint(ctx context.Context, t Target, onDeleted func()) error {
	res, err := d.b.DeleteEndpoint(ctx, t.ID)
	if err != nil {
		return d.fail(endpointRes(t), "Failed to delete endpoint "+t.label(), err)
	}
	d.ok(endpointRes(t), "Endpoint "+t.label()+" deleted", res)
	if onDeleted != nil {
		onDeleted()
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func tunnelRes(t Target) string   { return "tunnel/" + t.ID }
func endpointRes(t Target) string { return "endpoint/" + t.ID }

func (d *Dispatcher) ok(resource, title string, res *api.Result) {
	desc := ""
	if res != nil {
		desc = res.Message
	}
	d.n.Notify(notify.Success(resource, title, desc))
}

func (d *Dispatcher) fail(resource, title string, err error) error {
	d.n.Notify(notify.Failure(resource, title, Reason(err)))
	return err
}

// Reason is the user-facing text of an action error: the server-provided
// message when there is one.
func Reason(err error) string {
	var rf *api.RequestFailed
	if errors.As(err, &rf) && rf.Reason != "" {
		return rf.Reason
	}
	return err.Error()
}

var unsupportedMarkers = []string{"404", "Not Found", "不支持", "unsupported"}

func unsupported(err error) bool {
	var rf *api.RequestFailed
	if errors.As(err, &rf) && rf.Status == 404 {
		return true
	}
	msg := Reason(err)
	for _, m := range unsupportedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
