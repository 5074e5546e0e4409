package actions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/notify"
)

func init() { gin.SetMode(gin.TestMode) }

func newDispatcher(t *testing.T, register func(r *gin.Engine)) (*Dispatcher, *notify.Recorder) {
	t.Helper()
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	rec := &notify.Recorder{}
	return New(api.New(srv.URL, 2*time.Second), rec), rec
}

func lastNotice(t *testing.T, rec *notify.Recorder) notify.Notice {
	t.Helper()
	n, ok := rec.Last()
	if !ok {
		t.Fatal("no notice recorded")
	}
	return n
}

func TestDeleteWithRecycleNavigates(t *testing.T) {
	var gotRecycle string
	d, rec := newDispatcher(t, func(r *gin.Engine) {
		r.DELETE("/api/tunnels/:id", func(c *gin.Context) {
			gotRecycle = c.Query("recycle")
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "moved"})
		})
	})

	navigated := false
	err := d.Delete(context.Background(), Target{ID: "7", InstanceID: "abc", Name: "web"}, true, func() { navigated = true })
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gotRecycle != "true" {
		t.Errorf("recycle query = %q", gotRecycle)
	}
	if !navigated {
		t.Error("navigate callback not invoked")
	}
	n := lastNotice(t, rec)
	if n.Level != models.LevelSuccess || n.Resource != "tunnel/7" || n.Description != "moved" {
		t.Errorf("notice = %+v", n)
	}
}

func TestDeleteFailureReportsServerError(t *testing.T) {
	d, rec := newDispatcher(t, func(r *gin.Engine) {
		r.DELETE("/api/tunnels/:id", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "instance busy"})
		})
	})

	navigated := false
	err := d.Delete(context.Background(), Target{ID: "7", InstanceID: "abc"}, false, func() { navigated = true })
	if err == nil {
		t.Fatal("expected error")
	}
	if navigated {
		t.Error("navigate must not run on failure")
	}
	n := lastNotice(t, rec)
	if n.Level != models.LevelDanger || n.Description != "instance busy" {
		t.Errorf("notice = %+v", n)
	}
}

func TestToggleSendsOppositeAction(t *testing.T) {
	var actions []string
	d, rec := newDispatcher(t, func(r *gin.Engine) {
		r.PATCH("/api/tunnels/:id", func(c *gin.Context) {
			var body struct {
				InstanceID string `json:"instanceId"`
				Action     string `json:"action"`
			}
			if err := c.ShouldBindJSON(&body); err != nil || body.InstanceID != "abc" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad body"})
				return
			}
			actions = append(actions, body.Action)
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
	})
	target := Target{ID: "7", InstanceID: "abc"}

	var states []bool
	onChange := func(running bool) { states = append(states, running) }
	if err := d.Toggle(context.Background(), target, true, onChange); err != nil {
		t.Fatal(err)
	}
	if err := d.Toggle(context.Background(), target, false, onChange); err != nil {
		t.Fatal(err)
	}
	if err := d.Restart(context.Background(), target, onChange); err != nil {
		t.Fatal(err)
	}

	want := []string{"stop", "start", "restart"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
	if len(states) != 3 || states[0] || !states[1] || !states[2] {
		t.Errorf("states = %v", states)
	}
	if len(rec.Notices()) != 3 {
		t.Errorf("notices = %d", len(rec.Notices()))
	}
}

func TestToggleFailureLeavesStateAlone(t *testing.T) {
	d, rec := newDispatcher(t, func(r *gin.Engine) {
		r.PATCH("/api/tunnels/:id", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": "already stopped"})
		})
	})
	called := false
	err := d.Toggle(context.Background(), Target{ID: "7"}, true, func(bool) { called = true })
	if err == nil || called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
	if n := lastNotice(t, rec); n.Description != "already stopped" {
		t.Errorf("notice = %+v", n)
	}
}

func TestRestartPolicyUnsupportedIsReworded(t *testing.T) {
	d, rec := newDispatcher(t, func(r *gin.Engine) {
		r.PATCH("/api/tunnels/:id/restart", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": "当前实例不支持自动重启功能"})
		})
	})
	err := d.SetRestartPolicy(context.Background(), Target{ID: "7"}, true, nil)
	if !errors.Is(err, ErrAutoRestartUnsupported) {
		t.Fatalf("err = %v", err)
	}
	if n := lastNotice(t, rec); n.Description != ErrAutoRestartUnsupported.Error() {
		t.Errorf("notice = %+v", n)
	}
}

func TestRenameValidatesInput(t *testing.T) {
	var gotName string
	d, _ := newDispatcher(t, func(r *gin.Engine) {
		r.PATCH("/api/tunnels", func(c *gin.Context) {
			var body struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			}
			_ = c.ShouldBindJSON(&body)
			gotName = body.Name
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
	})
	ctx := context.Background()

	if err := d.Rename(ctx, Target{ID: "7"}, "  ", nil); err == nil {
		t.Error("blank name accepted")
	}
	if err := d.Rename(ctx, Target{ID: "abc"}, "web", nil); err == nil {
		t.Error("non-numeric id accepted")
	}
	var renamed string
	if err := d.Rename(ctx, Target{ID: "7"}, " web ", func(n string) { renamed = n }); err != nil {
		t.Fatal(err)
	}
	if gotName != "web" || renamed != "web" {
		t.Errorf("sent %q, callback %q", gotName, renamed)
	}
}

func TestEndpointActions(t *testing.T) {
	var seen []string
	d, rec := newDispatcher(t, func(r *gin.Engine) {
		r.PATCH("/api/endpoints", func(c *gin.Context) {
			var body struct {
				Action string `json:"action"`
			}
			_ = c.ShouldBindJSON(&body)
			seen = append(seen, body.Action)
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
		r.DELETE("/api/endpoints/:id", func(c *gin.Context) {
			seen = append(seen, "delete")
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
	})
	ctx := context.Background()
	ep := Target{ID: "3", Name: "edge"}

	done := 0
	onDone := func() { done++ }
	for _, run := range []func() error{
		func() error { return d.Reconnect(ctx, ep, onDone) },
		func() error { return d.Disconnect(ctx, ep, onDone) },
		func() error { return d.RefreshTunnels(ctx, ep, onDone) },
		func() error { return d.DeleteEndpoint(ctx, ep, onDone) },
	} {
		if err := run(); err != nil {
			t.Fatal(err)
		}
	}
	if done != 4 {
		t.Errorf("callbacks = %d", done)
	}
	want := []string{api.EndpointReconnect, api.EndpointDisconnect, api.EndpointRefreshTunnels, "delete"}
	for i := range want {
		if i >= len(seen) || seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
	if n := lastNotice(t, rec); n.Resource != "endpoint/3" || n.Level != models.LevelSuccess {
		t.Errorf("notice = %+v", n)
	}
}

func TestReasonFallsBackToErrorText(t *testing.T) {
	if got := Reason(errors.New("boom")); got != "boom" {
		t.Errorf("Reason = %q", got)
	}
	rf := &api.RequestFailed{Op: "x", Status: 500, Reason: "server says no"}
	if got := Reason(rf); got != "server says no" {
		t.Errorf("Reason = %q", got)
	}
}
