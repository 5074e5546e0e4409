// Package server hosts the local npdash dashboard: a gin API that exposes
// reconciled tunnel and endpoint views, streams their changes over SSE and
// forwards lifecycle actions to the NodePass backend.
//
//	Public:    GET /api/health, POST /api/login
//	Protected: everything else under /api (JWT)
//	Pages:     the embedded web UI behind the session route guard
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/npdash/internal/actions"
	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/notify"
	"github.com/vesaa/npdash/internal/reconcile"
	"github.com/vesaa/npdash/internal/session"
	"github.com/vesaa/npdash/internal/store"
)

// Options wires a Server. Store, Subscribe and Watch may be nil.
type Options struct {
	Client    *api.Client
	Session   *session.Manager
	Store     *store.Store
	Notifier  notify.Notifier
	Subscribe reconcile.SubscribeFunc
	Watch     reconcile.WatchFunc

	Secret      string
	SettleDelay time.Duration
	LogCap      int
	// IdleTTL is how long an unwatched controller keeps running.
	IdleTTL time.Duration
	// LoadTimeout bounds how long an action waits for a first snapshot.
	LoadTimeout time.Duration
}

// Server is the local dashboard host.
type Server struct {
	opts      Options
	signer    *Signer
	disp      *actions.Dispatcher
	notifier  notify.Notifier
	tunnels   *Registry[*reconcile.TunnelController]
	endpoints *Registry[*reconcile.EndpointController]
	cancel    context.CancelFunc
}

// New creates a Server. Controllers it starts live until Close.
func New(opts Options) *Server {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Logger{}
		if opts.Store != nil {
			n = notify.Multi{notify.Logger{}, notify.Persist{Sink: opts.Store}}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		signer:   NewSigner(opts.Secret),
		disp:     actions.New(opts.Client, n),
		notifier: n,
		cancel:   cancel,
	}
	s.tunnels = NewRegistry(ctx, "tunnel", opts.IdleTTL, func(id string) *reconcile.TunnelController {
		return reconcile.NewTunnelController(id, opts.Client, reconcile.TunnelOptions{
			SettleDelay: opts.SettleDelay,
			LogCap:      opts.LogCap,
			Subscribe:   opts.Subscribe,
			OnError:     s.fetchFailed("tunnel/" + id),
		})
	})
	s.endpoints = NewRegistry(ctx, "endpoint", opts.IdleTTL, func(id string) *reconcile.EndpointController {
		return reconcile.NewEndpointController(id, opts.Client, reconcile.EndpointOptions{
			Watch:   opts.Watch,
			OnError: s.fetchFailed("endpoint/" + id),
		})
	})
	go s.tunnels.RunSweeper(ctx, time.Minute)
	go s.endpoints.RunSweeper(ctx, time.Minute)
	return s
}

// Close stops every running controller.
func (s *Server) Close() {
	s.cancel()
	s.tunnels.Close()
	s.endpoints.Close()
}

func (s *Server) fetchFailed(resource string) func(error) {
	return func(err error) {
		s.notifier.Notify(notify.Failure(resource, "Failed to load "+resource, actions.Reason(err)))
	}
}

// Routes wires the API onto r.
func (s *Server) Routes(r *gin.Engine) {
	g := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	g.GET("/health", s.handleHealth)
	g.POST("/login", s.handleLogin)

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := g.Group("/", s.signer.Middleware())
	{
		auth.GET("/me", s.handleMe)
		auth.POST("/logout", s.handleLogout)
		auth.GET("/notifications", s.handleNotifications)

		t := auth.Group("/view/tunnels/:id")
		t.GET("", s.handleTunnelView)
		t.GET("/stream", s.handleTunnelStream)
		t.GET("/chart", s.handleTunnelChart)
		t.POST("/refresh", s.handleTunnelRefresh)
		t.POST("/start", s.handleTunnelToggle(false))
		t.POST("/stop", s.handleTunnelToggle(true))
		t.POST("/restart", s.handleTunnelRestart)
		t.PATCH("/restart-policy", s.handleRestartPolicy)
		t.PATCH("/name", s.handleRename)
		t.DELETE("", s.handleTunnelDelete)

		e := auth.Group("/view/endpoints/:id")
		e.GET("", s.handleEndpointView)
		e.GET("/stream", s.handleEndpointStream)
		e.POST("/refresh", s.handleEndpointRefresh)
		e.POST("/reconnect", s.handleEndpointAction(s.disp.Reconnect))
		e.POST("/disconnect", s.handleEndpointAction(s.disp.Disconnect))
		e.POST("/refresh-tunnels", s.handleEndpointAction(s.disp.RefreshTunnels))
		e.POST("/reset-key", s.handleEndpointAction(s.disp.ResetKey))
		e.DELETE("", s.handleEndpointDelete)

		auth.PUT("/tags/:tagId/tunnels", s.handleAssignTag)
	}
}

// ── Session ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"time":      time.Now().UTC(),
		"backend":   s.opts.Client.BaseURL(),
		"signedIn":  s.opts.Session.User() != nil,
		"loading":   s.opts.Session.Loading(),
		"tunnels":   s.tunnels.Len(),
		"endpoints": s.endpoints.Len(),
	})
}

// handleLogin signs in to the backend and returns a local JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "..." }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	user, err := s.opts.Session.Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, api.ErrUnauthenticated) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": actions.Reason(err)})
		return
	}

	token, err := s.signer.Issue(user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
		"user":       user,
	})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user":    s.opts.Session.User(),
		"loading": s.opts.Session.Loading(),
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.opts.Session.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "warning": actions.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleNotifications(c *gin.Context) {
	if s.opts.Store == nil {
		c.JSON(http.StatusOK, gin.H{"data": []models.Notification{}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	out, err := s.opts.Store.Notifications(c.Query("resource"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// ── Tunnels ──────────────────────────────────────────────────────────────────

func (s *Server) handleTunnelView(c *gin.Context) {
	ctrl := s.tunnels.Get(c.Param("id"))
	if c.Query("wait") != "" {
		s.awaitTunnel(c.Request.Context(), ctrl)
	}
	c.JSON(http.StatusOK, ctrl.View())
}

// handleTunnelStream pushes the whole view every time it changes.
func (s *Server) handleTunnelStream(c *gin.Context) {
	ctrl, release := s.tunnels.Acquire(c.Param("id"))
	defer release()
	changed, unwatch := ctrl.Watch()
	defer unwatch()
	streamViews(c, changed, ctrl.Done(), func() any { return ctrl.View() })
}

func (s *Server) handleTunnelChart(c *gin.Context) {
	w, err := format.ParseWindow(c.Query("range"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.tunnels.Get(c.Param("id")).Chart(w))
}

func (s *Server) handleTunnelRefresh(c *gin.Context) {
	ctrl := s.tunnels.Get(c.Param("id"))
	if err := ctrl.Refresh(c.Request.Context()); err != nil {
		refreshError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleTunnelToggle(running bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, target, ok := s.tunnelTarget(c)
		if !ok {
			return
		}
		err := s.disp.Toggle(c.Request.Context(), target, running, func(now bool) {
			if now {
				ctrl.ApplyStatus(models.StateRunning)
			} else {
				ctrl.ApplyStatus(models.StateStopped)
			}
		})
		s.actionResult(c, err, ctrl.View())
	}
}

func (s *Server) handleTunnelRestart(c *gin.Context) {
	ctrl, target, ok := s.tunnelTarget(c)
	if !ok {
		return
	}
	err := s.disp.Restart(c.Request.Context(), target, func(bool) {
		ctrl.ApplyStatus(models.StateRunning)
	})
	s.actionResult(c, err, ctrl.View())
}

func (s *Server) handleRestartPolicy(c *gin.Context) {
	var body struct {
		Restart *bool `json:"restart" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "restart flag required"})
		return
	}
	ctrl, target, ok := s.tunnelTarget(c)
	if !ok {
		return
	}
	err := s.disp.SetRestartPolicy(c.Request.Context(), target, *body.Restart, ctrl.ApplyRestartPolicy)
	s.actionResult(c, err, ctrl.View())
}

func (s *Server) handleRename(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	ctrl, target, ok := s.tunnelTarget(c)
	if !ok {
		return
	}
	err := s.disp.Rename(c.Request.Context(), target, body.Name, ctrl.ApplyName)
	s.actionResult(c, err, ctrl.View())
}

// handleTunnelDelete deletes a tunnel; ?recycle=true moves it to the
// recycle bin. The response tells the UI where to go next.
func (s *Server) handleTunnelDelete(c *gin.Context) {
	recycle, _ := strconv.ParseBool(c.Query("recycle"))
	_, target, ok := s.tunnelTarget(c)
	if !ok {
		return
	}
	err := s.disp.Delete(c.Request.Context(), target, recycle, func() {
		s.tunnels.Drop(target.ID)
	})
	if err != nil {
		c.JSON(actionStatus(err), gin.H{"error": actions.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "recycled": recycle, "redirect": "/tunnels"})
}

func (s *Server) handleAssignTag(c *gin.Context) {
	tagID, err := strconv.ParseInt(c.Param("tagId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tag id"})
		return
	}
	var body struct {
		Name      string  `json:"name"`
		TunnelIDs []int64 `json:"tunnelIds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.disp.AssignTag(c.Request.Context(), tagID, body.Name, body.TunnelIDs, nil); err != nil {
		c.JSON(actionStatus(err), gin.H{"error": actions.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// tunnelTarget waits for the first snapshot so actions carry the instance id.
func (s *Server) tunnelTarget(c *gin.Context) (*reconcile.TunnelController, actions.Target, bool) {
	id := c.Param("id")
	ctrl := s.tunnels.Get(id)
	v := s.awaitTunnel(c.Request.Context(), ctrl)
	if v.Tunnel == nil {
		msg := "tunnel not loaded"
		if v.Error != "" {
			msg = v.Error
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
		return nil, actions.Target{}, false
	}
	return ctrl, actions.Target{ID: id, InstanceID: v.Tunnel.InstanceID, Name: v.Tunnel.Name}, true
}

func (s *Server) awaitTunnel(ctx context.Context, ctrl *reconcile.TunnelController) reconcile.TunnelView {
	changed, unwatch := ctrl.Watch()
	defer unwatch()
	ctx, cancel := context.WithTimeout(ctx, s.opts.LoadTimeout)
	defer cancel()
	for {
		v := ctrl.View()
		if v.Phase != reconcile.PhaseLoading || v.Error != "" {
			return v
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctrl.View()
		}
	}
}

// ── Endpoints ────────────────────────────────────────────────────────────────

func (s *Server) handleEndpointView(c *gin.Context) {
	ctrl := s.endpoints.Get(c.Param("id"))
	if c.Query("wait") != "" {
		s.awaitEndpoint(c.Request.Context(), ctrl)
	}
	c.JSON(http.StatusOK, ctrl.View())
}

func (s *Server) handleEndpointStream(c *gin.Context) {
	ctrl, release := s.endpoints.Acquire(c.Param("id"))
	defer release()
	changed, unwatch := ctrl.Watch()
	defer unwatch()
	streamViews(c, changed, ctrl.Done(), func() any { return ctrl.View() })
}

func (s *Server) handleEndpointRefresh(c *gin.Context) {
	if err := s.endpoints.Get(c.Param("id")).Refresh(c.Request.Context()); err != nil {
		refreshError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type endpointAction func(ctx context.Context, t actions.Target, onDone func()) error

func (s *Server) handleEndpointAction(run endpointAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, target := s.endpointTarget(c)
		err := run(c.Request.Context(), target, func() {
			// ErrInFlight means a fetch that will see the change is running.
			_ = ctrl.Refresh(c.Request.Context())
		})
		s.actionResult(c, err, ctrl.View())
	}
}

func (s *Server) handleEndpointDelete(c *gin.Context) {
	_, target := s.endpointTarget(c)
	err := s.disp.DeleteEndpoint(c.Request.Context(), target, func() {
		s.endpoints.Drop(target.ID)
	})
	if err != nil {
		c.JSON(actionStatus(err), gin.H{"error": actions.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "redirect": "/endpoints"})
}

func (s *Server) endpointTarget(c *gin.Context) (*reconcile.EndpointController, actions.Target) {
	id := c.Param("id")
	ctrl := s.endpoints.Get(id)
	t := actions.Target{ID: id}
	if v := ctrl.View(); v.Endpoint != nil {
		t.Name = v.Endpoint.Name
	}
	return ctrl, t
}

func (s *Server) awaitEndpoint(ctx context.Context, ctrl *reconcile.EndpointController) reconcile.EndpointView {
	changed, unwatch := ctrl.Watch()
	defer unwatch()
	ctx, cancel := context.WithTimeout(ctx, s.opts.LoadTimeout)
	defer cancel()
	for {
		v := ctrl.View()
		if v.Phase != reconcile.PhaseLoading || v.Error != "" {
			return v
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctrl.View()
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// streamViews writes the current view, then one "view" event per change
// until the client leaves or the controller stops.
func streamViews(c *gin.Context, changed <-chan struct{}, done <-chan struct{}, view func() any) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("view", view())
	c.Writer.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-done:
			return false
		case <-changed:
			c.SSEvent("view", view())
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		}
		return true
	})
}

func (s *Server) actionResult(c *gin.Context, err error, view any) {
	if err != nil {
		c.JSON(actionStatus(err), gin.H{"error": actions.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "view": view})
}

func actionStatus(err error) int {
	var rf *api.RequestFailed
	switch {
	case errors.Is(err, api.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.As(err, &rf):
		return http.StatusBadGateway
	case errors.Is(err, actions.ErrAutoRestartUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusBadRequest
}

func refreshError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reconcile.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "refresh already in progress"})
	case errors.Is(err, reconcile.ErrStopped):
		c.JSON(http.StatusGone, gin.H{"error": "view closed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
