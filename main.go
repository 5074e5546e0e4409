// npdash — Realtime sync layer & terminal dashboard for NodePass.
// Author: vesaa | License: MIT | https://github.com/vesaa/npdash
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/vesaa/npdash/internal/actions"
	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/config"
	"github.com/vesaa/npdash/internal/notify"
	"github.com/vesaa/npdash/internal/reconcile"
	"github.com/vesaa/npdash/internal/server"
	"github.com/vesaa/npdash/internal/session"
	"github.com/vesaa/npdash/internal/store"
	"github.com/vesaa/npdash/internal/stream"
)

const asciiLogo = `
 ███╗   ██╗██████╗ ██████╗  █████╗ ███████╗██╗  ██╗
 ████╗  ██║██╔══██╗██╔══██╗██╔══██╗██╔════╝██║  ██║
 ██╔██╗ ██║██████╔╝██║  ██║███████║███████╗███████║
 ██║╚██╗██║██╔═══╝ ██║  ██║██╔══██║╚════██║██╔══██║
 ██║ ╚████║██║     ██████╔╝██║  ██║███████║██║  ██║
 ╚═╝  ╚═══╝╚═╝     ╚═════╝ ╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`

const version = "v0.1.0"

// notificationRetention is how long notices are kept in the local store.
const notificationRetention = 30 * 24 * time.Hour

var (
	configPath string
	output     string
)

func printBanner(mode string) {
	fmt.Print(asciiLogo, "\n")
	fmt.Printf("  ► npdash %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "npdash",
		Short: "npdash — realtime views and actions for NodePass tunnels and endpoints",
		Long: `npdash keeps live views of NodePass tunnels and endpoints in sync with the
dashboard backend: snapshots over REST, logs and traffic over SSE, system
metrics over websocket. Use it from the terminal or serve the web UI.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./config.yaml or ~/.npdash/config.yaml)")
	root.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")

	// ── serve subcommand ──────────────────────────────────────────────────────
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web dashboard and its realtime view API",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVE")

			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if n, err := a.store.PruneNotifications(time.Now().Add(-notificationRetention)); err == nil && n > 0 {
				log.Printf("[db] pruned %d old notifications", n)
			}

			srv := server.New(server.Options{
				Client:      a.client,
				Session:     a.session,
				Store:       a.store,
				Subscribe:   reconcile.StreamSubscriber(a.subscriber()),
				Watch:       reconcile.MonitorWatcher(a.monitor()),
				Secret:      a.cfg.JWTSecret,
				SettleDelay: a.cfg.SettleDelay(),
				LogCap:      a.cfg.LogCap,
			})
			defer srv.Close()

			gin.SetMode(gin.ReleaseMode)
			corsMiddleware := func(c *gin.Context) {
				c.Header("Access-Control-Allow-Origin", "*")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}
				c.Next()
			}

			engine := gin.New()
			engine.Use(gin.Recovery(), corsMiddleware)
			srv.Routes(engine)
			server.RegisterStaticFiles(engine, a.session)

			addr := fmt.Sprintf("%s:%d", a.cfg.ListenHost, a.cfg.ListenPort)
			fmt.Printf("  ✓ Dashboard (Web UI + JWT API) → http://%s\n", addr)
			fmt.Printf("  ✓ Backend                      → %s\n", a.cfg.BackendURL)
			if u := a.session.User(); u != nil {
				fmt.Printf("  ✓ Signed in as                 → %s\n\n", u.Username)
			} else {
				fmt.Printf("  ✓ Not signed in; use the login page or `npdash login`\n\n")
			}

			// Shut down gracefully on SIGINT.
			httpSrv := &http.Server{Addr: addr, Handler: engine}
			errCh := make(chan error, 1)
			go func() { errCh <- httpSrv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-quit:
				fmt.Println("\n  → Shutting down gracefully…")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(ctx)
			}
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print npdash version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("npdash %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	root.AddCommand(sessionCommands()...)
	root.AddCommand(tunnelCommand(), endpointCommand(), monitorCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// ── shared bootstrap ─────────────────────────────────────────────────────────

// app bundles what every subcommand needs.
type app struct {
	cfg     *config.Config
	client  *api.Client
	store   *store.Store
	session *session.Manager
	disp    *actions.Dispatcher
}

// loadConfig reads --config when given, else the default locations.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openApp loads config, opens the store and restores the session. With
// requireLogin it also signs in from configured credentials when needed and
// fails if no session results.
func openApp(ctx context.Context, requireLogin bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	client := api.New(cfg.BackendURL, cfg.Timeout())
	sess := session.NewManager(client, st, cfg.APIToken)
	if err := sess.Init(ctx); err != nil {
		log.Printf("[session] %v", err)
	}

	a := &app{
		cfg:     cfg,
		client:  client,
		store:   st,
		session: sess,
		disp:    actions.New(client, notify.Multi{cliNotifier{}, notify.Persist{Sink: st}}),
	}

	if requireLogin && sess.User() == nil {
		if cfg.Username == "" || cfg.Password == "" {
			a.Close()
			return nil, errors.New("not logged in: run `npdash login` or set username/password in config")
		}
		if _, err := sess.Login(ctx, cfg.Username, cfg.Password); err != nil {
			a.Close()
			return nil, fmt.Errorf("signing in as %s: %w", cfg.Username, err)
		}
	}
	return a, nil
}

// Close releases the store.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("[db] close: %v", err)
	}
}

func (a *app) reconnectWindow() (time.Duration, time.Duration) {
	return time.Duration(a.cfg.ReconnectMinMS) * time.Millisecond,
		time.Duration(a.cfg.ReconnectMaxMS) * time.Millisecond
}

func (a *app) subscriber() *stream.Subscriber {
	lo, hi := a.reconnectWindow()
	return stream.NewSubscriber(a.cfg.BackendURL, a.cfg.SSEPath, a.client.AuthHeader, lo, hi)
}

func (a *app) monitor() *stream.Monitor {
	lo, hi := a.reconnectWindow()
	return stream.NewMonitor(a.cfg.BackendURL, a.cfg.MonitorPath, a.client.AuthHeader, lo, hi)
}

func (a *app) tunnelController(id string, live bool) *reconcile.TunnelController {
	opts := reconcile.TunnelOptions{
		SettleDelay: a.cfg.SettleDelay(),
		LogCap:      a.cfg.LogCap,
	}
	if live {
		opts.Subscribe = reconcile.StreamSubscriber(a.subscriber())
	}
	return reconcile.NewTunnelController(id, a.client, opts)
}

func (a *app) endpointController(id string, live bool) *reconcile.EndpointController {
	opts := reconcile.EndpointOptions{}
	if live {
		opts.Watch = reconcile.MonitorWatcher(a.monitor())
	}
	return reconcile.NewEndpointController(id, a.client, opts)
}
