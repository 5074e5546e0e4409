package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesaa/npdash/internal/actions"
	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/hostmon"
	"github.com/vesaa/npdash/internal/reconcile"
)

func endpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "endpoint",
		Aliases: []string{"ep"},
		Short:   "Inspect and control endpoints",
	}

	// ── show ──────────────────────────────────────────────────────────────────
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print endpoint detail, statistics and instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := a.endpointController(args[0], false)
			ctrl.Start(cmd.Context())
			defer ctrl.Stop()
			v, err := waitEndpoint(cmd.Context(), ctrl)
			if err != nil {
				return err
			}
			return emit(v, func(w io.Writer) { printEndpoint(w, v) })
		},
	}

	// ── watch ─────────────────────────────────────────────────────────────────
	watchCmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow an endpoint's system metrics live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			return watchEndpoint(cmd.Context(), a.endpointController(args[0], true))
		},
	}

	reconnectCmd := endpointAction("reconnect", "Reconnect an endpoint", func(ctx context.Context, d *actions.Dispatcher, t actions.Target) error {
		return d.Reconnect(ctx, t, nil)
	})
	disconnectCmd := endpointAction("disconnect", "Disconnect an endpoint", func(ctx context.Context, d *actions.Dispatcher, t actions.Target) error {
		return d.Disconnect(ctx, t, nil)
	})
	refreshCmd := endpointAction("refresh", "Re-read the tunnel list from an endpoint", func(ctx context.Context, d *actions.Dispatcher, t actions.Target) error {
		return d.RefreshTunnels(ctx, t, nil)
	})
	resetKeyCmd := endpointAction("reset-key", "Reset an endpoint's API key", func(ctx context.Context, d *actions.Dispatcher, t actions.Target) error {
		return d.ResetKey(ctx, t, nil)
	})
	deleteCmd := endpointAction("delete", "Delete an endpoint", func(ctx context.Context, d *actions.Dispatcher, t actions.Target) error {
		return d.DeleteEndpoint(ctx, t, nil)
	})

	cmd.AddCommand(showCmd, watchCmd, reconnectCmd, disconnectCmd, refreshCmd, resetKeyCmd, deleteCmd)
	return cmd
}

func endpointAction(name, short string, run func(ctx context.Context, d *actions.Dispatcher, t actions.Target) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			t := actions.Target{ID: args[0]}
			if ep, err := a.client.EndpointDetail(ctx, args[0]); err == nil && ep != nil {
				t.Name = ep.Name
			}
			if err := run(ctx, a.disp, t); err != nil {
				cmd.SilenceErrors = true
				return err
			}
			return nil
		},
	}
}

// ── monitor subcommand ───────────────────────────────────────────────────────

func monitorCommand() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "monitor [endpoint-id]",
		Short: "Stream system metrics of an endpoint, or of this host with --local",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				interval := 2 * time.Second
				if cfg, err := loadConfig(); err == nil && cfg.MonitorIntervalSeconds > 0 {
					interval = time.Duration(cfg.MonitorIntervalSeconds) * time.Second
				}
				col := hostmon.NewCollector(interval)
				ctrl := reconcile.NewEndpointController(hostmon.LocalID, hostmon.Source{}, reconcile.EndpointOptions{
					Watch: col.Watch,
				})
				return watchEndpoint(cmd.Context(), ctrl)
			}
			if len(args) == 0 {
				return fmt.Errorf("endpoint id required (or use --local)")
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			return watchEndpoint(cmd.Context(), a.endpointController(args[0], true))
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Sample this machine instead of a backend endpoint")
	return cmd
}

// watchEndpoint prints one system line per sample until ctx ends.
func watchEndpoint(ctx context.Context, ctrl *reconcile.EndpointController) error {
	ctrl.Start(ctx)
	defer ctrl.Stop()

	v, err := waitEndpoint(ctx, ctrl)
	if err != nil {
		return err
	}
	if output != "" && output != "text" {
		return watchStructured(ctx, ctrl.Watch, func() any { return ctrl.View() })
	}

	printEndpoint(os.Stdout, v)
	fmt.Println("  ── system ──")
	lastSamples := v.System.Samples
	lastMonitor := v.Monitor

	changed, unwatch := ctrl.Watch()
	defer unwatch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctrl.Done():
			return nil
		case <-changed:
		}
		v := ctrl.View()
		if v.Monitor != lastMonitor {
			lastMonitor = v.Monitor
			fmt.Printf("  → monitor %s\n", lastMonitor)
		}
		if v.System.Samples == lastSamples {
			continue
		}
		lastSamples = v.System.Samples
		printSystem(os.Stdout, v.System)
	}
}

func printEndpoint(w io.Writer, v reconcile.EndpointView) {
	ep := v.Endpoint
	if ep == nil {
		fmt.Fprintln(w, "  endpoint not loaded")
		return
	}
	fmt.Fprintf(w, "  %s (#%s)  [%s]\n", ep.Name, ep.ID, ep.Status)
	fmt.Fprintf(w, "  url        %s%s\n", orDash(ep.URL), ep.APIPath)
	fmt.Fprintf(w, "  version    %s  %s/%s\n", orDash(ep.Ver), orDash(ep.OS), orDash(ep.Arch))
	fmt.Fprintf(w, "  tls        %s  log %s\n", orDash(ep.TLS), orDash(ep.Log))
	if ep.Uptime != nil && ep.Online() {
		fmt.Fprintf(w, "  uptime     %s\n", format.Uptime(*ep.Uptime))
	}
	if s := v.Stats; s != nil {
		fmt.Fprintf(w, "  tunnels    %d  (log files %d, %s)\n", s.TunnelCount, s.FileLogCount, format.Bytes(s.FileLogSize))
		fmt.Fprintf(w, "  traffic    in %s  out %s\n", format.Bytes(s.TotalTrafficIn), format.Bytes(s.TotalTrafficOut))
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  ! last refresh failed: %s\n", v.Error)
	}
	if len(v.Instances) == 0 {
		return
	}
	fmt.Fprintln(w, "  ── instances ──")
	for _, in := range v.Instances {
		fmt.Fprintf(w, "  %-12s %-7s %-8s %s\n", in.InstanceID, in.Type, in.Status, orDash(in.Alias))
	}
}

func printSystem(w io.Writer, s reconcile.SystemView) {
	at := "-"
	if s.SampleAt != nil {
		at = s.SampleAt.Local().Format("15:04:05")
	}
	swap := "-"
	if s.HasSwap {
		swap = fmt.Sprintf("%d%%", s.Swap)
	}
	fmt.Fprintf(w, "  %s  cpu %3d%%  ram %3d%%  swap %4s  net ↓%s ↑%s  disk r %s w %s\n",
		at, s.CPU, s.RAM, swap,
		format.Rate(s.NetRx), format.Rate(s.NetTx),
		format.Rate(s.DiskR), format.Rate(s.DiskW))
}
