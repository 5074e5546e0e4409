package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesaa/npdash/internal/actions"
	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/reconcile"
)

func tunnelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Inspect and control tunnels",
	}

	// ── show ──────────────────────────────────────────────────────────────────
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the current state of a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := a.tunnelController(args[0], false)
			ctrl.Start(cmd.Context())
			defer ctrl.Stop()
			v, err := waitTunnel(cmd.Context(), ctrl)
			if err != nil {
				return err
			}
			lines, _ := cmd.Flags().GetInt("logs")
			return emit(v, func(w io.Writer) { printTunnel(w, v, lines) })
		},
	}
	showCmd.Flags().Int("logs", 10, "Number of log lines to print")

	// ── watch ─────────────────────────────────────────────────────────────────
	watchCmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a tunnel's logs, traffic and status live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			return watchTunnel(cmd.Context(), a.tunnelController(args[0], true))
		},
	}

	// ── trend ─────────────────────────────────────────────────────────────────
	trendCmd := &cobra.Command{
		Use:   "trend <id>",
		Short: "Print the traffic trend of a tunnel in one shared unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, _ := cmd.Flags().GetString("range")
			win, err := format.ParseWindow(rng)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			points, err := a.client.TrafficTrend(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			chart := format.BuildTrafficChart(points, win, time.Now())
			return emit(chart, func(w io.Writer) { printChart(w, chart) })
		},
	}
	trendCmd.Flags().String("range", "24h", "Time range: 1h, 6h, 12h or 24h")

	// ── lifecycle actions ─────────────────────────────────────────────────────
	startCmd := tunnelAction("start <id>", "Start a tunnel", cobra.ExactArgs(1),
		func(ctx context.Context, a *app, t actions.Target, args []string) error {
			return a.disp.Toggle(ctx, t, false, nil)
		})
	stopCmd := tunnelAction("stop <id>", "Stop a tunnel", cobra.ExactArgs(1),
		func(ctx context.Context, a *app, t actions.Target, args []string) error {
			return a.disp.Toggle(ctx, t, true, nil)
		})
	restartCmd := tunnelAction("restart <id>", "Restart a tunnel", cobra.ExactArgs(1),
		func(ctx context.Context, a *app, t actions.Target, args []string) error {
			return a.disp.Restart(ctx, t, nil)
		})
	policyCmd := tunnelAction("restart-policy <id> on|off", "Turn automatic restart on or off", cobra.ExactArgs(2),
		func(ctx context.Context, a *app, t actions.Target, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return a.disp.SetRestartPolicy(ctx, t, on, nil)
		})
	renameCmd := tunnelAction("rename <id> <name>", "Rename a tunnel", cobra.ExactArgs(2),
		func(ctx context.Context, a *app, t actions.Target, args []string) error {
			return a.disp.Rename(ctx, t, args[1], nil)
		})

	var recycle bool
	deleteCmd := tunnelAction("delete <id>", "Delete a tunnel", cobra.ExactArgs(1),
		func(ctx context.Context, a *app, t actions.Target, args []string) error {
			return a.disp.Delete(ctx, t, recycle, nil)
		})
	deleteCmd.Flags().BoolVar(&recycle, "recycle", false, "Move to the recycle bin instead of deleting permanently")

	// ── tag ───────────────────────────────────────────────────────────────────
	tagCmd := &cobra.Command{
		Use:   "tag <tag-id> [tunnel-id...]",
		Short: "Set the tunnels belonging to a tag",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tagID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid tag id %q", args[0])
			}
			ids := make([]int64, 0, len(args)-1)
			for _, s := range args[1:] {
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid tunnel id %q", s)
				}
				ids = append(ids, id)
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			name, _ := cmd.Flags().GetString("name")
			return a.disp.AssignTag(cmd.Context(), tagID, name, ids, nil)
		},
	}
	tagCmd.Flags().String("name", "", "Tag name for messages")

	cmd.AddCommand(showCmd, watchCmd, trendCmd, startCmd, stopCmd, restartCmd, policyCmd, renameCmd, deleteCmd, tagCmd)
	return cmd
}

type tunnelRun func(ctx context.Context, a *app, t actions.Target, args []string) error

// tunnelAction loads the tunnel first so the action carries its instance id.
func tunnelAction(use, short string, argsCheck cobra.PositionalArgs, run tunnelRun) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  argsCheck,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			details, err := a.client.TunnelDetails(ctx, args[0])
			if err != nil {
				return err
			}
			if details.Tunnel == nil {
				return fmt.Errorf("tunnel %s not found", args[0])
			}
			t := actions.Target{ID: args[0], InstanceID: details.Tunnel.InstanceID, Name: details.Tunnel.Name}
			if cmd.Name() == "start" || cmd.Name() == "stop" {
				running := details.Tunnel.Status.State() == models.StateRunning
				if (cmd.Name() == "start") == running {
					fmt.Printf("  ✓ %s is already %s\n", t.Name, details.Tunnel.Status.Text)
					return nil
				}
			}
			if err := run(ctx, a, t, args); err != nil {
				// already reported by the notifier
				cmd.SilenceErrors = true
				return err
			}
			return nil
		},
	}
}

// watchTunnel prints new log lines and status changes until ctx ends.
func watchTunnel(ctx context.Context, ctrl *reconcile.TunnelController) error {
	ctrl.Start(ctx)
	defer ctrl.Stop()

	v, err := waitTunnel(ctx, ctrl)
	if err != nil {
		return err
	}
	if output != "" && output != "text" {
		return watchStructured(ctx, ctrl.Watch, func() any { return ctrl.View() })
	}

	printTunnel(os.Stdout, v, 10)
	lastID := int64(0)
	if len(v.Logs) > 0 {
		lastID = v.Logs[0].ID
	}
	var lastStatus models.StatusBadge
	if v.Tunnel != nil {
		lastStatus = v.Tunnel.Status
	}
	lastStream := v.Stream

	changed, unwatch := ctrl.Watch()
	defer unwatch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		v := ctrl.View()
		// Logs are newest first.
		for i := len(v.Logs) - 1; i >= 0; i-- {
			e := v.Logs[i]
			if e.ID <= lastID {
				continue
			}
			fmt.Printf("  %s  %s\n", e.Timestamp.Local().Format("15:04:05"), plainText(e))
			lastID = e.ID
		}
		if v.Tunnel != nil && v.Tunnel.Status != lastStatus {
			lastStatus = v.Tunnel.Status
			fmt.Printf("  → status %s\n", lastStatus.Text)
		}
		if v.Stream != lastStream {
			lastStream = v.Stream
			fmt.Printf("  → stream %s\n", lastStream)
		}
		if v.Phase == reconcile.PhaseReady && len(v.Rates) > 0 {
			fmt.Printf("  ↓ %s ↑ %s (tcp)  ↓ %s ↑ %s (udp)\r",
				format.Rate(v.Rates[reconcile.RateTCPRx]), format.Rate(v.Rates[reconcile.RateTCPTx]),
				format.Rate(v.Rates[reconcile.RateUDPRx]), format.Rate(v.Rates[reconcile.RateUDPTx]))
		}
	}
}

// watchStructured writes one document per view change.
func watchStructured(ctx context.Context, watch func() (<-chan struct{}, func()), view func() any) error {
	changed, unwatch := watch()
	defer unwatch()
	if err := emit(view(), nil); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if err := emit(view(), nil); err != nil {
				return err
			}
		}
	}
}

func printTunnel(w io.Writer, v reconcile.TunnelView, logLines int) {
	t := v.Tunnel
	if t == nil {
		fmt.Fprintln(w, "  tunnel not loaded")
		return
	}
	fmt.Fprintf(w, "  %s (#%s, %s)  [%s]\n", t.Name, t.ID, t.Type, t.Status.Text)
	fmt.Fprintf(w, "  instance   %s on %s\n", t.InstanceID, orDash(t.Endpoint))
	fmt.Fprintf(w, "  tunnel     %s\n", orDash(t.TunnelAddress))
	fmt.Fprintf(w, "  target     %s\n", orDash(t.TargetAddress))
	fmt.Fprintf(w, "  restart    %s\n", yesNo(t.Config.Restart))
	fmt.Fprintf(w, "  traffic    tcp ↓%s ↑%s  udp ↓%s ↑%s\n",
		format.Bytes(t.Traffic.TCPRx), format.Bytes(t.Traffic.TCPTx),
		format.Bytes(t.Traffic.UDPRx), format.Bytes(t.Traffic.UDPTx))
	if t.Error != "" {
		fmt.Fprintf(w, "  error      %s\n", t.Error)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  ! last refresh failed: %s\n", v.Error)
	}
	if logLines <= 0 || len(v.Logs) == 0 {
		return
	}
	fmt.Fprintln(w, "  ── logs ──")
	n := logLines
	if n > len(v.Logs) {
		n = len(v.Logs)
	}
	for i := n - 1; i >= 0; i-- {
		e := v.Logs[i]
		fmt.Fprintf(w, "  %s  %s\n", e.Timestamp.Local().Format("15:04:05"), plainText(e))
	}
}

func printChart(w io.Writer, c format.TrafficChart) {
	fmt.Fprintf(w, "  traffic over %s, in %s\n", c.Window, c.Unit)
	if len(c.Series) == 0 || len(c.Series[0].Data) == 0 {
		fmt.Fprintln(w, "  no data in range")
		return
	}
	fmt.Fprintf(w, "  %-17s", "time")
	for _, s := range c.Series {
		fmt.Fprintf(w, " %10s", s.ID)
	}
	fmt.Fprintln(w)
	for i := range c.Series[0].Data {
		fmt.Fprintf(w, "  %-17s", c.Series[0].Data[i].X)
		for _, s := range c.Series {
			fmt.Fprintf(w, " %10.2f", s.Data[i].Y)
		}
		fmt.Fprintln(w)
	}
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
