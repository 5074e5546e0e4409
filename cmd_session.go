package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesaa/npdash/internal/format"
	"github.com/vesaa/npdash/internal/models"
)

func sessionCommands() []*cobra.Command {
	// ── login ─────────────────────────────────────────────────────────────────
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the NodePass backend and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if username == "" {
				username = a.cfg.Username
			}
			if password == "" {
				password = a.cfg.Password
			}
			if username == "" || password == "" {
				return fmt.Errorf("username and password required (flags or config)")
			}

			u, err := a.session.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			return emit(u, func(w io.Writer) {
				fmt.Fprintf(w, "  ✓ Signed in as %s\n", u.Username)
				if !u.ExpiresAt.IsZero() {
					fmt.Fprintf(w, "  ✓ Session expires %s\n", u.ExpiresAt.Local().Format("2006-01-02 15:04"))
				}
				if u.NeedsSetup {
					fmt.Fprintf(w, "  ! Account setup is pending, open /setup-guide in the dashboard\n")
				}
			})
		},
	}
	loginCmd.Flags().StringP("username", "u", "", "Backend username (overrides config)")
	loginCmd.Flags().StringP("password", "p", "", "Backend password (overrides config)")

	// ── logout ────────────────────────────────────────────────────────────────
	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "End the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.session.Logout(cmd.Context()); err != nil {
				fmt.Printf("  ! Backend logout failed: %v\n", err)
			}
			fmt.Println("  ✓ Signed out")
			return nil
		},
	}

	// ── whoami ────────────────────────────────────────────────────────────────
	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			u := a.session.User()
			return emit(u, func(w io.Writer) {
				if u == nil {
					fmt.Fprintln(w, "  not signed in")
					return
				}
				fmt.Fprintf(w, "  %s @ %s\n", u.Username, a.cfg.BackendURL)
			})
		},
	}

	// ── notifications ─────────────────────────────────────────────────────────
	notificationsCmd := &cobra.Command{
		Use:   "notifications",
		Short: "List recent action notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			resource, _ := cmd.Flags().GetString("resource")
			limit, _ := cmd.Flags().GetInt("limit")
			rows, err := a.store.Notifications(resource, limit)
			if err != nil {
				return err
			}
			return emit(rows, func(w io.Writer) {
				if len(rows) == 0 {
					fmt.Fprintln(w, "  no notifications")
				}
				for _, n := range rows {
					mark := "✓"
					if n.Level == models.LevelDanger {
						mark = "✗"
					} else if n.Level == models.LevelWarning {
						mark = "!"
					}
					fmt.Fprintf(w, "  %s %-8s %-14s %s", mark, format.Since(n.CreatedAt, time.Now()), orDash(n.Resource), n.Title)
					if n.Description != "" {
						fmt.Fprintf(w, ": %s", n.Description)
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
	notificationsCmd.Flags().String("resource", "", "Only notices for this resource, e.g. tunnel/7")
	notificationsCmd.Flags().Int("limit", 20, "Maximum number of notices")

	return []*cobra.Command{loginCmd, logoutCmd, whoamiCmd, notificationsCmd}
}
