package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/notify"
	"github.com/vesaa/npdash/internal/reconcile"
)

// emit writes v in the selected --output format; text uses the given printer.
func emit(v any, text func(w io.Writer)) error {
	switch output {
	case "", "text":
		text(os.Stdout)
		return nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q (use text, json or yaml)", output)
}

// cliNotifier prints notices as ✓/✗ lines. Structured output keeps stdout
// clean, so notices go to stderr then.
type cliNotifier struct{}

func (cliNotifier) Notify(n notify.Notice) {
	w := io.Writer(os.Stdout)
	if output != "" && output != "text" {
		w = os.Stderr
	}
	mark := "✓"
	switch n.Level {
	case models.LevelDanger:
		mark = "✗"
	case models.LevelWarning:
		mark = "!"
	}
	if n.Description != "" {
		fmt.Fprintf(w, "  %s %s: %s\n", mark, n.Title, n.Description)
		return
	}
	fmt.Fprintf(w, "  %s %s\n", mark, n.Title)
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// plainText turns a log message into terminal text.
func plainText(e models.LogEntry) string {
	if !e.IsHTML {
		return e.Message
	}
	return html.UnescapeString(tagPattern.ReplaceAllString(e.Message, ""))
}

var errNotLoaded = errors.New("view did not load")

type phased interface {
	Watch() (<-chan struct{}, func())
}

// waitLoaded blocks until ready reports true for the current view or ctx ends.
func waitLoaded(ctx context.Context, c phased, ready func() (bool, string)) error {
	changed, unwatch := c.Watch()
	defer unwatch()
	for {
		ok, errText := ready()
		if ok {
			return nil
		}
		if errText != "" {
			return fmt.Errorf("%w: %s", errNotLoaded, errText)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitTunnel(ctx context.Context, c *reconcile.TunnelController) (reconcile.TunnelView, error) {
	err := waitLoaded(ctx, c, func() (bool, string) {
		v := c.View()
		if v.Phase == reconcile.PhaseLoading {
			return false, v.Error
		}
		return true, ""
	})
	return c.View(), err
}

func waitEndpoint(ctx context.Context, c *reconcile.EndpointController) (reconcile.EndpointView, error) {
	err := waitLoaded(ctx, c, func() (bool, string) {
		v := c.View()
		if v.Phase == reconcile.PhaseLoading {
			return false, v.Error
		}
		return true, ""
	})
	return c.View(), err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
