// File: cmd/sessions.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/critical-css/internal/browser"
	"github.com/xkilldash9x/critical-css/internal/observability"
)

func newSessionsCmd() *cobra.Command {
	var jsonOut bool

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Lists the page targets of a running browser",
		Long: `Queries the DevTools control plane on browser.debugging_port and lists
its page targets. Use it against a browser started by "critcss serve".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd.Context(), cmd.OutOrStdout(), jsonOut)
		},
	}

	sessionsCmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON instead of a table")
	sessionsCmd.Flags().Int("port", 0, "browser remote debugging port (overrides browser.debugging_port)")
	return sessionsCmd
}

func runSessions(ctx context.Context, out io.Writer, jsonOut bool) error {
	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}

	cp := browser.NewControlPlane(cfg.Browser.DebuggingPort, observability.GetLogger())
	pages, err := cp.ListPages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions at %s: %w", cp.BaseURL(), err)
	}

	if jsonOut {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pages)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tURL\tWEBSOCKET")
	for _, p := range pages {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.URL, p.WebSocketDebuggerURL)
	}
	return tw.Flush()
}
