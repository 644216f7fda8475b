// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/api"
	"github.com/xkilldash9x/critical-css/internal/observability"
)

func newServeCmd() *cobra.Command {
	var noBrowser bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the critical CSS HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noBrowser)
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().Int("max-sessions", 0, "maximum number of browser sessions (overrides pool.max_sessions)")
	serveCmd.Flags().Bool("headless", true, "run the browser headless (overrides browser.headless)")
	serveCmd.Flags().Int("port", 0, "browser remote debugging port (overrides browser.debugging_port)")
	serveCmd.Flags().String("exec-path", "", "browser binary (overrides platform lookup)")
	serveCmd.Flags().Bool("no-cache", false, "disable the result cache")
	serveCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "serve only the static strategy; no browser is started")
	return serveCmd
}

func runServe(ctx context.Context, noBrowser bool) error {
	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	comps, err := initializeComponents(ctx, cfg, logger, !noBrowser)
	if err != nil {
		return err
	}

	h := api.NewHandlers(logger, comps.service, comps.sessions(), comps.resultCache())
	srv := api.NewServer(cfg.Server, h, logger)
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := comps.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Error("Component shutdown error", zap.Error(shutdownErr))
	}

	logger.Info("critcss server stopped.")
	return errors.Join(runErr, shutdownErr)
}
