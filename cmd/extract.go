// File: cmd/extract.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/extractor"
	"github.com/xkilldash9x/critical-css/internal/observability"
)

// extractOutput is one URL's entry in --json output.
type extractOutput struct {
	CSS   string `json:"css"`
	Error string `json:"error,omitempty"`
}

type extractOptions struct {
	strategy string
	jsonOut  bool
	timeout  time.Duration
}

func newExtractCmd() *cobra.Command {
	opts := &extractOptions{}

	extractCmd := &cobra.Command{
		Use:   "extract [urls...]",
		Short: "Prints the critical CSS of one or more pages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}

	extractCmd.Flags().StringVarP(&opts.strategy, "strategy", "s", string(extractor.StrategyBrowser), "extraction strategy: browser or static")
	extractCmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print a JSON object keyed by URL")
	extractCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overall deadline for the extraction (0 means none)")
	extractCmd.Flags().Int("max-sessions", 0, "maximum number of browser sessions (overrides pool.max_sessions)")
	extractCmd.Flags().Bool("headless", true, "run the browser headless (overrides browser.headless)")
	extractCmd.Flags().Int("port", 0, "browser remote debugging port (overrides browser.debugging_port)")
	extractCmd.Flags().String("exec-path", "", "browser binary (overrides platform lookup)")
	return extractCmd
}

func runExtract(ctx context.Context, out io.Writer, urls []string, opts *extractOptions) error {
	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	strategy, err := extractor.ParseStrategy(opts.strategy)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	// A one-shot run creates sessions on demand instead of prewarming the pool.
	runCfg := *cfg
	runCfg.Pool.PreInitialize = false

	comps, err := initializeComponents(ctx, &runCfg, logger, strategy == extractor.StrategyBrowser)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Shutdown error", zap.Error(err))
		}
	}()

	if len(urls) == 1 && !opts.jsonOut {
		css, err := comps.service.Optimize(ctx, strategy, urls[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, css)
		return err
	}

	results, err := comps.service.OptimizeBatch(ctx, strategy, urls)
	if err != nil {
		return err
	}

	outputs := make(map[string]extractOutput, len(results))
	var failed []string
	for url, res := range results {
		if res.Err != nil {
			outputs[url] = extractOutput{Error: res.Err.Error()}
			failed = append(failed, url)
			continue
		}
		outputs[url] = extractOutput{CSS: res.CSS}
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outputs); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("%d of %d URLs failed: %v", len(failed), len(results), failed)
	}
	return nil
}
