package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/casegen/batch"
	"github.com/c360studio/casegen/features"
	"github.com/c360studio/casegen/testcase"
)

type runOptions struct {
	model        string
	outPath      string
	mergedPath   string
	acceptTarget string
	retryRounds  int
	pollInterval time.Duration
	quiet        bool
}

func runCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run PATTERN...",
		Short: "Generate test cases for the features in the matching files",
		Long: `Run loads every feature file matching the glob patterns (** is supported),
starts one batch with all features and waits for it to finish.

Feature files are YAML or JSON (a single feature or a list under "features")
or HTML pages, which become one feature each.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Start(ctx); err != nil {
				return err
			}
			return executeRun(ctx, app, logger, args, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model selector (endpoint name, alias or model id; default from config)")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "Write the final batch state as JSON to this file")
	cmd.Flags().StringVar(&opts.mergedPath, "merged", "", "Write all cases of the batch, deduplicated by title, as JSON to this file")
	cmd.Flags().StringVar(&opts.acceptTarget, "accept", "", "Accept completed features into storage under this target")
	cmd.Flags().IntVar(&opts.retryRounds, "retry-failed", 0, "Retry failed features up to this many rounds")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll", 2*time.Second, "Status poll interval")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print the result table")

	return cmd
}

// errFeaturesFailed is returned when the batch finished with failed features.
var errFeaturesFailed = errors.New("features failed")

func executeRun(ctx context.Context, app *App, logger *slog.Logger, patterns []string, opts *runOptions, out io.Writer) error {
	if opts.acceptTarget != "" && app.Store() == nil {
		return fmt.Errorf("--accept needs a storage backend (set storage.backend)")
	}

	feats, err := features.NewLoader(logger).Load(patterns...)
	if err != nil {
		return err
	}
	logger.Info("Features loaded", "count", len(feats))

	orch := app.Orchestrator()
	batchID, err := orch.StartBatch(ctx, feats, opts.model)
	if err != nil {
		return err
	}

	state, err := poll(ctx, orch, batchID, opts.pollInterval, logger)
	if err != nil {
		return err
	}

	for round := 1; round <= opts.retryRounds && state.Status == testcase.BatchStatusPartial; round++ {
		retried := 0
		for _, f := range state.Features {
			if f.Status != testcase.FeatureStatusFailed {
				continue
			}
			if err := orch.RetryFeature(batchID, f.FeatureID); err != nil {
				logger.Warn("Retry rejected", "feature", f.FeatureName, "error", err)
				continue
			}
			retried++
		}
		if retried == 0 {
			break
		}
		logger.Info("Retrying failed features", "round", round, "features", retried)
		if state, err = poll(ctx, orch, batchID, opts.pollInterval, logger); err != nil {
			return err
		}
	}

	if !opts.quiet {
		renderBatch(out, state)
	}

	if opts.outPath != "" {
		if err := writeJSON(opts.outPath, state); err != nil {
			return err
		}
		logger.Info("Batch state written", "path", opts.outPath)
	}

	if opts.mergedPath != "" {
		merged, err := orch.MergedCases(batchID, true)
		if err != nil {
			return err
		}
		if err := writeJSON(opts.mergedPath, merged); err != nil {
			return err
		}
		logger.Info("Merged cases written", "path", opts.mergedPath, "cases", len(merged))
	}

	if opts.acceptTarget != "" {
		for _, f := range state.Features {
			if f.Status != testcase.FeatureStatusCompleted {
				continue
			}
			n, err := orch.AcceptFeature(ctx, batchID, f.FeatureID, opts.acceptTarget)
			if err != nil {
				return err
			}
			logger.Info("Cases accepted", "feature", f.FeatureName, "target", opts.acceptTarget, "cases", n)
		}
	}

	failed := 0
	for _, f := range state.Features {
		if f.Status == testcase.FeatureStatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d %w", failed, len(state.Features), errFeaturesFailed)
	}
	return nil
}

// poll reads the batch status every interval until no feature is pending or
// generating, logging each feature that finishes.
func poll(ctx context.Context, orch *batch.Orchestrator, batchID string, interval time.Duration, logger *slog.Logger) (testcase.BatchState, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]testcase.FeatureStatus)
	for {
		state, err := orch.GetStatus(batchID)
		if err != nil {
			return state, err
		}
		for _, f := range state.Features {
			if seen[f.FeatureID] == f.Status {
				continue
			}
			seen[f.FeatureID] = f.Status
			switch f.Status {
			case testcase.FeatureStatusCompleted:
				logger.Info("Feature completed", "feature", f.FeatureName, "cases", len(f.Cases), "attempts", f.Attempts)
			case testcase.FeatureStatusFailed:
				logger.Warn("Feature failed", "feature", f.FeatureName, "error", f.Error, "attempts", f.Attempts)
			}
		}
		if batch.Settled(state) {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
