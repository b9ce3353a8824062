package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/definition"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/model"
)

type runFlags struct {
	file           string
	triggerFile    string
	dryRun         bool
	organizationID string
	userID         string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one sequence file and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runOnce(cmd, configPath, f, cmd.Flags().Changed("dry-run"))
		},
	}
	cmd.Flags().StringVar(&f.file, "file", "", "sequence definition file")
	cmd.Flags().StringVar(&f.triggerFile, "trigger", "", "JSON file holding the trigger payload")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "ask skills not to perform side effects")
	cmd.Flags().StringVar(&f.organizationID, "org", "local", "organization the run executes for")
	cmd.Flags().StringVar(&f.userID, "user", "cli", "user the run executes for")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runOnce(cmd *cobra.Command, configPath string, f runFlags, dryRunSet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	def, err := definition.NewLoader().LoadFile(f.file)
	if err != nil {
		return err
	}
	blocking, warnings := definition.Partition(definition.NewValidator().ValidateSequence(f.file, def))
	for _, ve := range warnings {
		logger.Warn("definition validation warning", zap.String("code", ve.Code), zap.String("warning", ve.Error()))
	}
	if len(blocking) > 0 {
		for _, ve := range blocking {
			fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
		}
		return fmt.Errorf("%s: %d validation errors", f.file, len(blocking))
	}

	trigger, err := readTrigger(f.triggerFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sequencer", version)
	if err != nil {
		return err
	}
	defer tracingShutdown(context.WithoutCancel(ctx))

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	eng, err := buildEngine(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer eng.close()

	go func() {
		if err := eng.gate.Run(ctx); err != nil {
			logger.Warn("decision bus subscription failed", zap.Error(err))
		}
	}()

	dryRun := cfg.Orchestrator.DryRun
	if dryRunSet {
		dryRun = f.dryRun
	}
	res := eng.orchestrator.ExecuteSequence(ctx, &def, trigger, orchestrator.Options{
		OrganizationID:  f.organizationID,
		UserID:          f.userID,
		DryRun:          dryRun,
		StoreFullOutput: cfg.Skills.StoreFullOutput,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New("sequence " + res.Status + ": " + res.Error)
	}
	return nil
}

func readTrigger(path string) (map[string]any, error) {
	trigger := map[string]any{}
	if path == "" {
		return trigger, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trigger: %w", err)
	}
	if err := json.Unmarshal(data, &trigger); err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("trigger %s is not a JSON object: %v", path, err))
	}
	return trigger, nil
}
