package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/definition"
	"github.com/pitabwire/sequencer/model"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check sequence definitions without running them",
		Long: `Validate loads sequence definitions and reports every problem found.
With file arguments only those files are checked; otherwise the directories
named in the configuration are.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := collectDefinitions(cmd, args)
			if err != nil {
				return err
			}
			blocking, warnings := definition.Partition(definition.NewValidator().Validate(defs))
			for _, ve := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s [%s]\n", ve.Error(), ve.Code)
			}
			for _, ve := range blocking {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]\n", ve.Error(), ve.Code)
			}
			if len(blocking) > 0 {
				return fmt.Errorf("%d validation errors in %d definitions", len(blocking), len(defs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d definitions ok\n", len(defs))
			return nil
		},
	}
}

func collectDefinitions(cmd *cobra.Command, files []string) ([]model.SequenceDefinition, error) {
	loader := definition.NewLoader()
	if len(files) > 0 {
		defs := make([]model.SequenceDefinition, 0, len(files))
		for _, f := range files {
			def, err := loader.LoadFile(f)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
		return defs, nil
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return loader.LoadAll(cfg.Definitions.Directories)
}
