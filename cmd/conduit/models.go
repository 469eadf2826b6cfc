package main

import (
	"fmt"

	"github.com/harunnryd/conduit/internal/formatter"
	"github.com/harunnryd/conduit/internal/model"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models [backend]",
	Short: "List models served by a backend",
	Long:  `Lists the models a registered backend can serve. Defaults to the local backend.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		backend := "local"
		if len(args) == 1 {
			backend = args[0]
		}
		format, _ := cmd.Flags().GetString("format")

		outputFormat, err := formatter.ParseOutputFormat(format)
		if err != nil {
			return err
		}
		modelFormatter, err := formatter.NewFormatterFactory().Create(outputFormat)
		if err != nil {
			return fmt.Errorf("invalid output format: %w", err)
		}

		registry, err := model.NewRegistryFromConfig(cfg.Models)
		if err != nil {
			return fmt.Errorf("failed to build provider registry: %w", err)
		}

		models, err := registry.ListModels(cmd.Context(), backend)
		if err != nil {
			return fmt.Errorf("failed to list models for %s: %w", backend, err)
		}

		output, err := modelFormatter.FormatModels(models)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), output)
		return nil
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured model backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		out := cmd.OutOrStdout()
		for _, entry := range cfg.Models.Registry {
			marker := " "
			if entry.Name == cfg.Models.Default {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %-10s %-10s %s\n", marker, entry.Name, entry.Provider, entry.Model)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(backendsCmd)
	modelsCmd.Flags().StringP("format", "f", "table", "output format (table, json, yaml)")
}
