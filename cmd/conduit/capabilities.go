package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/formatter"
	"github.com/harunnryd/conduit/internal/pathutil"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities [tool]",
	Aliases: []string{"caps"},
	Short:   "Show the capability server catalogue",
	Long:    `Connects to the capability server, discovers its catalogue and prints it. With a tool name, prints that tool's schema.`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")

		outputFormat, err := formatter.ParseOutputFormat(format)
		if err != nil {
			return err
		}
		catFormatter, err := formatter.NewFormatterFactory().Create(outputFormat)
		if err != nil {
			return fmt.Errorf("invalid output format: %w", err)
		}

		opts, err := capability.OptionsFromConfig(cfg.Capability)
		if err != nil {
			return err
		}
		cat, err := fetchCatalogue(cmd.Context(), opts)
		if err != nil {
			return err
		}

		var output string
		if len(args) == 1 {
			tool := findTool(cat, args[0])
			if tool == nil {
				return fmt.Errorf("tool %q not found in catalogue", args[0])
			}
			output, err = catFormatter.FormatTool(tool)
		} else {
			output, err = catFormatter.FormatCatalogue(cat)
		}
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}

		if outPath != "" {
			return writeSnapshot(outPath, output)
		}
		fmt.Fprintln(cmd.OutOrStdout(), output)
		return nil
	},
}

func fetchCatalogue(ctx context.Context, opts capability.Options) (capability.Catalogue, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	client := capability.NewClient(opts)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return capability.Catalogue{}, fmt.Errorf("failed to reach capability server: %w", err)
	}
	return client.Capabilities(), nil
}

func findTool(cat capability.Catalogue, name string) *capability.Tool {
	for i := range cat.Tools {
		if cat.Tools[i].Name == name {
			return &cat.Tools[i]
		}
	}
	return nil
}

// writeSnapshot replaces path atomically so readers never see a partial file.
func writeSnapshot(path, content string) error {
	expanded, err := pathutil.EnsureParent(path)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	if err := atomic.WriteFile(expanded, strings.NewReader(content+"\n")); err != nil {
		return fmt.Errorf("failed to write %s: %w", expanded, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
	capabilitiesCmd.Flags().StringP("format", "f", "table", "output format (table, json, yaml)")
	capabilitiesCmd.Flags().StringP("out", "o", "", "write the output to a file instead of stdout")
}
