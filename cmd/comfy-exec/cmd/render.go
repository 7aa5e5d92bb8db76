package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"comfy-executors/pkg/backends"
	"comfy-executors/pkg/executor"
)

var (
	renderVars      []string
	renderSamples   int
	renderBatchSize int
	renderBackend   string
)

func init() {
	renderCmd.Flags().StringArrayVar(&renderVars, "var", nil, "Template variable as key=value, repeatable")
	renderCmd.Flags().IntVarP(&renderSamples, "samples", "n", 1, "Number of samples")
	renderCmd.Flags().IntVar(&renderBatchSize, "batch-size", 0, "Samples per remote job (default from config)")
	renderCmd.Flags().StringVar(&renderBackend, "backend", "", "Endpoint whose input directory is bound (default from config)")
	rootCmd.AddCommand(renderCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render template",
	Short: "Print the document the first batch of a submission would send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := backendOverrides(renderBackend, args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(overrides)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		tpl, err := loadTemplate(cfg, args[0])
		if err != nil {
			return err
		}
		vars, err := parseVars(renderVars)
		if err != nil {
			return err
		}

		endpoint, closeEndpoint, err := backends.Open(cfg, log)
		if err != nil {
			return err
		}
		defer closeEndpoint()

		exec := executor.New(endpoint,
			executor.DefaultBatchSize(cfg.Executor.BatchSize),
			executor.DefaultVariables(cfg.Executor.Variables),
			executor.WithLogger(log),
		)
		opts := []executor.SubmitOption{executor.WithVariables(vars), executor.WithSeedRandomization(false)}
		if renderBatchSize > 0 {
			opts = append(opts, executor.WithBatchSize(renderBatchSize))
		}

		doc, err := exec.Render(tpl, renderSamples, opts...)
		if err != nil {
			return err
		}
		if doc.Graph == nil {
			fmt.Fprintln(cmd.OutOrStdout(), doc.Text)
			return nil
		}

		raw, err := doc.JSON()
		if err != nil {
			return err
		}
		var out bytes.Buffer
		if err := json.Indent(&out, raw, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.String())
		return nil
	},
}
