package cmd

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"comfy-executors/internal/common/aws"
	"comfy-executors/internal/common/config"
	"comfy-executors/internal/common/logger"
	"comfy-executors/internal/common/observability"
	"comfy-executors/internal/jobstore"
	"comfy-executors/internal/notify"
	"comfy-executors/pkg/backends"
	"comfy-executors/pkg/executor"
)

var (
	submitImagesDir    string
	submitSamples      int
	submitBatchSize    int
	submitVars         []string
	submitBackend      string
	submitOutputDir    string
	submitNoRandomSeed bool
	submitIgnoreErrors bool
	submitNoProgress   bool
)

func init() {
	submitCmd.Flags().StringVar(&submitImagesDir, "images", "", "Directory of input images")
	submitCmd.Flags().IntVarP(&submitSamples, "samples", "n", 1, "Number of samples to generate")
	submitCmd.Flags().IntVar(&submitBatchSize, "batch-size", 0, "Samples per remote job (default from config)")
	submitCmd.Flags().StringArrayVar(&submitVars, "var", nil, "Template variable as key=value, repeatable")
	submitCmd.Flags().StringVar(&submitBackend, "backend", "", "Override executor.backend and the template's registry backend: "+strings.Join(backends.Names, ", "))
	submitCmd.Flags().StringVarP(&submitOutputDir, "output", "o", ".", "Directory the output images are written to")
	submitCmd.Flags().BoolVar(&submitNoRandomSeed, "no-randomize-seed", false, "Keep the seeds written in the template")
	submitCmd.Flags().BoolVar(&submitIgnoreErrors, "ignore-errors", false, "Keep images of jobs that also reported an error")
	submitCmd.Flags().BoolVar(&submitNoProgress, "noprogress", false, "Disable the progress bar")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit template",
	Short: "Render a template and run it on the configured endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := backendOverrides(submitBackend, args[0])
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
		vars, err := parseVars(submitVars)
		if err != nil {
			return err
		}
		inputs, err := loadImages(submitImagesDir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		exec, closeAll, err := newExecutor(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer closeAll()

		opts := []executor.SubmitOption{
			executor.WithVariables(vars),
			executor.WithIgnoreErrors(submitIgnoreErrors),
		}
		if submitBatchSize > 0 {
			opts = append(opts, executor.WithBatchSize(submitBatchSize))
		}
		if submitNoRandomSeed {
			opts = append(opts, executor.WithSeedRandomization(false))
		}
		if !submitNoProgress {
			bar := pb.New(0).SetWriter(os.Stderr)
			bar.Start()
			defer bar.Finish()
			opts = append(opts, executor.WithProgress(func(done, total int) {
				bar.SetTotal(int64(total)).SetCurrent(int64(done))
			}))
		}

		images, err := exec.SubmitWorkflow(ctx, tpl, inputs, submitSamples, opts...)
		if err != nil {
			return err
		}
		return writeImages(cmd, submitOutputDir, images)
	},
}

// newExecutor wires the configured endpoint, job store, notifier and
// telemetry into an Executor.
func newExecutor(ctx context.Context, cfg *config.Config, log logger.Logger) (*executor.Executor, func(), error) {
	endpoint, closeEndpoint, err := backends.Open(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := jobstore.New(cfg.JobStore)
	if err != nil {
		_ = closeEndpoint()
		return nil, nil, err
	}
	obs := observability.New(cfg.App.Name, observability.WithLogger(log))

	opts := []executor.Option{
		executor.DefaultBatchSize(cfg.Executor.BatchSize),
		executor.DefaultVariables(cfg.Executor.Variables),
		executor.DefaultSeedRandomization(cfg.Executor.SeedRandomization()),
		executor.WithJobStore(store),
		executor.WithLogger(log),
		executor.WithObservability(obs),
	}
	if sns := cfg.Notifications.SNS; sns.Enabled {
		client, err := aws.NewSNSClient(ctx, sns.Region)
		if err != nil {
			log.Warn("sns notifications disabled", map[string]interface{}{"error": err})
		} else {
			opts = append(opts, executor.WithNotifier(notify.NewSNSNotifier(client, sns.TopicARN)))
		}
	}

	closeAll := func() {
		obs.Shutdown()
		if err := closeStore(); err != nil {
			log.Warn("failed to close job store", map[string]interface{}{"error": err})
		}
		if err := closeEndpoint(); err != nil {
			log.Warn("failed to close endpoint", map[string]interface{}{"error": err})
		}
	}
	return executor.New(endpoint, opts...), closeAll, nil
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

// loadImages decodes the images in dir in filename order.
func loadImages(dir string) ([]image.Image, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var images []image.Image
	for _, entry := range entries {
		if entry.IsDir() || !imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out, err := executor.DecodeArtifact(executor.Artifact{Name: entry.Name(), Data: data})
		if err != nil {
			return nil, err
		}
		images = append(images, out.Image)
	}
	return images, nil
}

// writeImages saves images as <index>_<name>.png; names repeat across
// batches.
func writeImages(cmd *cobra.Command, dir string, images []executor.OutputImage) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, img := range images {
		data, err := executor.EncodePNG(img.Image)
		if err != nil {
			return err
		}
		base := strings.TrimSuffix(filepath.Base(img.Name), filepath.Ext(img.Name))
		path := filepath.Join(dir, fmt.Sprintf("%03d_%s.png", i, base))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}
