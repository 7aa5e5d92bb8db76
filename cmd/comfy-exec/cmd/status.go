package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"comfy-executors/internal/jobstore"
)

var statusGroup bool

func init() {
	statusCmd.Flags().BoolVar(&statusGroup, "group", false, "Treat the argument as a group id and list all its jobs")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status job_id",
	Short: "Show recorded jobs from the job store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadLocalConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := jobstore.New(cfg.JobStore)
		if err != nil {
			return err
		}
		defer closeStore()
		if store == nil {
			return errors.New("no job store configured (jobstore.backend is none)")
		}

		ctx := context.Background()
		var out interface{}
		if statusGroup {
			out, err = store.ListGroup(ctx, args[0])
		} else {
			out, err = store.Get(ctx, args[0])
		}
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
