package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/linkdrop/pkg/workspace"
)

func newSweepCmd(opts *runOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale job directories and thumbnails, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*opts)
			if err != nil {
				return err
			}
			stale := olderThan
			if stale <= 0 {
				stale = time.Duration(cfg.Workspace.StaleAfterMinutes) * time.Minute
			}
			j, err := workspace.NewJanitor(cfg.Workspace.Root, cfg.Workspace.JanitorSchedule, stale)
			if err != nil {
				return err
			}
			n, err := j.Sweep()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale entries from %s\n", n, cfg.Workspace.Root)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override workspace.stale_after_minutes")
	return cmd
}
