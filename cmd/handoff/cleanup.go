package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"gosuda.org/handoff"
	"gosuda.org/handoff/internal/loggingutil"
)

func newCleanupCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the channel segment and semaphores left behind by a failed run",
		Long: `cleanup destroys the shared memory segment and unlinks the three
semaphore names. It does not check for attached roles; a role still running
keeps its mapping but the next run starts from fresh counts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := channelConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := levelLogger(baseLogger, v)
			if err != nil {
				return err
			}
			if err := handoff.Destroy(cfg, handoff.WithLogger(logger)); err != nil {
				return err
			}
			loggingutil.WithSubsystem(logger, "cli.cleanup").Info("channel.removed", "key_path", cfg.KeyPath, "sem_dir", cfg.SemDir)
			return nil
		},
	}
}
