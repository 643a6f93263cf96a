package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"gosuda.org/handoff"
	"gosuda.org/handoff/internal/loggingutil"
)

func newInspectCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the shared memory channel without attaching to it",
		Long: `inspect reports whether the channel segment exists, its geometry and
ring counters, whether the process that created it is still alive and the
current values of the three semaphores. Nothing is created or modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			output := strings.ToLower(strings.TrimSpace(v.GetString("output")))
			if output != "yaml" && output != "json" {
				return invalidArgs(fmt.Errorf("unknown output format %q", output))
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

			ctx := cmd.Context()
			rep, err := handoff.Inspect(ctx, cfg, handoff.WithLogger(logger))
			if err != nil {
				return err
			}
			if rep.Segment != nil && rep.Segment.Creator > 0 {
				alive, err := process.PidExistsWithContext(ctx, int32(rep.Segment.Creator))
				if err != nil {
					loggingutil.WithSubsystem(logger, "cli.inspect").Debug("creator.liveness.failed", "pid", rep.Segment.Creator, "error", err)
				} else {
					rep.CreatorAlive = &alive
				}
			}
			return writeReport(cmd.OutOrStdout(), rep, output)
		},
	}
	cmd.Flags().StringP("output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func writeReport(w io.Writer, rep handoff.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return enc.Close()
}
