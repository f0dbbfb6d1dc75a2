package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd(state *cliState) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and run a cycle every interval",
		Long: `serve starts the HTTP status API. When the interval is positive a cycle runs
at start-up and then on every tick; a tick that finds a cycle still running is
skipped. An interval of 0 serves the API only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interval") {
				interval = state.cfg.Pipeline.Interval
			}
			return appInstance.Serve(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 300*time.Second, "time between cycles (defaults to pipeline.interval)")
	return cmd
}
