package cli

import (
	"github.com/spf13/cobra"

	"github.com/tracerow/tracerow/internal/config"
	"github.com/tracerow/tracerow/internal/engine"
	"github.com/tracerow/tracerow/internal/ledger"
	"github.com/tracerow/tracerow/internal/plugins"
)

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Database string
	Input    string
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <pipeline.cue> <run-id>",
		Short: "Resume an interrupted run from its last checkpoint",
		Long: `Resume a crashed or interrupted run. Buffered aggregation state is
restored from the run's checkpoint, tokens the crash left unfinished
are recorded as failed, and the source is repositioned to the last
checkpointed read position. The pipeline definition must be unchanged
since the run started.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "tracerow.db", "ledger database path")
	cmd.Flags().StringVar(&opts.Input, "input", "", "override the source input path")

	return cmd
}

func runResume(opts *ResumeOptions, configPath, runID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	pipeline, err := config.Load(configPath)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "load pipeline", err)
	}

	store, err := ledger.Open(opts.Database)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "open ledger", err)
	}
	defer store.Close()

	src, closeSrc, err := openSource(pipeline, opts.Input)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "open source", err)
	}
	defer closeSrc()

	reg := engine.NewRegistry()
	plugins.Register(reg, cmd.OutOrStdout())

	plan, err := pipeline.Plan(reg, src)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "build plan", err)
	}

	eng := engine.New(store, engineOptions(opts.RootOptions, pipeline, cmd.ErrOrStderr())...)
	report, runErr := eng.Resume(cmd.Context(), plan, runID)

	if runErr != nil && engine.IsCheckpointError(runErr) {
		formatter.Error(runErr.Error(), nil)
		return WrapExitError(ExitFailure, "resume rejected", runErr)
	}
	return emitReport(formatter, report, runErr)
}
