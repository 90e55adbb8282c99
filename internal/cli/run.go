package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracerow/tracerow/internal/config"
	"github.com/tracerow/tracerow/internal/engine"
	"github.com/tracerow/tracerow/internal/ledger"
	"github.com/tracerow/tracerow/internal/plugins"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Input    string
}

// RunSummary is the user-facing result of a run.
type RunSummary struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
	RowsRead int64  `json:"rows_read"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <pipeline.cue>",
		Short: "Execute a pipeline from the beginning",
		Long: `Execute a pipeline defined in a CUE file, recording full token
lineage in the ledger. Every source row receives a token, every token
reaches exactly one terminal outcome, and aggregation buffers are
checkpointed so an interrupted run can be resumed with "resume".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "tracerow.db", "ledger database path")
	cmd.Flags().StringVar(&opts.Input, "input", "", "override the source input path")

	return cmd
}

func runRun(opts *RunOptions, configPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	pipeline, err := config.Load(configPath)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "load pipeline", err)
	}
	formatter.VerboseLog("loaded pipeline %q (config hash %s)", pipeline.Name, pipeline.Hash)

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
	report, runErr := eng.Run(cmd.Context(), plan)

	return emitReport(formatter, report, runErr)
}

// engineOptions derives the engine configuration shared by run and resume.
func engineOptions(opts *RootOptions, pipeline *config.Pipeline, logW io.Writer) []engine.Option {
	engOpts := []engine.Option{
		engine.WithLogger(newLogger(opts, logW)),
		engine.WithCheckpointEvery(pipeline.CheckpointEvery),
	}
	if pipeline.HaltOnContract {
		engOpts = append(engOpts, engine.WithHaltOnContract())
	}
	return engOpts
}

// openSource instantiates the pipeline's source plugin.
func openSource(pipeline *config.Pipeline, inputOverride string) (engine.Source, func() error, error) {
	switch pipeline.Source.Plugin {
	case "jsonl":
		path := inputOverride
		if path == "" {
			path, _ = pipeline.Source.Params["path"].(string)
		}
		if path == "" {
			return nil, nil, fmt.Errorf("source %q: params.path (or --input) is required", pipeline.Source.ID)
		}
		src, err := plugins.NewJSONLSource(path)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown source plugin %q", pipeline.Source.Plugin)
	}
}

// emitReport prints the run summary and maps the run result to an exit
// code: a failed or abandoned run exits non-zero even though the
// summary itself printed fine.
func emitReport(formatter *OutputFormatter, report engine.RunReport, runErr error) error {
	summary := RunSummary{
		RunID:    report.RunID,
		Status:   string(report.Status),
		Degraded: report.Degraded,
		RowsRead: report.RowsRead,
	}
	if err := formatter.SuccessText(summary, func(w io.Writer) {
		fmt.Fprintf(w, "run %s: %s (rows: %d, degraded: %v)\n",
			summary.RunID, summary.Status, summary.RowsRead, summary.Degraded)
	}); err != nil {
		return err
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "run did not complete", runErr)
	}
	return nil
}
