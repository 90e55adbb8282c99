package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracerow/tracerow/internal/config"
)

// ValidateResult summarizes a successfully validated pipeline.
type ValidateResult struct {
	Name       string   `json:"name"`
	ConfigHash string   `json:"config_hash"`
	Source     string   `json:"source"`
	Steps      []string `json:"steps"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline.cue>",
		Short: "Validate a pipeline definition without running it",
		Long: `Load and validate a pipeline definition. Reports the pipeline name,
its canonical configuration hash, and the node topology. Exits non-zero
when the definition is malformed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(rootOpts *RootOptions, configPath string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)

	pipeline, err := config.Load(configPath)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid pipeline", err)
	}

	result := ValidateResult{
		Name:       pipeline.Name,
		ConfigHash: pipeline.Hash,
		Source:     pipeline.Source.ID,
		Steps:      make([]string, 0, len(pipeline.Steps)),
	}
	for _, step := range pipeline.Steps {
		result.Steps = append(result.Steps, step.ID)
	}

	return formatter.SuccessText(result, func(w io.Writer) {
		fmt.Fprintf(w, "pipeline %s is valid\n", result.Name)
		fmt.Fprintf(w, "  config hash: %s\n", result.ConfigHash)
		fmt.Fprintf(w, "  source: %s\n", result.Source)
		fmt.Fprintf(w, "  steps: %v\n", result.Steps)
	})
}
