package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one conformance scenario: a pipeline, the rows to
// feed it, and assertions on the lineage the run must record.
type Scenario struct {
	// Name uniquely identifies the scenario; golden snapshots are keyed
	// by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline is the path to the pipeline CUE definition, relative to
	// the scenario file.
	Pipeline string `yaml:"pipeline"`

	// RunID pins the run identifier. Defaults to "run-<name>".
	RunID string `yaml:"run_id,omitempty"`

	// Input lists the rows fed to the run, in order.
	Input []map[string]any `yaml:"input"`

	// Expect validates the run report itself.
	Expect *RunExpect `yaml:"expect,omitempty"`

	// Assertions validate the recorded lineage.
	Assertions []Assertion `yaml:"assertions"`
}

// RunExpect specifies the expected run report.
type RunExpect struct {
	// Status is the expected terminal run status.
	Status string `yaml:"status"`

	// Degraded, when set, is the expected degraded flag.
	Degraded *bool `yaml:"degraded,omitempty"`
}

// Assertion validates one aspect of the recorded lineage.
type Assertion struct {
	// Type selects the assertion: token_outcome, outcome_count,
	// batch_status, or sink_contains.
	Type string `yaml:"type"`

	// Token is the token id (token_outcome).
	Token string `yaml:"token,omitempty"`

	// Kind is the outcome kind (token_outcome, outcome_count).
	Kind string `yaml:"kind,omitempty"`

	// Reason is the expected outcome reason (token_outcome, optional).
	Reason string `yaml:"reason,omitempty"`

	// Count is the expected number of outcomes (outcome_count).
	Count int `yaml:"count,omitempty"`

	// Batch is the batch id (batch_status).
	Batch string `yaml:"batch,omitempty"`

	// Status is the expected batch status (batch_status).
	Status string `yaml:"status,omitempty"`

	// Members is the expected member count (batch_status, optional).
	Members int `yaml:"members,omitempty"`

	// Row is the row expected at the sink (sink_contains). Compared in
	// canonical JSON form.
	Row map[string]any `yaml:"row,omitempty"`
}

// Assertion type constants.
const (
	AssertTokenOutcome = "token_outcome"
	AssertOutcomeCount = "outcome_count"
	AssertBatchStatus  = "batch_status"
	AssertSinkContains = "sink_contains"
)

// LoadScenario reads and parses a scenario YAML file. The pipeline path
// is resolved relative to the scenario file's directory. Unknown YAML
// fields are rejected so typos surface as load errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if scenario.Pipeline != "" && !filepath.IsAbs(scenario.Pipeline) {
		scenario.Pipeline = filepath.Join(filepath.Dir(path), scenario.Pipeline)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields before the scenario runs.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if _, err := os.Stat(s.Pipeline); os.IsNotExist(err) {
		return fmt.Errorf("pipeline file not found: %s", s.Pipeline)
	}
	if len(s.Input) == 0 {
		return fmt.Errorf("input list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Expect != nil && s.Expect.Status == "" {
		return fmt.Errorf("expect: status is required")
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTokenOutcome:
		if a.Token == "" {
			return fmt.Errorf("assertions[%d]: token is required for token_outcome", index)
		}
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for token_outcome", index)
		}
	case AssertOutcomeCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for outcome_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outcome_count", index)
		}
	case AssertBatchStatus:
		if a.Batch == "" {
			return fmt.Errorf("assertions[%d]: batch is required for batch_status", index)
		}
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for batch_status", index)
		}
	case AssertSinkContains:
		if len(a.Row) == 0 {
			return fmt.Errorf("assertions[%d]: row is required for sink_contains", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
