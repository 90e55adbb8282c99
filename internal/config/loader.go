package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/build"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/engine"
	"github.com/tracerow/tracerow/internal/ledger"
)

// rawPipeline mirrors the CUE shape under the top-level "pipeline"
// field; decoded via the json tags.
type rawPipeline struct {
	Name            string    `json:"name"`
	Source          rawNode   `json:"source"`
	Steps           []rawNode `json:"steps"`
	CheckpointEvery int       `json:"checkpoint_every"`
	HaltOnContract  bool      `json:"halt_on_contract"`
}

type rawNode struct {
	ID            string         `json:"id"`
	Plugin        string         `json:"plugin"`
	Type          string         `json:"type"`
	PluginVersion string         `json:"plugin_version"`
	Determinism   string         `json:"determinism"`
	Params        map[string]any `json:"params"`
	Aggregation   *rawAgg        `json:"aggregation"`
}

type rawAgg struct {
	Count               int    `json:"count"`
	Timeout             string `json:"timeout"`
	Mode                string `json:"mode"`
	ExpectedOutputCount int    `json:"expected_output_count"`
	IdleFlush           bool   `json:"idle_flush"`
}

// Load reads a pipeline definition from a CUE file or a directory of
// CUE files. The definition lives under the top-level "pipeline" field.
func Load(path string) (*Pipeline, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("pipeline config not found: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("access pipeline config: %w", err)
	}

	var instances []*build.Instance
	if info.IsDir() {
		instances = load.Instances([]string{"."}, &load.Config{Dir: path})
	} else {
		instances = load.Instances([]string{filepath.Base(path)}, &load.Config{Dir: filepath.Dir(path)})
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load CUE from %s: %w", path, inst.Err)
	}

	cuectx := cuecontext.New()
	value := cuectx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("build CUE value from %s: %w", path, err)
	}

	return decode(value)
}

// LoadBytes parses a pipeline definition from in-memory CUE source.
func LoadBytes(src []byte) (*Pipeline, error) {
	cuectx := cuecontext.New()
	value := cuectx.CompileBytes(src)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile CUE: %w", err)
	}
	return decode(value)
}

func decode(value cue.Value) (*Pipeline, error) {
	pv := value.LookupPath(cue.ParsePath("pipeline"))
	if !pv.Exists() {
		return nil, fmt.Errorf("no top-level \"pipeline\" field")
	}

	var raw rawPipeline
	if err := pv.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}

	// The hash covers the full definition as the author wrote it, via
	// the canonical encoder so field order never matters.
	var hashable map[string]any
	if err := pv.Decode(&hashable); err != nil {
		return nil, fmt.Errorf("decode pipeline for hashing: %w", err)
	}
	hash, err := canon.ConfigHash(hashable)
	if err != nil {
		return nil, fmt.Errorf("hash pipeline config: %w", err)
	}

	p, err := fromRaw(raw)
	if err != nil {
		return nil, err
	}
	p.Hash = hash

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func fromRaw(raw rawPipeline) (*Pipeline, error) {
	src, err := nodeFromRaw(raw.Source)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		Name:            raw.Name,
		Source:          src,
		CheckpointEvery: raw.CheckpointEvery,
		HaltOnContract:  raw.HaltOnContract,
	}
	for _, rn := range raw.Steps {
		n, err := nodeFromRaw(rn)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, n)
	}
	return p, nil
}

func nodeFromRaw(rn rawNode) (Node, error) {
	n := Node{
		ID:            rn.ID,
		Plugin:        rn.Plugin,
		Type:          ledger.NodeType(rn.Type),
		PluginVersion: rn.PluginVersion,
		Determinism:   rn.Determinism,
		Params:        rn.Params,
	}
	if rn.Aggregation != nil {
		agg, err := aggFromRaw(rn.ID, *rn.Aggregation)
		if err != nil {
			return Node{}, err
		}
		n.Aggregation = agg
	}
	return n, nil
}

func aggFromRaw(nodeID string, ra rawAgg) (*Aggregation, error) {
	agg := &Aggregation{
		Count:               ra.Count,
		Mode:                modeFromRaw(ra.Mode),
		ExpectedOutputCount: ra.ExpectedOutputCount,
		IdleFlush:           ra.IdleFlush,
	}
	if ra.Timeout != "" {
		d, err := time.ParseDuration(ra.Timeout)
		if err != nil {
			return nil, fmt.Errorf("node %q: invalid aggregation timeout %q: %w", nodeID, ra.Timeout, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("node %q: negative aggregation timeout", nodeID)
		}
		agg.Timeout = d
	}
	return agg, nil
}

func modeFromRaw(mode string) engine.AggMode {
	if mode == "" {
		return engine.AggTransform
	}
	return engine.AggMode(mode)
}
