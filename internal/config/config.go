// Package config loads pipeline definitions from CUE files and turns
// them into executable plans. The loaded definition is hashed through
// the canonical encoder so a resumed run can prove its configuration
// did not drift.
package config

import (
	"fmt"
	"time"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/engine"
	"github.com/tracerow/tracerow/internal/ledger"
)

// Pipeline is a validated pipeline definition.
type Pipeline struct {
	Name            string
	Source          Node
	Steps           []Node
	CheckpointEvery int
	HaltOnContract  bool

	// Hash is the canonical config hash of the whole definition.
	Hash string
}

// Node is one plugin instance in the pipeline definition.
type Node struct {
	ID            string
	Plugin        string
	Type          ledger.NodeType
	PluginVersion string
	Determinism   string
	Params        map[string]any
	Aggregation   *Aggregation
}

// Aggregation holds an aggregation node's trigger and output settings.
type Aggregation struct {
	Count               int
	Timeout             time.Duration
	Mode                engine.AggMode
	ExpectedOutputCount int
	IdleFlush           bool
}

// Plan resolves the pipeline against a plugin registry and source.
func (p *Pipeline) Plan(reg *engine.Registry, src engine.Source) (*engine.Plan, error) {
	steps := make([]engine.NodeSpec, 0, len(p.Steps))
	for _, n := range p.Steps {
		spec, err := n.spec()
		if err != nil {
			return nil, err
		}
		steps = append(steps, spec)
	}
	srcSpec, err := p.Source.spec()
	if err != nil {
		return nil, err
	}
	return engine.BuildPlan(reg, p.Name, p.Hash, srcSpec, src, steps)
}

func (n Node) spec() (engine.NodeSpec, error) {
	spec := engine.NodeSpec{
		ID:            n.ID,
		Plugin:        n.Plugin,
		Type:          n.Type,
		PluginVersion: n.PluginVersion,
		Determinism:   n.Determinism,
	}
	if n.Params != nil {
		obj, err := canon.ObjectFromAnyMap(n.Params)
		if err != nil {
			return engine.NodeSpec{}, fmt.Errorf("node %q params: %w", n.ID, err)
		}
		spec.Params = obj
	}
	if n.Aggregation != nil {
		spec.Aggregation = &engine.AggSpec{
			Count:               n.Aggregation.Count,
			Timeout:             n.Aggregation.Timeout,
			Mode:                n.Aggregation.Mode,
			ExpectedOutputCount: n.Aggregation.ExpectedOutputCount,
			IdleFlush:           n.Aggregation.IdleFlush,
		}
	}
	return spec, nil
}

// validate runs the structural checks that do not need a plugin
// registry. Plugin resolution happens later, in Plan.
func (p *Pipeline) validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.Source.ID == "" || p.Source.Plugin == "" {
		return fmt.Errorf("pipeline %q: source needs an id and a plugin", p.Name)
	}
	if p.Source.Type != ledger.NodeSource {
		return fmt.Errorf("pipeline %q: source node %q has type %q", p.Name, p.Source.ID, p.Source.Type)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q: at least one step is required", p.Name)
	}

	seen := map[string]bool{p.Source.ID: true}
	for _, n := range p.Steps {
		if n.ID == "" || n.Plugin == "" {
			return fmt.Errorf("pipeline %q: every step needs an id and a plugin", p.Name)
		}
		if seen[n.ID] {
			return fmt.Errorf("pipeline %q: duplicate node id %q", p.Name, n.ID)
		}
		seen[n.ID] = true

		switch n.Type {
		case ledger.NodeTransform, ledger.NodeGate, ledger.NodeSink:
			if n.Aggregation != nil {
				return fmt.Errorf("pipeline %q: node %q: aggregation settings on a %s node", p.Name, n.ID, n.Type)
			}
		case ledger.NodeAggregation:
			agg := n.Aggregation
			if agg == nil {
				return fmt.Errorf("pipeline %q: node %q: aggregation node needs trigger settings", p.Name, n.ID)
			}
			if agg.Count <= 0 && agg.Timeout <= 0 {
				return fmt.Errorf("pipeline %q: node %q: aggregation needs a count or timeout trigger", p.Name, n.ID)
			}
			switch agg.Mode {
			case engine.AggTransform, engine.AggPassthrough:
			default:
				return fmt.Errorf("pipeline %q: node %q: unknown aggregation mode %q", p.Name, n.ID, agg.Mode)
			}
		case ledger.NodeSource:
			return fmt.Errorf("pipeline %q: node %q: only one source is allowed", p.Name, n.ID)
		default:
			return fmt.Errorf("pipeline %q: node %q: unknown node type %q", p.Name, n.ID, n.Type)
		}
	}
	return nil
}
