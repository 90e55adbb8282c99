package engine

import (
	"fmt"
	"time"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// AggMode selects how an aggregation node's output maps to tokens.
type AggMode string

const (
	// AggTransform reduces or fans out the batch into M rows, each
	// minted as a new token with ancestry to every input.
	AggTransform AggMode = "transform"
	// AggPassthrough enriches each buffered row individually; rows keep
	// their original token identity and no new tokens are minted.
	AggPassthrough AggMode = "passthrough"
)

// AggSpec configures an aggregation node's trigger and output mode.
type AggSpec struct {
	// Count flushes the batch once this many rows are buffered.
	// <= 0 disables the count trigger.
	Count int

	// Timeout flushes the batch once this much time has elapsed since
	// the first buffered row. 0 disables the elapsed-time trigger.
	Timeout time.Duration

	Mode AggMode

	// ExpectedOutputCount, when > 0 under AggTransform, declares the
	// exact number of rows the batch plugin must return; a mismatch is
	// a plugin contract violation.
	ExpectedOutputCount int

	// IdleFlush lets the host loop's periodic tick flush a timed-out
	// batch even when no further rows arrive at this node. When false,
	// timeout checks happen only on row arrival; the end-of-source
	// drain is unconditional either way.
	IdleFlush bool
}

// NodeSpec describes one configured plugin instance before resolution.
type NodeSpec struct {
	ID            string
	Plugin        string
	Type          ledger.NodeType
	PluginVersion string
	Determinism   string
	Params        canon.Object

	// Aggregation must be set iff Type is NodeAggregation.
	Aggregation *AggSpec
}

// planNode is a NodeSpec with its plugin resolved.
type planNode struct {
	spec  NodeSpec
	row   RowPlugin
	batch BatchPlugin
}

// Plan is a fully resolved pipeline: a source followed by an ordered
// sequence of transform/gate/aggregation/sink steps. Plugin names are
// resolved against the registry exactly once, at construction; an
// unknown plugin or a missing batch capability surfaces here, not
// mid-run.
type Plan struct {
	Pipeline   string
	ConfigHash string
	SourceSpec NodeSpec
	Source     Source
	steps      []planNode
}

// BuildPlan resolves a pipeline definition against a plugin registry.
func BuildPlan(reg *Registry, pipeline, configHash string, source NodeSpec, src Source, steps []NodeSpec) (*Plan, error) {
	if source.Type != ledger.NodeSource {
		return nil, fmt.Errorf("plan %s: node %q is not a source", pipeline, source.ID)
	}
	if src == nil {
		return nil, fmt.Errorf("plan %s: nil source", pipeline)
	}

	p := &Plan{
		Pipeline:   pipeline,
		ConfigHash: configHash,
		SourceSpec: source,
		Source:     src,
	}

	seen := map[string]bool{source.ID: true}
	for _, spec := range steps {
		if seen[spec.ID] {
			return nil, fmt.Errorf("plan %s: duplicate node id %q", pipeline, spec.ID)
		}
		seen[spec.ID] = true

		node := planNode{spec: spec}
		switch spec.Type {
		case ledger.NodeTransform, ledger.NodeGate, ledger.NodeSink:
			if spec.Aggregation != nil {
				return nil, fmt.Errorf("plan %s: node %q: aggregation settings on a %s node", pipeline, spec.ID, spec.Type)
			}
			rp, err := reg.Row(spec.Plugin)
			if err != nil {
				return nil, fmt.Errorf("plan %s: node %q: %w", pipeline, spec.ID, err)
			}
			node.row = rp
		case ledger.NodeAggregation:
			agg := spec.Aggregation
			if agg == nil {
				return nil, fmt.Errorf("plan %s: node %q: aggregation node without trigger settings", pipeline, spec.ID)
			}
			if agg.Count <= 0 && agg.Timeout <= 0 {
				return nil, fmt.Errorf("plan %s: node %q: aggregation needs a count or timeout trigger", pipeline, spec.ID)
			}
			switch agg.Mode {
			case AggTransform, AggPassthrough:
			default:
				return nil, fmt.Errorf("plan %s: node %q: unknown aggregation mode %q", pipeline, spec.ID, agg.Mode)
			}
			if agg.ExpectedOutputCount > 0 && agg.Mode != AggTransform {
				return nil, fmt.Errorf("plan %s: node %q: expected_output_count only applies to transform mode", pipeline, spec.ID)
			}
			bp, err := reg.Batch(spec.Plugin)
			if err != nil {
				return nil, fmt.Errorf("plan %s: node %q: %w", pipeline, spec.ID, err)
			}
			node.batch = bp
		default:
			return nil, fmt.Errorf("plan %s: node %q: unknown node type %q", pipeline, spec.ID, spec.Type)
		}
		p.steps = append(p.steps, node)
	}

	if len(p.steps) == 0 {
		return nil, fmt.Errorf("plan %s: no steps after source", pipeline)
	}
	return p, nil
}

// Nodes returns the ledger node records for the plan, source first.
// Positions follow plan order.
func (p *Plan) Nodes(runID string) []ledger.Node {
	nodes := make([]ledger.Node, 0, len(p.steps)+1)
	nodes = append(nodes, p.ledgerNode(runID, p.SourceSpec, 0))
	for i, step := range p.steps {
		nodes = append(nodes, p.ledgerNode(runID, step.spec, i+1))
	}
	return nodes
}

func (p *Plan) ledgerNode(runID string, spec NodeSpec, position int) ledger.Node {
	hash := ""
	if spec.Params != nil {
		if h, err := canon.ConfigHash(spec.Params); err == nil {
			hash = h
		}
	}
	return ledger.Node{
		RunID:         runID,
		ID:            spec.ID,
		Plugin:        spec.Plugin,
		Type:          spec.Type,
		PluginVersion: spec.PluginVersion,
		Determinism:   spec.Determinism,
		ConfigHash:    hash,
		Position:      position,
	}
}
