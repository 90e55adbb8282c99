package engine

import (
	"testing"

	"github.com/tracerow/tracerow/internal/ledger"
)

func TestBuildPlan_RejectsUnknownPlugin(t *testing.T) {
	reg := newTestRegistry(&captureSink{})
	_, err := BuildPlan(reg, "p", "h", sourceSpec(), NewSliceSource(nil), []NodeSpec{
		{ID: "x", Plugin: "no-such-plugin", Type: ledger.NodeTransform},
	})
	if err == nil {
		t.Error("BuildPlan() resolved an unknown plugin")
	}
}

func TestBuildPlan_AggregationNeedsBatchCapability(t *testing.T) {
	reg := newTestRegistry(&captureSink{})
	// "identity" is row-capable only.
	_, err := BuildPlan(reg, "p", "h", sourceSpec(), NewSliceSource(nil), []NodeSpec{
		aggSpec("agg", AggSpec{Count: 2, Mode: AggTransform}, "identity"),
	})
	if err == nil {
		t.Error("BuildPlan() accepted a row-only plugin at an aggregation node")
	}
}

func TestBuildPlan_AggregationNeedsTrigger(t *testing.T) {
	reg := newTestRegistry(&captureSink{})
	_, err := BuildPlan(reg, "p", "h", sourceSpec(), NewSliceSource(nil), []NodeSpec{
		aggSpec("agg", AggSpec{Mode: AggTransform}, "sum"),
	})
	if err == nil {
		t.Error("BuildPlan() accepted an aggregation with no count or timeout trigger")
	}
}

func TestBuildPlan_ExpectedOutputCountOnlyForTransformMode(t *testing.T) {
	reg := newTestRegistry(&captureSink{})
	_, err := BuildPlan(reg, "p", "h", sourceSpec(), NewSliceSource(nil), []NodeSpec{
		aggSpec("agg", AggSpec{Count: 2, Mode: AggPassthrough, ExpectedOutputCount: 1}, "mean_enrich"),
	})
	if err == nil {
		t.Error("BuildPlan() accepted expected_output_count under passthrough mode")
	}
}

func TestBuildPlan_DuplicateNodeIDRejected(t *testing.T) {
	reg := newTestRegistry(&captureSink{})
	_, err := BuildPlan(reg, "p", "h", sourceSpec(), NewSliceSource(nil), []NodeSpec{
		{ID: "dup", Plugin: "identity", Type: ledger.NodeTransform},
		{ID: "dup", Plugin: "identity", Type: ledger.NodeTransform},
	})
	if err == nil {
		t.Error("BuildPlan() accepted duplicate node ids")
	}
}

func TestPlan_NodesIncludeSourceFirst(t *testing.T) {
	reg := newTestRegistry(&captureSink{})
	plan := mustBuildPlan(t, reg, NewSliceSource(nil),
		NodeSpec{ID: "step", Plugin: "identity", Type: ledger.NodeTransform},
		sinkSpec(),
	)

	nodes := plan.Nodes("run-1")
	if len(nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(nodes))
	}
	if nodes[0].ID != "src" || nodes[0].Position != 0 || nodes[0].Type != ledger.NodeSource {
		t.Errorf("first node = %+v, want the source at position 0", nodes[0])
	}
	if nodes[2].ID != "out" || nodes[2].Position != 2 {
		t.Errorf("last node = %+v, want sink at position 2", nodes[2])
	}
}
