package ledger

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	// RunRunning marks a run that is actively processing rows.
	RunRunning RunStatus = "running"
	// RunCompleted marks a run that drained its source and finished.
	RunCompleted RunStatus = "completed"
	// RunFailed marks a run aborted by an invariant violation or a
	// halt-on-contract-violation configuration.
	RunFailed RunStatus = "failed"
	// RunAbandoned marks a run interrupted by a crash; set on resume or
	// by operator tooling, never by the crashed process itself.
	RunAbandoned RunStatus = "abandoned"
)

// NodeType classifies a configured plugin instance in the pipeline.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeSink        NodeType = "sink"
)

// OutcomeKind is the terminal disposition of a token. These four values
// are the complete taxonomy exposed to operators; every token receives
// exactly one of them by run end.
type OutcomeKind string

const (
	// OutcomeCompleted marks a token that survived to a terminal output.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeConsumedInBatch marks a token whose data was subsumed into
	// an aggregation's output. Batch members always carry this, never
	// OutcomeCompleted.
	OutcomeConsumedInBatch OutcomeKind = "consumed_in_batch"
	// OutcomeFailed marks a token terminated by a plugin contract
	// violation or batch failure.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeQuarantined marks a token set aside for invalid data.
	OutcomeQuarantined OutcomeKind = "quarantined"
)

// NodeStateStatus is the status of one execution attempt at one node.
type NodeStateStatus string

const (
	StateRunning   NodeStateStatus = "running"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// BatchStatus is the lifecycle status of a buffered batch.
type BatchStatus string

const (
	BatchOpen    BatchStatus = "open"
	BatchFlushed BatchStatus = "flushed"
	BatchFailed  BatchStatus = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID         string
	Pipeline   string
	ConfigHash string
	Status     RunStatus
	Degraded   bool
	StartedAt  string // RFC 3339
	FinishedAt string // RFC 3339, empty while running
}

// Node is one configured plugin instance, registered before execution
// begins and immutable thereafter.
type Node struct {
	RunID         string
	ID            string
	Plugin        string
	Type          NodeType
	PluginVersion string
	Determinism   string
	ConfigHash    string
	Position      int
}

// Row is a unit of input data as it entered the pipeline from a source.
// Never mutated after creation.
type Row struct {
	ID           string
	RunID        string
	SourceNodeID string
	Index        int64
	ContentHash  string
}

// Token is the identity handle for a row (or a row derived from others)
// as it flows through nodes. Parent linkage lives in token_parents.
type Token struct {
	ID         string
	RunID      string
	RowID      string
	CreatedSeq int64
}

// NodeState is one execution attempt of one token at one node.
type NodeState struct {
	ID          int64
	TokenID     string
	NodeID      string
	StepIndex   int
	Attempt     int
	Status      NodeStateStatus
	InputHash   string
	StartedSeq  int64
	FinishedSeq int64 // 0 while running
}

// Batch is a buffered accumulation at one aggregation node.
type Batch struct {
	ID        string
	RunID     string
	NodeID    string
	Status    BatchStatus
	OpenedSeq int64
	ClosedSeq int64 // 0 while open
}

// BatchMember records one token's membership in a batch with its
// buffered position.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// TokenOutcome is the terminal disposition of a token.
// Written exactly once; a second write is rejected.
type TokenOutcome struct {
	TokenID string
	Kind    OutcomeKind
	Reason  string
	Seq     int64
}

// Checkpoint is the durable resume record for a run: the source read
// position plus serialized aggregation buffer state.
type Checkpoint struct {
	RunID          string
	SourcePosition int64
	State          string // canonical JSON
	StateHash      string
	Seq            int64
}

// TokenTrace is the assembled lineage view of one token, served to the
// trace CLI and the conformance harness.
type TokenTrace struct {
	Token      Token
	Row        *Row
	ParentIDs  []string
	NodeStates []NodeState
	Outcome    *TokenOutcome
}
