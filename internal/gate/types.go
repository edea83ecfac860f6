package gate

// #region action
// Action is the continuation decision taken after a chunk is checkpointed.
type Action string

const (
	ActionContinue Action = "continue"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

// #endregion action

// #region veto-type
// VetoType enumerates the conditions that stop the loop regardless of word count.
type VetoType string

const (
	VetoCeiling      VetoType = "chunk_ceiling"
	VetoMonotonicity VetoType = "monotonicity_violation"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected stop condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// DefaultMaxChunks bounds a session when neither MaxChunks nor ChunkWords is set.
const DefaultMaxChunks = 20

// GateConfig holds the stopping thresholds of one session.
type GateConfig struct {
	TargetWords int
	MaxChunks   int
	// StrictMonotonicity turns a monotonicity violation into a session failure.
	StrictMonotonicity bool
}

// #endregion gate-config

// #region input
// Input is what the loop knows after writing chunk ChunkIndex.
type Input struct {
	ChunkIndex      int
	CumulativeWords int
	Violations      int
}

// #endregion input

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      Action
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal
	Progress    float64 // cumulative / target, capped at 1
}

// #endregion gate-decision
