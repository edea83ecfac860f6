package eval

// #region eval-config
// EvalConfig controls which checks a sequence audit runs.
type EvalConfig struct {
	MinProtocolVersion int  // older checkpoints fail the protocol check
	RequireDeltaLog    bool // each snapshot must carry a log entry for its own chunk
}

// DefaultEvalConfig accepts every protocol version and requires delta log entries.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinProtocolVersion: 1,
		RequireDeltaLog:    true,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single check result. Value counts offending checkpoints.
type EvalMetric struct {
	Name  string
	Value int
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a sequence audit.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Issues  []string
	Reason  string
}

// #endregion eval-result
