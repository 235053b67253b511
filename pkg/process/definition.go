package process

import "strings"

// Definition describes a process type: its step graph and the retry
// policy applied when a step's command fails.
type Definition interface {
	// ProcessType is the unique name this definition is registered under.
	ProcessType() string

	// Graph returns the step graph walked by the orchestrator.
	Graph() *Graph

	// IsRetryable reports whether a failure of the named step with the
	// given error message should be retried rather than compensated.
	IsRetryable(step, errMsg string) bool

	// MaxRetries is the retry cap for the named step. Once exhausted,
	// the orchestrator compensates.
	MaxRetries(step string) int
}

// DefaultRetryPolicy is a Definition mixin providing a conventional
// policy: transient-looking error messages are retried up to three
// times per step.
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) IsRetryable(_, errMsg string) bool {
	m := strings.ToLower(errMsg)
	return strings.Contains(m, "timeout") ||
		strings.Contains(m, "connection") ||
		strings.Contains(m, "unavailable")
}

func (DefaultRetryPolicy) MaxRetries(string) int { return 3 }
