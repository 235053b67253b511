// Package process implements the saga orchestrator: multi-step business
// workflows defined as immutable graphs of command-backed steps,
// advanced on command replies and compensated in reverse order when a
// step fails irrecoverably.
package process

// Predicate evaluates a transition condition over the accumulated
// process state. A missing key and an explicit nil are treated the
// same: both read as the zero value.
type Predicate func(state map[string]any) bool

// nextStrategy computes the step following the current one, or reports
// that the flow is terminal.
type nextStrategy interface {
	next(state map[string]any) (string, bool)
}

type directNext struct{ step string }

func (d directNext) next(map[string]any) (string, bool) { return d.step, true }

type conditionalNext struct {
	cond      Predicate
	trueStep  string
	falseStep string
}

func (c conditionalNext) next(state map[string]any) (string, bool) {
	if c.cond(state) {
		return c.trueStep, true
	}
	return c.falseStep, true
}

type terminal struct{}

func (terminal) next(map[string]any) (string, bool) { return "", false }

// Step is one node of a process graph: a command type, an optional
// compensating command type, and a transition.
type Step struct {
	name         string
	compensation string
	strategy     nextStrategy
}

// Name returns the step's command type name.
func (s Step) Name() string { return s.name }

// Compensation returns the compensating command type and whether one exists.
func (s Step) Compensation() (string, bool) {
	return s.compensation, s.compensation != ""
}

// Graph is an immutable process definition, built once at startup and
// navigated at runtime. It is never mutated after End().
type Graph struct {
	initial string
	steps   map[string]Step
}

// InitialStep returns the first step of the process.
func (g *Graph) InitialStep() string { return g.initial }

// HasStep reports whether name is a step of this graph.
func (g *Graph) HasStep(name string) bool {
	_, ok := g.steps[name]
	return ok
}

// NextStep computes the step after current given the accumulated state.
// An unknown step or a step without a transition is terminal.
func (g *Graph) NextStep(current string, state map[string]any) (string, bool) {
	step, ok := g.steps[current]
	if !ok || step.strategy == nil {
		return "", false
	}
	return step.strategy.next(state)
}

// CompensationStep returns the compensating command type for a step, if any.
func (g *Graph) CompensationStep(name string) (string, bool) {
	step, ok := g.steps[name]
	if !ok {
		return "", false
	}
	return step.Compensation()
}

// Bool reads a boolean flag from process state, treating absence and
// explicit null as false. Handy in transition predicates.
func Bool(state map[string]any, key string) bool {
	v, ok := state[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
