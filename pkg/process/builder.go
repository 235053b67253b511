package process

// Builder assembles a process Graph with a fluent API:
//
//	graph := process.New().
//		StartWith("BookLimits").WithCompensation("ReverseLimits").
//		ThenIf(func(s map[string]any) bool { return process.Bool(s, "requiresFx") }).
//		WhenTrue("BookFx").WithCompensation("UnwindFx").
//		Then("CreateTransaction").WithCompensation("ReverseTransaction").
//		Then("CreatePayment").
//		End()
//
// Steps are named by their command type. The optional-branch form of
// ThenIf routes to the branch step when the predicate holds and skips
// straight to the continuation otherwise; both paths converge there.
type Builder struct {
	initial string
	steps   map[string]Step
}

// New starts a graph definition.
func New() *Builder {
	return &Builder{steps: make(map[string]Step)}
}

// StartWith sets the initial step.
func (b *Builder) StartWith(step string) *StepBuilder {
	b.initial = step
	return &StepBuilder{b: b, name: step}
}

// StepBuilder configures the step currently at the end of the chain.
type StepBuilder struct {
	b            *Builder
	name         string
	compensation string
}

// WithCompensation registers the compensating command type for this step.
func (sb *StepBuilder) WithCompensation(step string) *StepBuilder {
	sb.compensation = step
	return sb
}

// Then finalizes this step with a direct transition and moves to next.
func (sb *StepBuilder) Then(next string) *StepBuilder {
	sb.b.steps[sb.name] = Step{name: sb.name, compensation: sb.compensation, strategy: directNext{step: next}}
	return &StepBuilder{b: sb.b, name: next}
}

// ThenIf starts a conditional transition from this step.
func (sb *StepBuilder) ThenIf(cond Predicate) *CondBuilder {
	return &CondBuilder{b: sb.b, source: sb.name, sourceComp: sb.compensation, cond: cond}
}

// End marks this step terminal and returns the finished graph.
func (sb *StepBuilder) End() *Graph {
	sb.b.steps[sb.name] = Step{name: sb.name, compensation: sb.compensation, strategy: terminal{}}
	return &Graph{initial: sb.b.initial, steps: sb.b.steps}
}

// CondBuilder configures an optional branch.
type CondBuilder struct {
	b          *Builder
	source     string
	sourceComp string
	cond       Predicate
}

// WhenTrue names the step taken when the predicate holds.
func (cb *CondBuilder) WhenTrue(step string) *BranchBuilder {
	return &BranchBuilder{cond: cb, name: step}
}

// BranchBuilder configures the optional branch step.
type BranchBuilder struct {
	cond         *CondBuilder
	name         string
	compensation string
}

// WithCompensation registers the compensation for the branch step.
func (bb *BranchBuilder) WithCompensation(step string) *BranchBuilder {
	bb.compensation = step
	return bb
}

// Then names the continuation both paths converge on: the branch step
// proceeds there, and the false path skips there directly.
func (bb *BranchBuilder) Then(continuation string) *StepBuilder {
	cb := bb.cond
	cb.b.steps[bb.name] = Step{name: bb.name, compensation: bb.compensation, strategy: directNext{step: continuation}}
	cb.b.steps[cb.source] = Step{
		name:         cb.source,
		compensation: cb.sourceComp,
		strategy:     conditionalNext{cond: cb.cond, trueStep: bb.name, falseStep: continuation},
	}
	return &StepBuilder{b: cb.b, name: continuation}
}
