package strategy

import "context"

// Advisor is the pluggable external proposal source. It shares the
// Proposal type with local strategies, so its output flows through the
// same merge, risk and execution path with no special cases.
type Advisor interface {
	Name() string
	Propose(ctx context.Context, sctx Context) ([]Proposal, error)
}

// NoopAdvisor is the default: disabled, proposes nothing.
type NoopAdvisor struct{}

// Name implements Advisor.
func (NoopAdvisor) Name() string { return "noop" }

// Propose implements Advisor.
func (NoopAdvisor) Propose(context.Context, Context) ([]Proposal, error) {
	return nil, nil
}
