package gate

import (
	"context"

	"taskweave/internal/plan"
)

// AutoOperator always takes the recommendation. Used for unattended runs and
// as a stand-in when testing resolution plumbing.
type AutoOperator struct{}

func (AutoOperator) Ask(_ context.Context, d *plan.Decision) (string, error) {
	return d.Recommended, nil
}
