// Package gate resolves confidence-weighted decisions raised by executing
// nodes. High confidence resolves silently to the recommendation, medium
// gives an operator a bounded window to override before the recommendation
// wins, and low blocks the decision's dependents until an operator answers.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskweave/internal/plan"
)

// Operator supplies answers to decisions that need a human. Ask blocks until
// an answer arrives or ctx is done; an empty answer means "take the
// recommendation".
type Operator interface {
	Ask(ctx context.Context, d *plan.Decision) (string, error)
}

// Gate applies the resolution policy for one session.
type Gate struct {
	operator       Operator
	mediumWait     time.Duration
	nonInteractive bool
	logger         *zap.Logger
}

// Options configures a Gate.
type Options struct {
	// Operator answers medium and low confidence decisions. May be nil when
	// NonInteractive is set.
	Operator Operator
	// MediumWait is the override window for medium confidence decisions.
	MediumWait time.Duration
	// NonInteractive resolves low confidence decisions to their
	// recommendation instead of waiting for an operator.
	NonInteractive bool
	Logger         *zap.Logger
}

// New creates a gate from the given options.
func New(opts Options) (*Gate, error) {
	if opts.Operator == nil && !opts.NonInteractive {
		return nil, errors.New("gate requires an operator unless non-interactive")
	}
	if opts.MediumWait <= 0 {
		opts.MediumWait = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gate{
		operator:       opts.Operator,
		mediumWait:     opts.MediumWait,
		nonInteractive: opts.NonInteractive,
		logger:         opts.Logger,
	}, nil
}

// MediumWait returns the configured override window.
func (g *Gate) MediumWait() time.Duration { return g.mediumWait }

// Resolve blocks until the decision has an answer and returns the chosen
// option plus how it was chosen. The caller records the resolution in the
// manifest; Resolve itself never mutates the decision.
func (g *Gate) Resolve(ctx context.Context, d *plan.Decision) (string, plan.ResolutionSource, error) {
	if d.IsResolved() {
		return d.Resolved, d.Source, nil
	}
	switch d.Confidence {
	case plan.ConfidenceHigh:
		g.logger.Debug("decision auto-resolved",
			zap.String("decision", d.ID),
			zap.String("option", d.Recommended))
		return d.Recommended, plan.SourceAutoHigh, nil

	case plan.ConfidenceMedium:
		return g.resolveMedium(ctx, d)

	case plan.ConfidenceLow:
		return g.resolveLow(ctx, d)

	default:
		return "", "", fmt.Errorf("decision %s has unknown confidence %q", d.ID, d.Confidence)
	}
}

// resolveMedium gives the operator a bounded window to override. When the
// window expires without an answer the recommendation wins and execution
// continues, so a medium decision can never stall a session indefinitely.
func (g *Gate) resolveMedium(ctx context.Context, d *plan.Decision) (string, plan.ResolutionSource, error) {
	if g.operator == nil {
		return d.Recommended, plan.SourceAutoMediumTimeout, nil
	}
	window := g.mediumWait
	if !d.Deadline.IsZero() {
		window = time.Until(d.Deadline)
	}
	if window <= 0 {
		return d.Recommended, plan.SourceAutoMediumTimeout, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	answer, err := g.operator.Ask(waitCtx, d)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			g.logger.Info("override window expired, taking recommendation",
				zap.String("decision", d.ID),
				zap.String("option", d.Recommended))
			return d.Recommended, plan.SourceAutoMediumTimeout, nil
		}
		return "", "", err
	}
	return g.validated(d, answer, plan.SourceOperator)
}

// resolveLow waits for the operator without a deadline. Only the decision's
// transitive dependents are gated in the meantime; unrelated branches keep
// running.
func (g *Gate) resolveLow(ctx context.Context, d *plan.Decision) (string, plan.ResolutionSource, error) {
	if g.nonInteractive {
		g.logger.Info("non-interactive session, taking recommendation",
			zap.String("decision", d.ID),
			zap.String("option", d.Recommended))
		return d.Recommended, plan.SourceAutoNonInteractive, nil
	}
	answer, err := g.operator.Ask(ctx, d)
	if err != nil {
		return "", "", err
	}
	return g.validated(d, answer, plan.SourceOperator)
}

func (g *Gate) validated(d *plan.Decision, answer string, source plan.ResolutionSource) (string, plan.ResolutionSource, error) {
	if answer == "" {
		answer = d.Recommended
	}
	if len(d.Options) == 0 {
		// Free-form question; any answer stands.
		return answer, source, nil
	}
	for _, opt := range d.Options {
		if opt.Value == answer {
			return answer, source, nil
		}
	}
	return "", "", fmt.Errorf("decision %s: answer %q is not one of the offered options", d.ID, answer)
}
