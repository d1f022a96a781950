// Package moderation classifies text as clean or flagged before it is stored or broadcast.
package moderation

import (
	"context"
	"strings"

	"chatcore/pkg/metrics"
)

// Gate decides whether a text unit should be flagged. reason is empty when not flagged
// and otherwise namespaced as "<rule>:<detail>".
type Gate interface {
	ShouldFlag(ctx context.Context, text string) (flagged bool, reason string)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, text string) (bool, string)

func (f GateFunc) ShouldFlag(ctx context.Context, text string) (bool, string) {
	return f(ctx, text)
}

// Chain consults gates in order; the first flag wins and later gates are skipped.
func Chain(gates ...Gate) Gate {
	return GateFunc(func(ctx context.Context, text string) (bool, string) {
		for _, g := range gates {
			if g == nil {
				continue
			}
			if flagged, reason := g.ShouldFlag(ctx, text); flagged {
				return true, reason
			}
		}
		return false, ""
	})
}

// Observed records every verdict by rule namespace.
func Observed(g Gate, recorder metrics.Recorder) Gate {
	return GateFunc(func(ctx context.Context, text string) (bool, string) {
		flagged, reason := g.ShouldFlag(ctx, text)
		recorder.ObserveModeration(flagged, Rule(reason))
		return flagged, reason
	})
}

// Rule returns the namespace of a reason ("links:spam" -> "links").
func Rule(reason string) string {
	if reason == "" {
		return ""
	}
	rule, _, _ := strings.Cut(reason, ":")
	return rule
}

// NewGate composes the configured tiers. The deep tier is added only when enabled and a
// classifier is available.
func NewGate(cfg Config, classifier Classifier, recorder metrics.Recorder) (Gate, error) {
	gate := Gate(NewHeuristic(cfg))
	if cfg.DeepEnabled && classifier != nil {
		deep, err := NewDeep(classifier, cfg.DeepCacheSize, cfg.DeepTimeout)
		if err != nil {
			return nil, err
		}
		gate = Chain(gate, deep)
	}
	if recorder != nil {
		gate = Observed(gate, recorder)
	}
	return gate, nil
}
