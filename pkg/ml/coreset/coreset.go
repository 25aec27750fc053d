// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

// Package coreset selects a budget-constrained subset of a training dataset
// whose aggregate gradient best aligns with the gradient the validation set
// would induce -- the GLISTER family of greedy coreset selection strategies.
//
// The Selector drives a greedy loop: per-element last-layer gradients for the
// candidate pool are cached once per round, candidates are scored by the
// inner product of their gradient with the current validation gradient, the
// winner(s) are committed, and the validation gradient is refreshed with a
// one-step linear approximation of the hypothetical parameter update -- no
// repeated forward passes.
//
// The model being approximated is an external collaborator behind the
// gradients.Model interface; the selector never trains it. Typical usage:
//
//	sel := coreset.New(model, pool, validation, numClasses, 0.05).
//		WithStrategy(coreset.Stochastic).
//		WithLinearLayerTerm(true)
//	indices, weights, err := sel.Select(budget, model.Params())
package coreset

import (
	"github.com/pkg/errors"

	"github.com/cordsml/coreset/pkg/ml/gradients"
)

// Model is the collaborator interface the selector requires from the model.
// An alias of gradients.Model.
type Model = gradients.Model

// Dataset provides the candidate pool and the validation set, one batch at a
// time. An alias of gradients.Dataset.
type Dataset = gradients.Dataset

// Strategy selects how greedy winners are picked each iteration. The three
// strategies trade selection quality against per-iteration cost; see the
// constants.
type Strategy int

const (
	// Naive greedy scores every remaining element each iteration and commits
	// the single argmax. Highest quality, O(budget × |remaining|) gain
	// evaluations.
	Naive Strategy = iota

	// Stochastic greedy scores only a random sample of the remaining set
	// each iteration (sample size ≈ (N/budget)·ln(100)) and commits the
	// argmax within the sample. Roughly constant per-iteration cost.
	Stochastic

	// RGreedy scores every remaining element but commits the top
	// budget/r elements per iteration, cutting the number of validation
	// gradient refreshes by a factor of r at the cost of ignoring the
	// interaction between elements committed together.
	RGreedy
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Naive:
		return "Naive"
	case Stochastic:
		return "Stochastic"
	case RGreedy:
		return "RGreedy"
	}
	return "InvalidStrategy"
}

// ParseStrategy converts a strategy name ("Naive", "Stochastic", "RGreedy")
// to its Strategy value.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{Naive, Stochastic, RGreedy} {
		if name == s.String() {
			return s, nil
		}
	}
	return Naive, errors.Errorf("unrecognized strategy %q, valid values are Naive, Stochastic and RGreedy", name)
}
