// Package core implements the pure flag evaluation rules: environment
// matching, role targeting, and deterministic percentage rollout. Nothing in
// this package performs I/O or holds state.
package core

import "slices"

// Evaluate decides whether flag is active for the given context. The first
// matching rule wins:
//
//  1. A disabled flag is always inactive.
//  2. A flag scoped to one environment is inactive everywhere else.
//  3. A subject whose role is targeted is always active, bypassing rollout.
//  4. Otherwise the subject's hash bucket is compared against the rollout
//     percentage.
func Evaluate(flag Flag, ctx Context) bool {
	if !flag.Enabled {
		return false
	}

	if flag.Environment != EnvironmentAll && flag.Environment != ctx.Environment {
		return false
	}

	if len(flag.TargetRoles) > 0 && slices.Contains(flag.TargetRoles, ctx.Role) {
		return true
	}

	return Bucket(flag.Key, ctx.SubjectID) < flag.RolloutPercentage
}

// EvaluateAll evaluates every flag against one context in a single pass.
func EvaluateAll(flags []Flag, ctx Context) map[string]bool {
	results := make(map[string]bool, len(flags))

	for _, flag := range flags {
		results[flag.Key] = Evaluate(flag, ctx)
	}

	return results
}
