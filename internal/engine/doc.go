// Package engine provides the run orchestrator. It drives a run's steps in
// declared order, applies control commands at step boundaries, and on a step
// failure opens uncertain-state records that halt the run until an operator
// resolves them. Resume is the single worker entrypoint and is idempotent,
// so at-least-once task delivery is safe.
package engine
