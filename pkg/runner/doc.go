// Package runner implements the Agent Runner: the per-task worker that
// prepares a workspace slot, invokes an external code-generation service,
// runs tests, commits and pushes the result, uploads artifacts, and reports
// completion back to the Task Registry (spec §4.4).
package runner
