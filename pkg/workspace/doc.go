// Package workspace implements the Workspace Pool: a Git-worktree-based
// allocator that hands out isolated working directories on demand.
//
// Per pool: one main clone plus N worktrees sharing the main clone's object
// store, created with Git's native worktree mechanism (spec's documented
// preferred design over the clone-based alternative — see DESIGN.md Open
// Question #2). Each slot is guarded by its own advisory lockfile so at
// most one runner can hold it at a time.
package workspace
