package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// runGit shells out to the git binary, grounded on kindling-sh-kindling's
// cli/cmd/push.go runGit helper: run in dir, capture combined output for
// error context, bound by ctx.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %v: %w: %s", args, err, out.String())
	}
	return out.String(), nil
}

// cloneMain performs the one-time clone of the pool's main repository,
// grounded on kubetask-io-kubetask's cmd/tools/git_init.go clone invocation
// (depth/ref-aware `git clone`).
func cloneMain(ctx context.Context, repoURL, mainPath string) error {
	_, err := runGit(ctx, "", "clone", repoURL, mainPath)
	return err
}

// addWorktree creates a worktree at path on a new pool-owned holding branch
// (spec §4.2: `worktree/<pool>/<slot-n>`).
func addWorktree(ctx context.Context, mainPath, worktreePath, branch string) error {
	_, err := runGit(ctx, mainPath, "worktree", "add", "-B", branch, worktreePath)
	return err
}

// removeWorktree removes a worktree directory and its git-internal
// registration.
func removeWorktree(ctx context.Context, mainPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = append(args, "--force")
	}
	_, err := runGit(ctx, mainPath, args...)
	return err
}

// resetToHoldingBranch implements the shared half of pre/post-allocation
// cleanup (spec §4.2 "Cleanup contract"): checkout the pool holding branch,
// discard all local changes, remove untracked files.
func resetToHoldingBranch(ctx context.Context, worktreePath, holdingBranch string) error {
	if _, err := runGit(ctx, worktreePath, "checkout", holdingBranch); err != nil {
		return err
	}
	if _, err := runGit(ctx, worktreePath, "reset", "--hard"); err != nil {
		return err
	}
	if _, err := runGit(ctx, worktreePath, "clean", "-fdx"); err != nil {
		return err
	}
	return nil
}

// fetchOrigin refreshes the shared object store. Part of post-release
// cleanup only (spec §4.2).
func fetchOrigin(ctx context.Context, worktreePath string) error {
	_, err := runGit(ctx, worktreePath, "fetch", "origin")
	return err
}

// checkoutBranch creates and checks out a new branch from the current HEAD,
// used by the Agent Runner to start its feature branch (spec §4.4).
func checkoutBranch(ctx context.Context, worktreePath, branch string) error {
	_, err := runGit(ctx, worktreePath, "checkout", "-b", branch)
	return err
}

// headInfo returns the worktree's current branch and commit SHA, used by
// GetSlotStatus.
func headInfo(ctx context.Context, worktreePath string) (branch, sha string, err error) {
	branch, err = runGit(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", "", err
	}
	sha, err = runGit(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", "", err
	}
	return trimNL(branch), trimNL(sha), nil
}

// CheckoutBranch creates and checks out a new branch in the worktree at
// workspacePath, exported for the Agent Runner's "prepare workspace" phase
// (spec §4.4 step 2).
func CheckoutBranch(ctx context.Context, workspacePath, branch string) error {
	return checkoutBranch(ctx, workspacePath, branch)
}

// CommitAll stages every change in the worktree and commits it with message.
func CommitAll(ctx context.Context, workspacePath, message string) error {
	if _, err := runGit(ctx, workspacePath, "add", "-A"); err != nil {
		return err
	}
	if _, err := runGit(ctx, workspacePath, "commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// PushBranch pushes branch to origin from the worktree at workspacePath.
func PushBranch(ctx context.Context, workspacePath, branch string) error {
	_, err := runGit(ctx, workspacePath, "push", "origin", branch)
	return err
}

// DiffHead returns the unified diff of the worktree's most recent commit.
func DiffHead(ctx context.Context, workspacePath string) (string, error) {
	return runGit(ctx, workspacePath, "show", "--format=", "HEAD")
}

// HeadInfo is the exported form of headInfo, for callers outside this
// package (e.g. pkg/runner reporting the commit it produced).
func HeadInfo(ctx context.Context, workspacePath string) (branch, sha string, err error) {
	return headInfo(ctx, workspacePath)
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
