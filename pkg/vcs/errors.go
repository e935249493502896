package vcs

import "errors"

// Errors returned by repository operations, matched with errors.Is.
var (
	// ErrNotInVCS is returned when the path is not inside a git working
	// tree.
	ErrNotInVCS = errors.New("not in a git repository")

	// ErrVCSNotAvailable is returned when the git binary is not in PATH.
	ErrVCSNotAvailable = errors.New("git binary not available")

	// ErrNothingToCommit is returned by Commit when no change is staged.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrRefNotFound is returned when a revision or path cannot be
	// resolved.
	ErrRefNotFound = errors.New("reference not found")
)
