// Package vcs wraps the git command line for the working repositories:
// the interop score output repository and the read-only metadata and
// results cache repositories.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultRemote is the remote fetched by Update.
const DefaultRemote = "origin"

// Repository is the versioned store contract of the update cycle. Every
// file written during a cycle is staged before commit.
type Repository interface {
	Clean(ctx context.Context) error
	Update(ctx context.Context) error
	Stage(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) error
}

// Compile-time interface check.
var _ Repository = (*Git)(nil)

// TreeEntry is one entry of a recursive tree listing.
type TreeEntry struct {
	Mode string
	Type string
	Hash string
	Path string
}

// Git runs git commands against one working tree.
type Git struct {
	log  logrus.FieldLogger
	root string
}

// Open returns a Git for the working tree containing path.
func Open(ctx context.Context, log logrus.FieldLogger, path string) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, ErrVCSNotAvailable
	}

	g := &Git{log: log, root: path}

	out, err := g.output(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotInVCS)
	}

	root := strings.TrimSpace(string(out))

	return &Git{
		log:  log.WithFields(logrus.Fields{"component": "git", "repo": filepath.Base(root)}),
		root: root,
	}, nil
}

// Root returns the top level directory of the working tree.
func (g *Git) Root() string {
	return g.root
}

// Exec runs a git command and returns its combined output.
func (g *Git) Exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, fmt.Errorf("git %s: %w", args[0], ctxErr)
		}

		return output, fmt.Errorf("git %s failed: %w\n%s",
			strings.Join(args, " "), err, string(output))
	}

	return output, nil
}

// output runs a git command and returns stdout only.
func (g *Git) output(ctx context.Context, args ...string) ([]byte, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], ctxErr)
		}

		return nil, fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return out, nil
}

// Clean discards uncommitted changes and untracked files.
func (g *Git) Clean(ctx context.Context) error {
	g.log.Info("Cleaning working tree")

	if _, err := g.Exec(ctx, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("resetting working tree: %w", err)
	}

	if _, err := g.Exec(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("removing untracked files: %w", err)
	}

	return nil
}

// Update fetches the remote and fast-forwards the checked out branch to
// it. A repository without a remote is left untouched.
func (g *Git) Update(ctx context.Context) error {
	hasRemote, err := g.hasRemote(ctx, DefaultRemote)
	if err != nil {
		return err
	}

	if !hasRemote {
		g.log.Debug("No remote configured, skipping update")

		return nil
	}

	g.log.Info("Updating repository")

	if _, err := g.Exec(ctx, "fetch", "--tags", DefaultRemote); err != nil {
		return fmt.Errorf("fetching %s: %w", DefaultRemote, err)
	}

	branch, err := g.currentBranch(ctx)
	if err != nil {
		return err
	}

	if _, err := g.Exec(ctx, "merge", "--ff-only", DefaultRemote+"/"+branch); err != nil {
		return fmt.Errorf("fast-forwarding %s: %w", branch, err)
	}

	return nil
}

func (g *Git) hasRemote(ctx context.Context, name string) (bool, error) {
	out, err := g.output(ctx, "remote")
	if err != nil {
		return false, fmt.Errorf("listing remotes: %w", err)
	}

	for _, remote := range strings.Fields(string(out)) {
		if remote == name {
			return true, nil
		}
	}

	return false, nil
}

func (g *Git) currentBranch(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

// Stage adds paths to the index. Absolute paths must be inside the
// working tree.
func (g *Git) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	args := append([]string{"add", "--"}, paths...)
	if _, err := g.Exec(ctx, args...); err != nil {
		return fmt.Errorf("staging files: %w", err)
	}

	return nil
}

// Commit records the staged changes. It returns ErrNothingToCommit when
// the index matches HEAD.
func (g *Git) Commit(ctx context.Context, message string) error {
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	cmd.Dir = g.root

	err := cmd.Run()
	if err == nil {
		return ErrNothingToCommit
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return fmt.Errorf("checking staged changes: %w", err)
	}

	if _, err := g.Exec(ctx, "commit", "--quiet", "-m", message); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	g.log.WithField("message", message).Info("Committed changes")

	return nil
}

// ResolveRevision returns the full commit id of rev. HEAD is used when rev
// is empty.
func (g *Git) ResolveRevision(ctx context.Context, rev string) (string, error) {
	if rev == "" {
		rev = "HEAD"
	}

	out, err := g.output(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", rev, ErrRefNotFound)
	}

	return strings.TrimSpace(string(out)), nil
}

// RefExists reports whether ref resolves to an object.
func (g *Git) RefExists(ctx context.Context, ref string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = g.root

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}

	return false, fmt.Errorf("checking ref %s: %w", ref, err)
}

// ListTree returns every blob below rev, recursively.
func (g *Git) ListTree(ctx context.Context, rev string) ([]TreeEntry, error) {
	out, err := g.output(ctx, "ls-tree", "-r", "-z", "--full-tree", rev)
	if err != nil {
		return nil, fmt.Errorf("listing tree %s: %w", rev, err)
	}

	var entries []TreeEntry

	for _, record := range strings.Split(string(out), "\x00") {
		if record == "" {
			continue
		}

		meta, path, ok := strings.Cut(record, "\t")
		if !ok {
			return nil, fmt.Errorf("unexpected ls-tree output %q", record)
		}

		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected ls-tree output %q", record)
		}

		entries = append(entries, TreeEntry{
			Mode: fields[0],
			Type: fields[1],
			Hash: fields[2],
			Path: path,
		})
	}

	return entries, nil
}

// ReadBlob returns the content of the blob with hash.
func (g *Git) ReadBlob(ctx context.Context, hash string) ([]byte, error) {
	out, err := g.output(ctx, "cat-file", "blob", hash)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}

	return out, nil
}

// ReadBlobs returns the content of many blobs from a single git process.
func (g *Git) ReadBlobs(ctx context.Context, hashes []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	var stdin, stderr bytes.Buffer
	for _, hash := range hashes {
		stdin.WriteString(hash)
		stdin.WriteByte('\n')
	}

	cmd := exec.CommandContext(ctx, "git", "cat-file", "--batch")
	cmd.Dir = g.root
	cmd.Stdin = &stdin
	cmd.Stderr = &stderr

	raw, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("git cat-file: %w", ctxErr)
		}

		return nil, fmt.Errorf("git cat-file --batch failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	for _, hash := range hashes {
		header, rest, ok := bytes.Cut(raw, []byte("\n"))
		if !ok {
			return nil, fmt.Errorf("truncated cat-file output at %s", hash)
		}

		var (
			name, kind string
			size       int
		)

		if _, err := fmt.Sscanf(string(header), "%s %s %d", &name, &kind, &size); err != nil {
			return nil, fmt.Errorf("reading blob %s: %s: %w", hash, header, ErrRefNotFound)
		}

		if len(rest) < size+1 {
			return nil, fmt.Errorf("truncated cat-file output at %s", hash)
		}

		out[hash] = rest[:size]
		raw = rest[size+1:]
	}

	return out, nil
}
