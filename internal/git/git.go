// Package git drives the git toolchain as a subprocess to keep a working
// tree synchronized with its remote. It never implements wire protocols
// itself; every operation is a git invocation with prompting disabled.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrConflict marks a rebase that failed because local and remote history
// diverged on the same content. Callers branch on it with errors.Is.
var ErrConflict = errors.New("rebase conflict")

// autostashMessage identifies stash entries created around a rebase so the
// matching entry can be restored even if other stashes exist.
const autostashMessage = "vaultsyncd-autostash"

// staleLockAge is how old .git/index.lock must be before it is considered
// an artifact of a crashed invocation rather than a live concurrent git.
const staleLockAge = 10 * time.Minute

// Client provides the git operations the sync engine needs
type Client interface {
	// EnsureRepo clones into an empty workdir or adopts an existing checkout,
	// correcting the remote URL and ensuring the configured branch is current
	EnsureRepo(ctx context.Context, url string) error
	// ClearStaleLock removes a leftover index.lock from a crashed invocation
	ClearStaleLock() error
	// StageAll stages every change in the working tree except excluded paths
	StageAll(ctx context.Context) error
	// ChangedFiles lists the paths reported changed by the working tree
	ChangedFiles(ctx context.Context) ([]string, error)
	// Commit records staged changes with the configured identity
	Commit(ctx context.Context, message string) error
	// PullRebase fetches and replays local commits onto the remote tip,
	// stashing and restoring uncommitted state around the rebase.
	// Returns an error wrapping ErrConflict when the rebase conflicts.
	PullRebase(ctx context.Context) error
	// Push publishes the local branch to the configured remote
	Push(ctx context.Context) error
}

// Options configures a ShellClient
type Options struct {
	Executable     string
	Workdir        string
	Remote         string
	Branch         string
	AuthorName     string
	AuthorEmail    string
	SSHKeyFile     string
	HTTPSTokenFile string
	// ExcludeGlobs are staging exclusions, matched git-style via pathspec
	// magic. They mirror the watcher's ignore patterns.
	ExcludeGlobs []string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	opts   Options
	logger *slog.Logger
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(opts Options, logger *slog.Logger) *ShellClient {
	if opts.Executable == "" {
		opts.Executable = "git"
	}
	return &ShellClient{opts: opts, logger: logger}
}

// CommandError reports a git invocation that exited non-zero
type CommandError struct {
	Args   []string
	Code   int
	Stdout string
	Stderr string
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("git %s failed with code %d: %s", strings.Join(e.Args, " "), e.Code, detail)
}

// EnsureRepo clones or adopts the working directory.
// A directory that is neither empty nor a checkout is a fatal setup error.
func (c *ShellClient) EnsureRepo(ctx context.Context, url string) error {
	gitDir := filepath.Join(c.opts.Workdir, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		c.logger.Debug("repository already present, refreshing configuration", "path", c.opts.Workdir)
		if err := c.ensureRemote(ctx, url); err != nil {
			return err
		}
		if _, err := c.run(ctx, "fetch", c.opts.Remote); err != nil {
			return fmt.Errorf("git fetch failed: %w", err)
		}
		return c.checkoutBranch(ctx)
	}

	if entries, err := os.ReadDir(c.opts.Workdir); err == nil && len(entries) > 0 {
		return fmt.Errorf("workdir %s is not empty and does not contain a git repository", c.opts.Workdir)
	} else if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to inspect workdir %s: %w", c.opts.Workdir, err)
	}

	if err := os.MkdirAll(c.opts.Workdir, 0755); err != nil {
		return fmt.Errorf("failed to create workdir %s: %w", c.opts.Workdir, err)
	}

	c.logger.Info("cloning repository", "url", url, "path", c.opts.Workdir)
	if _, err := c.run(ctx, "clone", "--branch", c.opts.Branch, url, "."); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return c.checkoutBranch(ctx)
}

// ensureRemote adds the remote or corrects its URL when it drifted from the
// configuration.
func (c *ShellClient) ensureRemote(ctx context.Context, url string) error {
	out, err := c.run(ctx, "remote", "get-url", c.opts.Remote)
	if err != nil {
		c.logger.Debug("adding missing remote", "remote", c.opts.Remote, "url", url)
		if _, err := c.run(ctx, "remote", "add", c.opts.Remote, url); err != nil {
			return fmt.Errorf("failed to add remote: %w", err)
		}
		return nil
	}

	if current := strings.TrimSpace(out.stdout); current != url {
		c.logger.Info("correcting remote URL", "remote", c.opts.Remote, "old", current, "new", url)
		if _, err := c.run(ctx, "remote", "set-url", c.opts.Remote, url); err != nil {
			return fmt.Errorf("failed to update remote URL: %w", err)
		}
	}
	return nil
}

// checkoutBranch makes the configured branch current, creating a tracking
// branch from the remote when it does not exist locally yet.
func (c *ShellClient) checkoutBranch(ctx context.Context) error {
	if out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		if strings.TrimSpace(out.stdout) == c.opts.Branch {
			return nil
		}
	}

	if _, err := c.run(ctx, "checkout", c.opts.Branch); err != nil {
		c.logger.Debug("branch checkout failed, attempting to create tracking branch", "error", err)
		remoteRef := c.opts.Remote + "/" + c.opts.Branch
		if _, err := c.run(ctx, "checkout", "-b", c.opts.Branch, remoteRef); err != nil {
			return fmt.Errorf("failed to create tracking branch %s: %w", c.opts.Branch, err)
		}
	}
	return nil
}

// ClearStaleLock removes .git/index.lock when it is old enough to be an
// artifact of a crashed git invocation. A fresh lock is left alone since it
// may belong to a git the user is running by hand.
func (c *ShellClient) ClearStaleLock() error {
	lockPath := filepath.Join(c.opts.Workdir, ".git", "index.lock")
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect %s: %w", lockPath, err)
	}

	age := time.Since(info.ModTime())
	if age < staleLockAge {
		c.logger.Warn("index.lock present but recent, leaving it alone", "age", age)
		return nil
	}

	c.logger.Warn("removing stale index.lock from a previous crashed invocation", "age", age)
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock %s: %w", lockPath, err)
	}
	return nil
}

// StageAll stages all working tree changes, excluding the configured globs.
// Each exclusion is applied both as written and rooted under "**/" so a bare
// "*.tmp" excludes matches at any depth, matching the watcher's semantics.
func (c *ShellClient) StageAll(ctx context.Context) error {
	args := []string{"add", "-A", "--", "."}
	for _, g := range c.opts.ExcludeGlobs {
		args = append(args, ":(exclude,glob)"+g)
		if !strings.HasPrefix(g, "**/") && !strings.HasPrefix(g, "/") {
			args = append(args, ":(exclude,glob)**/"+g)
		}
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// ChangedFiles parses `git status --short` into repository-relative paths.
// Renames report the new name.
func (c *ShellClient) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status", "--short")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var files []string
	for _, line := range strings.Split(out.stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		payload := line
		if len(line) > 3 {
			payload = line[3:]
		}
		if pos := strings.LastIndex(payload, " -> "); pos >= 0 {
			payload = payload[pos+4:]
		}
		files = append(files, strings.Trim(strings.TrimSpace(payload), `"`))
	}
	return files, nil
}

// Commit records the staged changes. The configured author identity is passed
// through the environment so no local git config is required.
func (c *ShellClient) Commit(ctx context.Context, message string) error {
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// PullRebase replays local commits onto the remote tip. Uncommitted local
// state is stashed before the rebase and restored afterwards, whether the
// rebase succeeded or not; a conflicting rebase is aborted so the tree is
// back in its pre-rebase state before the error is returned.
func (c *ShellClient) PullRebase(ctx context.Context) error {
	stashRef, err := c.ensureAutostash(ctx)
	if err != nil {
		return err
	}

	_, pullErr := c.run(ctx, "pull", "--rebase", c.opts.Remote, c.opts.Branch)
	if pullErr != nil {
		c.logger.Warn("git pull --rebase failed, aborting rebase", "error", pullErr)
		if _, abortErr := c.run(ctx, "rebase", "--abort"); abortErr != nil {
			c.logger.Debug("rebase --abort reported an error (no rebase in progress is fine)", "error", abortErr)
		}
		c.popStash(ctx, stashRef)

		if isConflict(pullErr) {
			return fmt.Errorf("%w: %v", ErrConflict, pullErr)
		}
		return pullErr
	}

	c.popStash(ctx, stashRef)
	return nil
}

// Push publishes the local branch
func (c *ShellClient) Push(ctx context.Context) error {
	if _, err := c.run(ctx, "push", c.opts.Remote, c.opts.Branch); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// ensureAutostash stashes uncommitted state when the tree is dirty and
// returns the stash reference to restore, or "" when nothing was stashed.
func (c *ShellClient) ensureAutostash(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(out.stdout) == "" {
		return "", nil
	}

	if _, err := c.run(ctx, "stash", "push", "--include-untracked", "--message", autostashMessage); err != nil {
		return "", fmt.Errorf("failed to stash local changes before rebase: %w", err)
	}

	list, err := c.run(ctx, "stash", "list", "--format=%gd:%gs")
	if err != nil {
		return "", fmt.Errorf("failed to inspect stash after push: %w", err)
	}
	for _, line := range strings.Split(list.stdout, "\n") {
		ref, message, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(message) == autostashMessage {
			return strings.TrimSpace(ref), nil
		}
	}

	// Assume the newest stash is ours.
	return "stash@{0}", nil
}

// popStash restores a stash created by ensureAutostash. Failure to restore is
// logged rather than returned: the stash entry survives for manual recovery.
func (c *ShellClient) popStash(ctx context.Context, stashRef string) {
	if stashRef == "" {
		return
	}
	if _, err := c.run(ctx, "stash", "pop", stashRef); err != nil {
		c.logger.Warn("failed to restore stash after rebase", "stash", stashRef, "error", err)
	}
}

// isConflict reports whether a git failure was caused by conflicting changes
// rather than a transient transport or toolchain error.
func isConflict(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	text := strings.ToLower(cmdErr.Stdout + "\n" + cmdErr.Stderr)
	for _, marker := range []string{"conflict", "could not apply", "needs merge", "unmerged"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

type commandOutput struct {
	stdout string
	stderr string
}

// run executes a git command in the workdir with interactive prompting
// disabled. The configured identity is exported on every invocation since
// rebase replays create commits just like commit does.
func (c *ShellClient) run(ctx context.Context, args ...string) (commandOutput, error) {
	fullArgs := append([]string{"-c", "core.quotepath=false"}, args...)
	cmd := exec.CommandContext(ctx, c.opts.Executable, fullArgs...)
	cmd.Dir = c.opts.Workdir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
		"LANG=C",
	)

	if c.opts.AuthorName != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_NAME="+c.opts.AuthorName,
			"GIT_COMMITTER_NAME="+c.opts.AuthorName,
		)
	}
	if c.opts.AuthorEmail != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_EMAIL="+c.opts.AuthorEmail,
			"GIT_COMMITTER_EMAIL="+c.opts.AuthorEmail,
		)
	}

	if err := c.configureAuth(cmd); err != nil {
		return commandOutput{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running git command", "args", args)
	err := cmd.Run()
	out := commandOutput{stdout: stdout.String(), stderr: stderr.String()}

	if msg := strings.TrimSpace(out.stderr); msg != "" {
		c.logger.Debug("git stderr", "args", args, "stderr", msg)
	}

	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return out, fmt.Errorf("failed to execute git %s: %w", strings.Join(args, " "), err)
		}
		return out, &CommandError{Args: args, Code: code, Stdout: out.stdout, Stderr: out.stderr}
	}
	return out, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd) error {
	// SSH authentication
	if c.opts.SSHKeyFile != "" {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -o BatchMode=yes -F /dev/null", shellQuote(c.opts.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.opts.HTTPSTokenFile != "" {
		token, err := os.ReadFile(c.opts.HTTPSTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "VAULTSYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$VAULTSYNCD_GIT_TOKEN"; }; f`,
		)
		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "pull", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
