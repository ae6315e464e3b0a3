// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// NotesAuthor is the identity used for notes commits, so that writing
// impact data never depends on the user's git identity being configured.
const (
	NotesAuthorName  = "tia"
	NotesAuthorEmail = "tia@localhost"
)

// FindRoot walks upward from dir looking for a ".git" entry.
//
// # Description
//
// Both a .git directory and a .git file (worktrees, submodules) mark a
// repository root. The walk stops at the filesystem root.
//
// # Inputs
//
//   - dir: Starting directory. Relative paths are made absolute.
//
// # Outputs
//
//   - string: Absolute path of the repository root.
//   - error: ErrNotRepository if no ancestor has a .git entry.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	for current := abs; ; {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, abs)
		}
		current = parent
	}
}

// Repo runs git plumbing commands against one repository.
//
// # Thread Safety
//
// Repo is safe for concurrent use; every call spawns its own git process.
// Callers that need read-modify-write atomicity use UpdateRef's
// compare-and-swap.
type Repo struct {
	root   string
	gitDir string
}

// Open binds a Repo to the repository containing root.
//
// # Outputs
//
//   - *Repo: The repository handle.
//   - error: ErrNotRepository if git does not recognise root.
func Open(ctx context.Context, root string) (*Repo, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	r := &Repo{root: root}
	out, err := r.run(ctx, nil, nil, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRepository, root, err)
	}
	r.gitDir = strings.TrimSpace(out)
	return r, nil
}

// Root returns the working tree root.
func (r *Repo) Root() string {
	return r.root
}

// GitDir returns the absolute .git directory.
func (r *Repo) GitDir() string {
	return r.gitDir
}

// Head returns the commit id HEAD points to.
//
// # Outputs
//
//   - string: Full commit id.
//   - error: ErrNoCommits on an unborn branch.
func (r *Repo) Head(ctx context.Context) (string, error) {
	id, ok, err := r.ResolveRef(ctx, "HEAD")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoCommits
	}
	return id, nil
}

// Ancestors lists rev and its ancestors, bounded by max (0 means
// unbounded). Every commit is listed before all of its ancestors,
// whatever the commit dates say.
func (r *Repo) Ancestors(ctx context.Context, rev string, max int) ([]string, error) {
	args := []string{"rev-list", "--topo-order"}
	if max > 0 {
		args = append(args, "--max-count="+strconv.Itoa(max))
	}
	args = append(args, rev, "--")
	out, err := r.run(ctx, nil, nil, args...)
	if err != nil {
		return nil, err
	}
	return fields(out), nil
}

// ResolveRef resolves a ref to an object id.
//
// # Outputs
//
//   - string: The object id, empty when the ref does not exist.
//   - bool: True if the ref exists.
//   - error: Non-nil on git failures other than a missing ref.
func (r *Repo) ResolveRef(ctx context.Context, ref string) (string, bool, error) {
	out, err := r.run(ctx, nil, nil, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(out), true, nil
}

// ListRefs returns the full names of refs under prefix, sorted.
func (r *Repo) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	out, err := r.run(ctx, nil, nil, "for-each-ref", "--format=%(refname)", prefix)
	if err != nil {
		return nil, err
	}
	return fields(out), nil
}

// UpdateRef moves ref to newID only if it currently points at oldID.
//
// # Description
//
// An empty oldID requires that ref does not exist yet. This is the only
// publication point for impact data: a concurrent writer that moved the ref
// makes the update fail with ErrRefMoved.
func (r *Repo) UpdateRef(ctx context.Context, ref, newID, oldID string) error {
	_, err := r.run(ctx, nil, nil, "update-ref", "-m", "tia", ref, newID, oldID)
	if err != nil {
		if lostRace(err) {
			return fmt.Errorf("%w: %s: %v", ErrRefMoved, ref, err)
		}
		return err
	}
	return nil
}

// DeleteRef removes ref. A non-empty oldID makes the deletion conditional.
func (r *Repo) DeleteRef(ctx context.Context, ref, oldID string) error {
	args := []string{"update-ref", "-d", ref}
	if oldID != "" {
		args = append(args, oldID)
	}
	if _, err := r.run(ctx, nil, nil, args...); err != nil {
		if oldID != "" && lostRace(err) {
			return fmt.Errorf("%w: %s: %v", ErrRefMoved, ref, err)
		}
		return err
	}
	return nil
}

// raceMarkers are update-ref failures caused by another writer: the ref
// no longer holds the expected value, or its lock file is held.
var raceMarkers = []string{
	"but expected",
	"reference already exists",
	".lock': File exists",
}

func lostRace(err error) bool {
	var ce *commandError
	if !errors.As(err, &ce) {
		return false
	}
	for _, m := range raceMarkers {
		if strings.Contains(ce.stderr, m) {
			return true
		}
	}
	return false
}

// HashObject writes data as a blob and returns its id.
func (r *Repo) HashObject(ctx context.Context, data []byte) (string, error) {
	out, err := r.run(ctx, bytes.NewReader(data), nil, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ReadBlob returns the content of a blob.
func (r *Repo) ReadBlob(ctx context.Context, id string) ([]byte, error) {
	var stdout bytes.Buffer
	if _, err := r.runTo(ctx, nil, nil, &stdout, "cat-file", "blob", id); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// NotesList maps annotated commit id to note blob id for a notes ref. A
// missing ref yields an empty map.
func (r *Repo) NotesList(ctx context.Context, notesRef string) (map[string]string, error) {
	if _, ok, err := r.ResolveRef(ctx, notesRef); err != nil {
		return nil, err
	} else if !ok {
		return map[string]string{}, nil
	}

	out, err := r.run(ctx, nil, nil, "notes", "--ref="+notesRef, "list")
	if err != nil {
		return nil, err
	}

	notes := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) != 2 {
			continue
		}
		notes[parts[1]] = parts[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parsing notes list: %w", err)
	}
	return notes, nil
}

// NotesAdd attaches blob as the note of commit under notesRef, replacing
// any existing note on that commit.
//
// # Description
//
// The blob is attached verbatim (-C), so the payload is not subjected to
// commit-message cleanup. The notes commit uses the NotesAuthor identity.
func (r *Repo) NotesAdd(ctx context.Context, notesRef, commit, blob string) error {
	env := []string{
		"GIT_AUTHOR_NAME=" + NotesAuthorName,
		"GIT_AUTHOR_EMAIL=" + NotesAuthorEmail,
		"GIT_COMMITTER_NAME=" + NotesAuthorName,
		"GIT_COMMITTER_EMAIL=" + NotesAuthorEmail,
	}
	_, err := r.run(ctx, nil, env, "notes", "--ref="+notesRef, "add", "-f", "-C", blob, commit)
	return err
}

// run executes git and returns stdout.
func (r *Repo) run(ctx context.Context, stdin io.Reader, env []string, args ...string) (string, error) {
	var stdout bytes.Buffer
	if _, err := r.runTo(ctx, stdin, env, &stdout, args...); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

func (r *Repo) runTo(ctx context.Context, stdin io.Reader, env []string, stdout io.Writer, args ...string) (int, error) {
	if ctx == nil {
		return -1, ErrNilContext
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), &commandError{args: args, stderr: strings.TrimSpace(stderr.String()), err: exitErr}
		}
		return -1, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return 0, nil
}

// commandError carries the failed command and its stderr while keeping the
// *exec.ExitError reachable through errors.As.
type commandError struct {
	args   []string
	stderr string
	err    *exec.ExitError
}

func (e *commandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.args, " "), e.err, e.stderr)
}

func (e *commandError) Unwrap() error {
	return e.err
}

func fields(out string) []string {
	f := strings.Fields(out)
	if f == nil {
		return []string{}
	}
	return f
}
