// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package git wraps the git plumbing used to persist impact data.
//
// # Description
//
// Impact records live in git notes, one notes ref per project. This package
// provides repository root discovery, the plumbing needed to read and write
// notes (hash-object, cat-file, notes list/add), compare-and-swap ref
// updates, and a watcher that reports HEAD moves.
//
// # Thread Safety
//
// Repo and HeadWatcher are safe for concurrent use.
package git

import "errors"

var (
	// ErrNotRepository indicates no git repository was found.
	ErrNotRepository = errors.New("not a git repository")

	// ErrNoCommits indicates HEAD does not point at a commit yet.
	ErrNoCommits = errors.New("repository has no commits")

	// ErrRefMoved indicates a compare-and-swap ref update lost a race.
	ErrRefMoved = errors.New("ref changed concurrently")

	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("ctx must not be nil")
)
