// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "errors"

var (
	// ErrConflict indicates another writer published to the project's notes
	// ref between our read and our compare-and-swap. Not retried.
	ErrConflict = errors.New("impact store conflict: notes ref moved concurrently")

	// ErrInvalidProject indicates an empty project id.
	ErrInvalidProject = errors.New("project must not be empty")

	// ErrInvalidDigest indicates a digest that is not 32 hex chars.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrUnsupportedVersion indicates a note payload written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported note payload version")

	// ErrNilRecord indicates Store was called without a record.
	ErrNilRecord = errors.New("record must not be nil")
)
