// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import "errors"

// Sentinel errors for the impact server.
var (
	// ErrEmptyTest indicates a report without a test identifier.
	ErrEmptyTest = errors.New("test must not be empty")

	// ErrClosed indicates the server has been closed.
	ErrClosed = errors.New("impact server closed")

	// ErrStoreFailed wraps store failures other than conflicts.
	ErrStoreFailed = errors.New("impact store failed")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("impact server already started")
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeStoreConflict  = "STORE_CONFLICT"
	CodeStoreFailed    = "STORE_FAILED"
	CodeInternal       = "INTERNAL"
)
