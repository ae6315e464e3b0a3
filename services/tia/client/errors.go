// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import "errors"

var (
	// ErrUnavailable indicates the server could not be reached. The client
	// is broken from then on.
	ErrUnavailable = errors.New("impact server unavailable")

	// ErrServer indicates the server answered with an error status.
	ErrServer = errors.New("impact server error")

	// ErrInvalidOptions indicates a malformed agent options string.
	ErrInvalidOptions = errors.New("invalid agent options")

	// ErrIncompatible indicates the server speaks another major protocol
	// version.
	ErrIncompatible = errors.New("incompatible impact server")

	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")
)
