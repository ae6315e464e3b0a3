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

import (
	"strings"
	"testing"

	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
)

func TestDigestBindingValidation(t *testing.T) {
	registerValidators()
	registerValidators()

	ok := DisabledTestsRequest{Project: "A", Digest: string(digestX)}
	assert.NoError(t, binding.Validator.ValidateStruct(&ok))

	ok.Digest = strings.ToLower(string(digestX))
	assert.NoError(t, binding.Validator.ValidateStruct(&ok))

	for _, bad := range []string{"", "nope", string(digestX) + "0", strings.Repeat("G", 32)} {
		req := WriteReportRequest{Project: "A", Digest: bad}
		assert.Error(t, binding.Validator.ValidateStruct(&req), bad)
	}
}
