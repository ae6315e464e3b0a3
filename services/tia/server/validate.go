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
	"sync"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// digestTag validates a dependency digest field in request bodies.
const digestTag = "tiadigest"

var registerOnce sync.Once

// registerValidators installs the custom binding validations on gin's
// shared validator engine.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation(digestTag, validateDigest)
	})
}

// validateDigest accepts 32 hex characters in either case.
func validateDigest(fl validator.FieldLevel) bool {
	return digest.Valid(fl.Field().String())
}
