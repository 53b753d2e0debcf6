// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"errors"
	"fmt"
)

// ErrPersistenceFailed marks a turn whose records could not be durably
// written. A turn that cannot be recorded must not report success to the
// caller, so this is a hard stop.
var ErrPersistenceFailed = errors.New("turn persistence failed")

// IsPersistenceFailed reports whether err stems from a failed record write.
func IsPersistenceFailed(err error) bool {
	return errors.Is(err, ErrPersistenceFailed)
}

// ValidationError wraps a rejected turn request.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid turn request: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
