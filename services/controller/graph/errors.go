// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "fmt"

// ValidationError is returned when a snapshot batch or network
// description is malformed. A ValidationError means no graph state was
// mutated.
type ValidationError struct {
	// Field names the offending attribute (e.g. "queue", "edge_id").
	Field string

	// Reason is a human-readable description of the failure.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation failed on %s: %s", e.Field, e.Reason)
}
