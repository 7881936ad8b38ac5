// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aegis runs the self-adaptive traffic signal controller.
//
// The controller connects to a traffic microsimulator, watches the
// road network for congestion, and continuously adapts signal timing
// plans: monitoring, analysis, planning, and execution over a shared
// knowledge base.
//
// Usage:
//
//	aegis run --config controller.yaml
//	aegis validate --config controller.yaml
//
// While running, the controller serves its status API and Prometheus
// metrics on the configured address:
//
//	curl http://localhost:9090/health
//	curl http://localhost:9090/api/v1/status | jq
//	curl http://localhost:9090/api/v1/decisions?limit=20 | jq
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
