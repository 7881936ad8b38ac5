// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aegislights/services/controller/config"
)

var (
	configPath string
	logDir     string
	jsonLogs   bool

	rootCmd = &cobra.Command{
		Use:   "aegis",
		Short: "Self-adaptive traffic signal controller",
		Long: `Aegis adapts traffic signal timing plans in a closed loop against
a traffic microsimulator: it detects congestion hotspots, selects
timing plans with a contextual bandit, validates them against hard
safety rules, and rolls back adaptations that degrade the network.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller against the configured simulator",
		RunE:  runController, // Defined in run.go
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d edges, %d signalized intersections)\n",
				configPath, len(cfg.Network.Edges), len(cfg.Network.Signalized))
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "controller.yaml",
		"Path to the YAML configuration file")

	runCmd.Flags().StringVar(&logDir, "log-dir", "",
		"Directory for JSON log files (empty disables file logging)")
	runCmd.Flags().BoolVar(&jsonLogs, "json-logs", false,
		"Emit JSON instead of text on stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
