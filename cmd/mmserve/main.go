// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// mmserve runs the multimodal model resource manager as a local HTTP
// service: hardware profiling, a merged model catalog across providers,
// admission-controlled model loading, and modality-routed processing.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagAddr     string
	flagLogDir   string
	flagLogLevel string
	flagJSONLogs bool
	flagTracing  bool
)

var rootCmd = &cobra.Command{
	Use:   "mmserve",
	Short: "Unified multimodal model resource manager",
	Long: `mmserve profiles the host hardware, merges model catalogs across
backends, and serves admission-controlled multimodal processing over a
small HTTP surface.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to multimodal.yaml (defaults apply when empty)")
	serveCmd.Flags().StringVar(&flagAddr, "addr", ":12300", "listen address")
	serveCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for JSON log files (stderr only when empty)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&flagJSONLogs, "json-logs", false, "JSON log output on stderr")
	serveCmd.Flags().BoolVar(&flagTracing, "tracing", false, "emit OpenTelemetry spans to stdout")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("mmserve: %v", err)
	}
}
