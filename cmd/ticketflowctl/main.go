// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ticketflowctl is the admin CLI for a running ticketflowd: it
// submits manual trigger requests, queries task status, and cancels a
// validation suspended on human_validation, all against the daemon's HTTP
// surface (§6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var addr string
	var secretKey string

	root := &cobra.Command{
		Use:           "ticketflowctl",
		Short:         "Admin CLI for ticketflowd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("TICKETFLOWD_ADDR", "http://localhost:8080"), "ticketflowd HTTP address")
	root.PersistentFlags().StringVar(&secretKey, "secret-key", os.Getenv("SECRET_KEY"), "secret used to sign the admin bearer token (env: SECRET_KEY)")

	root.AddCommand(
		newVersionCommand(),
		newTriggerCommand(&addr, &secretKey),
		newStatusCommand(&addr),
		newCancelCommand(&addr, &secretKey),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("ticketflowctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
