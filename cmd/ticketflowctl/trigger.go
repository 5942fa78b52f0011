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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newTriggerCommand(addr, secretKey *string) *cobra.Command {
	var (
		externalItemID string
		title          string
		description    string
		repositoryURL  string
		priority       int
		dryRun         bool
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manually trigger a workflow run for a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if externalItemID == "" || repositoryURL == "" {
				return fmt.Errorf("--item and --repo are required")
			}
			body := map[string]any{
				"external_item_id": externalItemID,
				"title":            title,
				"description":      description,
				"repository_url":   repositoryURL,
				"priority":         priority,
				"dry_run":          dryRun,
			}
			out, _, err := doRequest("POST", *addr+"/workflow/run", *secretKey, body)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVar(&externalItemID, "item", "", "external tracker item ID")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&repositoryURL, "repo", "", "repository URL")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the node graph without creating a task")
	return cmd
}

func newStatusCommand(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Query a task's current run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _, err := doRequest("GET", *addr+"/workflow/status/"+args[0], "", nil)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	return cmd
}

func newCancelCommand(addr, secretKey *string) *cobra.Command {
	var actorID string

	cmd := &cobra.Command{
		Use:   "cancel <validation_id>",
		Short: "Force-abandon a run suspended on human validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _, err := doRequest("POST", *addr+"/admin/validations/"+args[0]+"/cancel", *secretKey,
				map[string]any{"actor_id": actorID})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "admin", "actor ID recorded as having cancelled the validation")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
