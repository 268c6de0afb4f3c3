package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/seastack/bosun/pkg/desired"
	"github.com/seastack/bosun/pkg/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a desired deployment table",
	Long: `Parse a deployment table file and print the jobs it declares.

Examples:
  bosun validate -f deploy.yaml`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringP("file", "f", "", "Deployment table file (required)")
	_ = validateCmd.MarkFlagRequired("file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	tasks, err := desired.ParseTasks(data)
	if err != nil {
		return fmt.Errorf("invalid deployment table: %w", err)
	}

	ids := make([]string, 0, len(tasks))
	byID := make(map[string]types.Task, len(tasks))
	for id, task := range tasks {
		ids = append(ids, id.String())
		byID[id.String()] = task
	}
	sort.Strings(ids)

	fmt.Printf("%d job(s):\n", len(tasks))
	for _, id := range ids {
		task := byID[id]
		fmt.Printf("  %-50s %-8s %s\n", id, task.Goal, task.Job.Image)
	}
	return nil
}
