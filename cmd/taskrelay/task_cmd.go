package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/inspect"
	"github.com/mattjoyce/taskrelay/internal/selectionlog"
	"github.com/mattjoyce/taskrelay/internal/storage"
	"github.com/mattjoyce/taskrelay/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect delegate tasks",
	}
	cmd.AddCommand(newTaskInspectCmd())
	return cmd
}

func newTaskInspectCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <tenant> <task-id>",
		Short: "Show a task's assignment, eligibility results and selection log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			db, err := storage.OpenSQLite(ctx, cfg.State.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			backend, err := openTaskBackend(ctx, cfg.State, db)
			if err != nil {
				return err
			}
			tasks := task.NewStore(backend)
			defer tasks.Close()

			src := inspect.Sources{
				Tasks:   tasks,
				Logs:    selectionlog.NewSQLiteSink(db),
				Results: eligibility.NewSQLiteSource(db),
			}
			var out string
			if jsonOut {
				out, err = inspect.BuildJSONReport(ctx, src, args[0], args[1])
			} else {
				out, err = inspect.BuildReport(ctx, src, args[0], args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
