package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orbitloop/orbitloop/pkg/prompt"
	"github.com/orbitloop/orbitloop/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		db     string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "Show recorded executions",
		Long: `Show the execution history. Without arguments the most recent
executions are listed; with an execution ID its operations, verification
steps and notifications are shown.`,
		Example: `  # Recent executions
  orbit history

  # One execution in detail
  orbit history 1f0c3a52-8c1e-4a8e-9a8e-6f4e1d2b7c11

  # Machine-readable output
  orbit history --json --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := zerolog.Nop()
			store, err := stores.Open(ctx, stores.Config{Path: db, Logger: &logger})
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				execs, err := store.ListExecutions(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, execs)
				}
				printExecutions(out, execs)
				return nil
			}

			id := args[0]
			exec, err := store.GetExecution(ctx, id)
			if err != nil {
				return err
			}
			ops, err := store.ListOperations(ctx, id)
			if err != nil {
				return err
			}
			steps, err := store.ListSteps(ctx, id)
			if err != nil {
				return err
			}
			notes, err := store.ListNotifications(ctx, &id, nil, -1, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, map[string]any{
					"execution":     exec,
					"operations":    ops,
					"steps":         steps,
					"notifications": notes,
				})
			}
			printExecution(out, exec, ops, steps, notes)
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", DefaultDatabase, "execution history database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many executions")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(prompt.Styles.Muted).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return prompt.Styles.Title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func printExecutions(w io.Writer, execs []*stores.Execution) {
	if len(execs) == 0 {
		fmt.Fprintln(w, "No executions recorded")
		return
	}
	t := newTable("ID", "PROCEDURE", "STATUS", "STARTED", "DURATION")
	for _, e := range execs {
		t.Row(e.ID, e.Procedure, string(e.Status), e.StartedAt.Local().Format(time.DateTime), executionDuration(e))
	}
	fmt.Fprintln(w, t.Render())
}

func printExecution(w io.Writer, e *stores.Execution, ops []*stores.Operation, steps []*stores.VerificationStep, notes []*stores.Notification) {
	fmt.Fprintln(w, prompt.Styles.Title.Render("Execution "+e.ID))
	fmt.Fprintf(w, "Procedure: %s\nStatus:    %s\nStarted:   %s\nDuration:  %s\n",
		e.Procedure, e.Status, e.StartedAt.Local().Format(time.DateTime), executionDuration(e))
	if e.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", *e.Error)
	}

	if len(ops) > 0 {
		t := newTable("OPERATION", "KIND", "STATUS", "ACTION", "ATTEMPTS", "ERROR")
		for _, op := range ops {
			t.Row(op.Name, op.Kind, string(op.Status), op.Action, strconv.Itoa(op.Attempts), deref(op.Error))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, t.Render())
	}

	if len(steps) > 0 {
		t := newTable("PARAMETER", "CONDITION", "VALUE", "RESULT", "FETCHES", "REASON")
		for _, s := range steps {
			t.Row(s.Parameter, s.Symbol+" "+s.Expected, s.Value, s.Annotation, strconv.Itoa(s.Fetches), s.Reason)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, t.Render())
	}

	if len(notes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%d notification(s)\n", len(notes))
		if verbose {
			t := newTable("TIME", "KIND", "NAME", "STATUS", "VALUE")
			for _, n := range notes {
				t.Row(n.Timestamp.Local().Format("15:04:05.000"), n.Kind, n.Name, n.Status, n.Value)
			}
			fmt.Fprintln(w, t.Render())
		}
	}
}

func executionDuration(e *stores.Execution) string {
	if e.CompletedAt == nil {
		return "-"
	}
	return e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
