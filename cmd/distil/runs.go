package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/distil/internal/types"
)

var (
	runsLimit   int
	deleteForce bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded distillation runs",
	Long:  "List, inspect, and delete runs recorded in the run store without starting the server.",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsInfoCmd = &cobra.Command{
	Use:   "info <run-id>",
	Short: "Show a run and its evaluation history",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsInfo,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run and its evaluations",
	Long:  "Delete a run's history. Checkpoint files are left in place. Running runs require --force.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to show (0 = all)")
	runsDeleteCmd.Flags().BoolVar(&deleteForce, "force", false,
		"Skip confirmation prompt and allow deleting running runs")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsInfoCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"runs":  runs,
			"total": len(runs),
		})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tPRESET\tSTATUS\tSTEPS\tBEST\tSTARTED\tCORPUS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID,
			r.Preset,
			r.Status,
			r.Steps,
			formatScore(r.BestScore),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.CorpusPath,
		)
	}
	return w.Flush()
}

func runRunsInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := db.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	evs, err := db.ListEvaluations(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list evaluations: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, types.RunDetail{Run: *run, Evaluations: evs})
	}

	fmt.Fprintf(out, "Run:          %s\n", run.ID)
	fmt.Fprintf(out, "Status:       %s\n", run.Status)
	fmt.Fprintf(out, "Preset:       %s\n", run.Preset)
	fmt.Fprintf(out, "Corpus:       %s\n", run.CorpusPath)
	fmt.Fprintf(out, "Output:       %s\n", run.OutputPath)
	fmt.Fprintf(out, "Teacher:      %s\n", run.TeacherModel)
	fmt.Fprintf(out, "Student:      %s\n", run.StudentModel)
	fmt.Fprintf(out, "Pairs:        %d training, %d evaluation\n", run.TrainingPairs, run.EvaluationPairs)
	fmt.Fprintf(out, "Steps:        %d\n", run.Steps)
	fmt.Fprintf(out, "Best score:   %s\n", formatScore(run.BestScore))
	fmt.Fprintf(out, "Started:      %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05 MST"))
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:     %s\n", run.FinishedAt.Local().Format("2006-01-02 15:04:05 MST"))
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", run.Error)
	}

	if len(evs) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := newTabWriter(out)
	fmt.Fprintln(w, "EPOCH\tSTEP\tGLOBAL\tSCORE\tBEST")
	for _, ev := range evs {
		step := fmt.Sprint(ev.Step)
		if ev.Step < 0 {
			step = "end"
		}
		best := ""
		if ev.Best {
			best = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%.4f\t%s\n", ev.Epoch, step, ev.GlobalStep, ev.Score, best)
	}
	return w.Flush()
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	runID := args[0]
	ctx := cmd.Context()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status == types.RunRunning && !deleteForce {
		return fmt.Errorf("run %s is still running; use --force to delete it anyway", runID)
	}

	// Interactive confirmation unless --force
	if !deleteForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "This will delete the history of run %q.\n", runID)
		fmt.Fprint(errOut, "Type the run ID to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != runID {
			fmt.Fprintln(errOut, "Aborted. Run ID did not match.")
			return nil
		}
	}

	if err := db.DeleteRun(ctx, runID); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      runID,
			"deleted": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %q\n", runID)
	return nil
}
