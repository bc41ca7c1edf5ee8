// Package report renders run and repair results as terminal tables.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sdk-batch-processor/internal/job"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/service"
)

// maxFailureRows caps the failure table so a bad run stays readable
const maxFailureRows = 25

// RunSummary prints the counters and totals of one batch run, then its failures.
func RunSummary(w io.Writer, stats *job.RunStatistics) {
	if stats == nil {
		fmt.Fprintln(w, "No batch run was created.")
		return
	}

	fmt.Fprintf(w, "Batch run %s (%s): %s\n", stats.RunID, stats.Trigger, strings.ToUpper(string(stats.Status)))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Total", "Successful", "Failed", "Retried", "Skipped", "Gas Used", "Fees", "Rewards"})
	t.AppendRow(table.Row{
		stats.Total,
		stats.Successful,
		stats.Failed,
		stats.Retried,
		stats.Skipped,
		stats.TotalGasUsed.String(),
		service.FormatNative(stats.TotalFees),
		service.FormatNative(stats.TotalRewards),
	})
	t.Render()

	if stats.ErrorSummary != "" {
		fmt.Fprintf(w, "Error: %s\n", stats.ErrorSummary)
	}
	if len(stats.Failures) == 0 {
		return
	}

	ft := table.NewWriter()
	ft.SetOutputMirror(w)
	ft.AppendHeader(table.Row{"Transaction", "Outcome", "Kind", "Message"})
	for i, f := range stats.Failures {
		if i == maxFailureRows {
			ft.AppendFooter(table.Row{fmt.Sprintf("... %d more", len(stats.Failures)-maxFailureRows)})
			break
		}
		ft.AppendRow(table.Row{f.Hash, f.Outcome, f.Kind, f.Message})
	}
	ft.Render()
}

// BatchRuns prints recent runs, newest first.
func BatchRuns(w io.Writer, runs []*models.BatchRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No batch runs.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Started", "Trigger", "Status", "Total", "OK", "Failed", "Retried", "Skipped", "Rewards"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.TriggerSource,
			run.Status,
			run.TotalTransactions,
			run.SuccessfulCount,
			run.FailedCount,
			run.RetriedCount,
			run.SkippedCount,
			service.FormatNativeString(run.TotalRewards),
		})
	}
	t.Render()
}

// Reconcile prints the outcome of a repair pass.
func Reconcile(w io.Writer, r *service.ReconcileReport) {
	fmt.Fprintf(w, "Replayed: %d  Rebuilt: %d  Failed: %d\n", r.Replayed, r.Rebuilt, r.Failed)
	if len(r.Items) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Transaction", "Action", "Records", "Failed Steps", "Error"})
	for _, item := range r.Items {
		errText := ""
		if item.Err != nil {
			errText = item.Err.Error()
		}
		t.AppendRow(table.Row{item.Hash, item.Action, item.Records, strings.Join(item.FailedSteps, ","), errText})
	}
	t.Render()
}
