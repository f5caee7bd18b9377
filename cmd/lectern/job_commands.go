package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/workflow"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderJobDetail(job, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var statuses string
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := api.ListOptions{UserID: strings.TrimSpace(userID), Limit: limit}
			for _, status := range strings.Split(statuses, ",") {
				if trimmed := strings.TrimSpace(status); trimmed != "" {
					opts.Statuses = append(opts.Statuses, trimmed)
				}
			}
			return ctx.withClient(func(client *api.Client) error {
				list, err := client.Jobs(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.JobListResponse{Jobs: list})
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprint(out, renderJobTable(list, shouldColorize(out)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Only jobs owned by this user")
	cmd.Flags().StringVarP(&statuses, "status", "s", "", "Comma-separated statuses (pending,running,completed,failed,cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s (%s)\n", job.ID, job.Status)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run a failed or cancelled job from its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() && !watch {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s (attempt %d)\n", job.ID, job.Attempts)
				if !watch {
					return nil
				}
				return watchJob(cmd, ctx, client, job.ID)
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the job finishes")
	return cmd
}

func newCostsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "costs <job-id>",
		Short: "Show AI usage and cost of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				report, err := client.Costs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, report)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderCostReport(report, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
}

func renderJobTable(list []workflow.JobStatus, colorize bool) string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			shortID(job.ID),
			job.UserID,
			colorText(string(job.Status), jobStatusKind(job.Status), colorize),
			orDash(job.Stage),
			formatPercent(job.ProgressPercent),
			jobTitle(job),
			formatWhen(job.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "User", "Status", "Stage", "Progress", "Title", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		colorize,
	)
}

func renderJobDetail(job workflow.JobStatus, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader("Job "+job.ID, colorize) {
		fmt.Fprintln(&b, line)
	}
	fmt.Fprintln(&b, renderStatusLine("Status", jobStatusKind(job.Status), string(job.Status), colorize))
	fmt.Fprintln(&b, renderStatusLine("Title", statusInfo, jobTitle(job), colorize))
	fmt.Fprintln(&b, renderStatusLine("User", statusInfo, job.UserID, colorize))
	fmt.Fprintln(&b, renderStatusLine("Profile", statusInfo, job.Profile, colorize))
	fmt.Fprintln(&b, renderStatusLine("Stage", statusInfo, orDash(job.Stage), colorize))
	fmt.Fprintln(&b, renderStatusLine("Progress", statusInfo, formatPercent(job.ProgressPercent), colorize))
	fmt.Fprintln(&b, renderStatusLine("Attempts", statusInfo, strconv.Itoa(job.Attempts), colorize))
	if job.CancelRequested {
		fmt.Fprintln(&b, renderStatusLine("Cancel", statusWarn, "requested", colorize))
	}
	if job.ErrorMessage != "" {
		detail := job.ErrorMessage
		if job.ErrorStage != "" {
			detail = fmt.Sprintf("%s: %s", job.ErrorStage, detail)
		}
		if job.ErrorKind != "" {
			detail = fmt.Sprintf("%s (%s)", detail, job.ErrorKind)
		}
		fmt.Fprintln(&b, renderStatusLine("Error", statusError, detail, colorize))
	}
	fmt.Fprintln(&b, renderStatusLine("Created", statusInfo, formatWhen(job.CreatedAt), colorize))
	if !job.FinishedAt.IsZero() {
		fmt.Fprintln(&b, renderStatusLine("Finished", statusInfo, formatWhen(job.FinishedAt), colorize))
	}

	if len(job.Artifacts) == 0 {
		return b.String()
	}
	fmt.Fprintln(&b)
	for _, line := range renderSectionHeader("Artifacts", colorize) {
		fmt.Fprintln(&b, line)
	}
	rows := make([][]string, 0, len(job.Artifacts))
	for _, art := range job.Artifacts {
		detail := art.StorageKey
		if art.ErrorMessage != "" {
			detail = art.ErrorMessage
		}
		rows = append(rows, []string{
			string(art.Type),
			colorText(string(art.Status), artifactStatusKind(art.Status), colorize),
			formatSize(art.SizeBytes),
			orDash(detail),
		})
	}
	b.WriteString(renderTable(
		[]string{"Type", "Status", "Size", "Location"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		colorize,
	))
	return b.String()
}

func renderCostReport(report workflow.CostReport, colorize bool) string {
	var b strings.Builder
	stats := report.Stats
	for _, line := range renderSectionHeader("AI usage for "+report.JobID, colorize) {
		fmt.Fprintln(&b, line)
	}
	fmt.Fprintln(&b, renderStatusLine("Requests", statusInfo,
		fmt.Sprintf("%d (%d cached, %d failed, %.1f%% hit rate)",
			stats.TotalRequests, stats.CachedRequests, stats.FailedRequests, stats.CacheHitRate), colorize))
	fmt.Fprintln(&b, renderStatusLine("Tokens", statusInfo,
		fmt.Sprintf("%d (%d prompt, %d completion)", stats.TotalTokens, stats.PromptTokens, stats.CompletionTokens), colorize))
	fmt.Fprintln(&b, renderStatusLine("Cost", statusInfo, formatCost(stats.TotalCost), colorize))

	if len(stats.ByFunction) == 0 {
		return b.String()
	}
	fmt.Fprintln(&b)
	rows := make([][]string, 0, len(stats.ByFunction))
	for _, fn := range stats.ByFunction {
		name := fn.DisplayName
		if name == "" {
			name = fn.Function
		}
		rows = append(rows, []string{
			name,
			strconv.Itoa(fn.Requests),
			strconv.Itoa(fn.Tokens),
			formatCost(fn.Cost),
		})
	}
	b.WriteString(renderTable(
		[]string{"Function", "Requests", "Tokens", "Cost"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
		colorize,
	))
	return b.String()
}
