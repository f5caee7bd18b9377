package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/progress"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				return watchJob(cmd, ctx, client, args[0])
			})
		},
	}
}

// watchJob streams events for id. It returns an error when the job ends in
// any state other than completed.
func watchJob(cmd *cobra.Command, ctx *commandContext, client *api.Client, id string) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	var last progress.Event
	err := client.Watch(cmd.Context(), id, func(ev progress.Event) error {
		last = ev
		if ctx.jsonOutput() {
			return writeJSON(cmd, ev)
		}
		printEvent(out, ev, colorize)
		return nil
	})
	if err != nil {
		return err
	}
	if !last.Terminal {
		return fmt.Errorf("progress stream for %s ended before the job finished", id)
	}
	if last.Status != progress.StatusCompleted {
		return fmt.Errorf("job %s %s", id, last.Status)
	}
	return nil
}

func printEvent(out io.Writer, ev progress.Event, colorize bool) {
	label := ev.Stage
	if label == "" {
		label = "job"
	}
	line := fmt.Sprintf("[%4s] %-20s %s", formatPercent(ev.Percent), label, ev.Status)
	if msg := strings.TrimSpace(ev.Message); msg != "" {
		line += ": " + msg
	}
	fmt.Fprintln(out, colorText(line, eventKind(ev), colorize))
}

func eventKind(ev progress.Event) statusKind {
	switch ev.Status {
	case progress.StatusCompleted, progress.StatusSucceeded:
		return statusOK
	case progress.StatusFailed:
		return statusError
	case progress.StatusSkipped, progress.StatusCancelled:
		return statusWarn
	default:
		return statusInfo
	}
}
