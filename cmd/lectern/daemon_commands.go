package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/daemonctl"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Control the local lecternd process",
	}

	var logLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start lecternd in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonctl.ResolveExecutable()
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var configPath string
			if ctx.configFlag != nil {
				configPath = strings.TrimSpace(*ctx.configFlag)
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe,
				daemonctl.LaunchOptions{ConfigPath: configPath, LogLevel: logLevel},
				15*time.Second,
			)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop lecternd; running jobs are marked interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), 30*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon did not exit in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health, dependencies and active jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), client, ctx.configValue())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderDaemonStatus(status, shouldColorize(out)))
			return nil
		},
	}

	daemonCmd.AddCommand(startCmd, stopCmd, statusCmd)
	return daemonCmd
}

func renderDaemonStatus(status api.DaemonStatus, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(&b, line)
	}
	switch {
	case status.Running:
		fmt.Fprintln(&b, renderStatusLine("lecternd", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
		fmt.Fprintln(&b, renderStatusLine("Owner", statusInfo, status.Workflow.Owner, colorize))
		active := "none"
		if len(status.Workflow.Active) > 0 {
			ids := make([]string, 0, len(status.Workflow.Active))
			for _, id := range status.Workflow.Active {
				ids = append(ids, shortID(id))
			}
			active = strings.Join(ids, ", ")
		}
		fmt.Fprintln(&b, renderStatusLine("Active jobs", statusInfo, active, colorize))
		if status.Workflow.LastError != "" {
			fmt.Fprintln(&b, renderStatusLine("Last error", statusWarn, status.Workflow.LastError, colorize))
		}
	case status.PID > 0:
		fmt.Fprintln(&b, renderStatusLine("lecternd", statusWarn, fmt.Sprintf("Process %d alive but API unreachable", status.PID), colorize))
	default:
		fmt.Fprintln(&b, renderStatusLine("lecternd", statusWarn, "Not running (run `lectern daemon start`)", colorize))
	}
	fmt.Fprintln(&b, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
	fmt.Fprintln(&b)

	for _, line := range renderSectionHeader("System Checks", colorize) {
		fmt.Fprintln(&b, line)
	}
	for _, check := range status.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		fmt.Fprintln(&b, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	fmt.Fprintln(&b)

	for _, line := range renderSectionHeader("Dependencies", colorize) {
		fmt.Fprintln(&b, line)
	}
	summary := daemonctl.SummarizeDependencies(status.Dependencies)
	fmt.Fprintln(&b, renderStatusLine("Summary", statusKindFromSeverity(summary.Severity), summary.Detail, colorize))
	for _, dep := range status.Dependencies {
		switch {
		case dep.Available:
			fmt.Fprintln(&b, renderStatusLine(dep.Name, statusOK, fmt.Sprintf("Ready (command: %s)", dep.Command), colorize))
		case dep.Optional:
			fmt.Fprintln(&b, renderStatusLine(dep.Name, statusWarn, orDash(dep.Detail), colorize))
		default:
			fmt.Fprintln(&b, renderStatusLine(dep.Name, statusError, orDash(dep.Detail), colorize))
		}
	}
	return b.String()
}
