package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"lectern/internal/workflow"
)

func formatPercent(value float64) string {
	return fmt.Sprintf("%.0f%%", value)
}

func formatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bytes))
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

// jobTitle renders a dash until the title stage has run.
func jobTitle(job workflow.JobStatus) string {
	if strings.TrimSpace(job.Title) != "" {
		return job.Title
	}
	return "-"
}
