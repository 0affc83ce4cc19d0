// Package report renders cycle reports for operators. Rendering is a pure
// function of the report: two renders of the same report are byte-identical,
// so regenerating output is always safe.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alerts"
	"github.com/fyrsmithlabs/remedyd/internal/cycle"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
)

const timeFormat = time.RFC3339

// RenderMarkdown renders the full operator-facing report.
func RenderMarkdown(rep *cycle.CycleReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Remediation Cycle %s\n\n", rep.ID)
	fmt.Fprintf(&b, "- **Scope:** %s\n", rep.Scope)
	fmt.Fprintf(&b, "- **Status:** %s\n", rep.Status)
	if rep.HaltReason != "" {
		fmt.Fprintf(&b, "- **Halt reason:** %s\n", rep.HaltReason)
	}
	fmt.Fprintf(&b, "- **Mode:** %s\n", rep.Mode)
	fmt.Fprintf(&b, "- **Ring:** %d\n", rep.Ring)
	fmt.Fprintf(&b, "- **Started:** %s\n", rep.StartedAt.UTC().Format(timeFormat))
	fmt.Fprintf(&b, "- **Completed:** %s\n", rep.CompletedAt.UTC().Format(timeFormat))
	fmt.Fprintf(&b, "- **Duration:** %dms\n", rep.DurationMs)
	if rep.SnapshotID != "" {
		fmt.Fprintf(&b, "- **Snapshot:** %s\n", rep.SnapshotID)
	}

	fmt.Fprintf(&b, "\n## Anomalies (%d)\n\n", rep.AnomaliesFound)
	if rep.AnomaliesFound == 0 {
		b.WriteString("None detected.\n")
	} else {
		for _, typ := range sortedKeys(rep.AnomaliesByType) {
			fmt.Fprintf(&b, "- %s: %d\n", typ, rep.AnomaliesByType[typ])
		}
		b.WriteString("\n")
		for _, a := range rep.Anomalies {
			fmt.Fprintf(&b, "- `%s` %s on %s (%s)\n",
				a.ID, a.Type, a.Target, a.Severity)
		}
	}

	fmt.Fprintf(&b, "\n## Patches (%d attempted, %d applied, %d rejected, %d failed",
		rep.PatchesAttempted, rep.PatchesApplied, rep.PatchesRejected, rep.PatchesFailed)
	if rep.PatchesEligible > 0 {
		fmt.Fprintf(&b, ", %d eligible", rep.PatchesEligible)
	}
	b.WriteString(")\n\n")

	for i := range rep.Patches {
		p := &rep.Patches[i]
		fmt.Fprintf(&b, "- `%s` %s for anomaly `%s`: **%s**", p.ID, p.FixType, p.AnomalyID, p.Status)
		if p.ValidatorScore != nil {
			fmt.Fprintf(&b, " (score %.2f)", *p.ValidatorScore)
		}
		if p.Status == patch.StatusFailed && p.FailureReason != "" {
			fmt.Fprintf(&b, ": %s", p.FailureReason)
		}
		if p.RolledBackReason != "" {
			fmt.Fprintf(&b, " [rolled back: %s]", p.RolledBackReason)
		}
		b.WriteString("\n")
	}
	if len(rep.Patches) == 0 {
		b.WriteString("No patches generated.\n")
	}

	return b.String()
}

// RenderSummary renders the one-line alert summary.
func RenderSummary(rep *cycle.CycleReport) string {
	s := fmt.Sprintf("cycle %s on %s: %s; %d anomalies, %d applied, %d rejected, %d failed",
		rep.ID, rep.Scope, rep.Status,
		rep.AnomaliesFound, rep.PatchesApplied, rep.PatchesRejected, rep.PatchesFailed)
	if rep.HaltReason != "" {
		s += " (" + rep.HaltReason + ")"
	}
	return s
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Publisher renders finished reports and pushes summaries to the alert
// sink. It satisfies the orchestrator's Publisher dependency.
type Publisher struct {
	sink   alerts.Sink
	logger *zap.Logger
}

// NewPublisher creates a publisher over the alert sink.
func NewPublisher(sink alerts.Sink, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{sink: sink, logger: logger}
}

// Publish logs the rendered report and enqueues an alert summary. The
// severity follows the cycle outcome.
func (p *Publisher) Publish(_ context.Context, rep *cycle.CycleReport) {
	p.logger.Info("cycle report",
		zap.String("cycle_id", rep.ID),
		zap.String("scope", rep.Scope),
		zap.String("status", string(rep.Status)),
		zap.String("summary", RenderSummary(rep)),
	)

	sev := alerts.SeverityInfo
	switch rep.Status {
	case cycle.StatusDegraded, cycle.StatusHalted:
		sev = alerts.SeverityWarning
	case cycle.StatusError:
		sev = alerts.SeverityCritical
	}

	p.sink.Enqueue(alerts.Alert{
		Severity: sev,
		Title:    fmt.Sprintf("remediation cycle %s: %s", rep.Scope, rep.Status),
		Body:     RenderMarkdown(rep),
		Scope:    rep.Scope,
		CycleID:  rep.ID,
		Time:     rep.CompletedAt,
	})
}
