package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/orchestrator"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
)

var (
	styleHeader    = lipgloss.NewStyle().Bold(true)
	styleSeparator = lipgloss.NewStyle()
	styleSection   = lipgloss.NewStyle().Bold(true)
	styleErrorLbl  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)  // red
	styleWarnLbl   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true) // yellow
	styleSuccess   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))            // green
	styleDim       = lipgloss.NewStyle().Faint(true)
)

// statusStyle colours workflow and step statuses.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(state.StatusCompleted): // same value as state.StepCompleted
		return styleSuccess
	case string(state.StatusFailed): // same value as state.StepFailed
		return styleErrorLbl
	case string(state.StatusCancelled), string(state.StepSkipped), string(state.StatusPaused):
		return styleWarnLbl
	default:
		return lipgloss.NewStyle()
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHeader(out io.Writer, title string) {
	fmt.Fprintln(out, styleHeader.Render(title))
	fmt.Fprintln(out, styleSeparator.Render(strings.Repeat("=", len(title))))
	fmt.Fprintln(out)
}

// printResult writes a workflow result as a step table followed by a
// summary line.
func printResult(out io.Writer, res orchestrator.WorkflowResult) {
	printHeader(out, "Workflow "+res.WorkflowID)

	ids := make([]string, 0, len(res.StepResults))
	for id := range res.StepResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "  %-20s %-22s %-8s %s\n", "STEP", "STATUS", "ATTEMPTS", "DETAIL")
	for _, id := range ids {
		r := res.StepResults[id]
		detail := r.Reason
		if r.Error != nil {
			detail = fmt.Sprintf("%s %s: %s", r.Error.Kind, r.Error.Code, r.Error.Message)
		}
		status := fmt.Sprintf("%-22s", r.Status)
		fmt.Fprintf(out, "  %-20s %s %-8d %s\n", id, statusStyle(string(r.Status)).Render(status), r.AttemptCount, detail)
	}
	fmt.Fprintln(out)

	if res.Compensation != nil {
		fmt.Fprintln(out, styleSection.Render("Compensation"))
		fmt.Fprintf(out, "  compensated: %s\n", strings.Join(res.Compensation.Compensated, ", "))
		failed := make([]string, 0, len(res.Compensation.Failed))
		for step := range res.Compensation.Failed {
			failed = append(failed, step)
		}
		sort.Strings(failed)
		for _, step := range failed {
			fmt.Fprintf(out, "  failed:      %s (%s)\n", step, res.Compensation.Failed[step])
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "Status: %s  success rate: %.0f%%  version: %d  elapsed: %s\n",
		statusStyle(string(res.Status)).Render(string(res.Status)),
		res.SuccessRate*100, res.Version, res.ExecutionTime.Round(time.Millisecond))
}

// printHistory writes one line per stored version.
func printHistory(out io.Writer, id string, history []state.WorkflowState) {
	printHeader(out, "History "+id)
	fmt.Fprintf(out, "  %-8s %-22s %-25s %s\n", "VERSION", "STATUS", "UPDATED", "COMPLETED STEPS")
	for _, st := range history {
		s := st.Summarize()
		status := fmt.Sprintf("%-22s", s.Status)
		fmt.Fprintf(out, "  %-8d %s %-25s %s\n", s.Version, statusStyle(string(s.Status)).Render(status),
			s.UpdatedAt.UTC().Format(time.RFC3339), strings.Join(s.CompletedSteps, ", "))
	}
}

// printEvent writes one orchestrator event as a log-style line.
func printEvent(out io.Writer, ev orchestrator.Event) {
	line := fmt.Sprintf("%s %-22s", ev.Timestamp.UTC().Format("15:04:05.000"), ev.Type)
	if ev.Step != "" {
		line += " " + ev.Step
	}
	if ev.Message != "" {
		line += " " + styleDim.Render(ev.Message)
	}
	if ev.Error != "" {
		line += " " + styleErrorLbl.Render(ev.Error)
	}
	fmt.Fprintln(out, line)
}
