package ui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aki/wesd/internal/core/run"
)

// Output prints formatted text to stdout
func Output(format string, args ...any) {
	fmt.Fprintf(Stdout, format, args...)
}

// OutputLine prints formatted text followed by a newline
func OutputLine(format string, args ...any) {
	fmt.Fprintf(Stdout, format+"\n", args...)
}

func Error(format string, args ...any) {
	fmt.Fprintf(Stderr, "%s %s\n", ErrorIcon, ErrorStyle.Render(fmt.Sprintf(format, args...)))
}

func Success(format string, args ...any) {
	fmt.Fprintf(Stdout, "%s %s\n", SuccessIcon, SuccessStyle.Render(fmt.Sprintf(format, args...)))
}

func Info(format string, args ...any) {
	fmt.Fprintf(Stdout, "%s %s\n", InfoIcon, InfoStyle.Render(fmt.Sprintf(format, args...)))
}

func Warning(format string, args ...any) {
	fmt.Fprintf(Stdout, "%s %s\n", WarningIcon, WarningStyle.Render(fmt.Sprintf(format, args...)))
}

// FormatDuration formats a duration into a human-readable string
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "< 1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// FormatTimestamp renders an optional timestamp, "-" when unset
func FormatTimestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Elapsed returns how long a run took, or has been running so far
func Elapsed(start, end *time.Time, now time.Time) string {
	if start == nil {
		return "-"
	}
	if end != nil {
		now = *end
	}
	return FormatDuration(now.Sub(*start))
}

// FormatTags renders tags as sorted key:value pairs
func FormatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		pairs = append(pairs, k+":"+tags[k])
	}
	return strings.Join(pairs, " ")
}

// PrintRunList displays run summaries as a table
func PrintRunList(runs []run.Summary) {
	if len(runs) == 0 {
		Info("No runs found")
		return
	}

	tbl := NewTable("RUN ID", "STATE", "STARTED", "ELAPSED", "USER", "TAGS")
	now := time.Now()
	for _, r := range runs {
		user := r.Username
		if user == "" {
			user = "-"
		}
		tbl.AddRow(r.RunID, StateStyle(r.State).Render(r.State.String()),
			FormatTimestamp(r.StartTime), Elapsed(r.StartTime, r.EndTime, now), user, FormatTags(r.Tags))
	}

	PrintSectionHeader(RunIcon, "Runs", len(runs))
	tbl.Print()
	OutputLine("")
}

// PrintRunDetails displays one run in full
func PrintRunDetails(r *run.Run) {
	OutputLine("%s %s %s", RunIcon, BoldStyle.Render(r.RunID), StateStyle(r.State).Render(r.State.String()))

	field := func(name, value string) {
		OutputLine("   %s %s", DimStyle.Render(name+":"), value)
	}
	if r.Request != nil {
		field("Workflow", r.Request.WorkflowURL)
		field("Type", r.Request.WorkflowType+" "+r.Request.WorkflowTypeVersion)
		field("Tags", FormatTags(r.Request.Tags))
	}
	field("Started", FormatTimestamp(r.RunLog.StartTime))
	field("Ended", FormatTimestamp(r.RunLog.EndTime))
	if r.RunLog.ExitCode != nil {
		field("Exit code", fmt.Sprint(*r.RunLog.ExitCode))
	}
	if len(r.RunLog.Cmd) > 0 {
		field("Command", strings.Join(r.RunLog.Cmd, " "))
	}
	for _, o := range r.Outputs {
		field("Output", o.FileName+" "+DimStyle.Render(o.FileURL))
	}
	if r.RunLog.Stderr != "" {
		OutputLine("\n%s", DimStyle.Render("stderr:"))
		Output("%s", r.RunLog.Stderr)
		if !strings.HasSuffix(r.RunLog.Stderr, "\n") {
			OutputLine("")
		}
	}
}
