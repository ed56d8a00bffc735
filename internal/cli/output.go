package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cacheStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// statusMark returns the styled marker printed in front of a step.
func statusMark(s model.StepStatus) string {
	switch s {
	case model.StepDone:
		return okStyle.Render("✓")
	case model.StepCached:
		return cacheStyle.Render("↺")
	default:
		return errorStyle.Render("✗")
	}
}

// levelMark returns the styled marker printed in front of a finding.
func levelMark(l layout.Level) string {
	switch l {
	case layout.LevelOK:
		return okStyle.Render("✓")
	case layout.LevelWarn:
		return warnStyle.Render("!")
	default:
		return errorStyle.Render("✗")
	}
}

// formatDuration rounds d for display.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return "<1ms"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

// formatSize renders a byte count the way `docker images` does.
func formatSize(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "kMGTPE"[exp])
}

// renderResult formats a provisioning result for the terminal.
func renderResult(res *model.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("Provisioned %s environment", res.Backend)))
	for _, s := range res.Steps {
		line := fmt.Sprintf("%-24s %8s", s.Step, formatDuration(s.Duration))
		if s.Status == model.StepCached {
			line += "  " + cacheStyle.Render("cached")
		}
		if s.Detail != "" {
			line += "  " + keyStyle.Render(s.Detail)
		}
		fmt.Fprintf(&b, "  %s %s\n", statusMark(s.Status), line)
	}

	b.WriteString("\n")
	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s %s\n", keyStyle.Render(fmt.Sprintf("%-14s", key+":")), value)
		}
	}
	field("Working root", res.WorkingRoot)
	field("Image", res.Image)
	if res.ImageID != "" {
		field("Image ID", docker.ShortID(res.ImageID))
	}
	field("Entrypoint", res.Entrypoint)
	field("Manifest", docker.ShortID(res.ManifestHash))
	field("Revision", res.SourceRevision)

	names := make([]string, 0, len(res.Environment))
	for name := range res.Environment {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field("Environment", name+"="+res.Environment[name])
	}

	return b.String()
}

// renderReport formats a verification report for the terminal. Passed
// checks are listed only when all is true.
func renderReport(r *layout.Report, all bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Verifying "+r.Root))
	for _, f := range r.Findings {
		if f.Level == layout.LevelOK && !all {
			continue
		}
		line := fmt.Sprintf("%-12s %s", f.Check, f.Path)
		if f.Message != "" {
			line += "  " + f.Message
		}
		fmt.Fprintf(&b, "  %s %s\n", levelMark(f.Level), line)
	}

	summary := fmt.Sprintf("%d passed, %d warnings, %d errors",
		r.Count(layout.LevelOK), r.Count(layout.LevelWarn), r.Count(layout.LevelError))
	if r.OK() {
		fmt.Fprintf(&b, "%s\n", okStyle.Render(summary))
	} else {
		fmt.Fprintf(&b, "%s\n", errorStyle.Render(summary))
	}
	return b.String()
}

// renderImages formats managed images as a table.
//
//	TAG                         IMAGE ID      REQS  SIZE    CREATED
//	provisioner-app:latest      4f2a9c1b7d3e  12    180MB   2026-10-18 09:30
func renderImages(images []model.ImageInfo) string {
	if len(images) == 0 {
		return "No managed images found.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("%-30s %-13s %-5s %-8s %s",
		"TAG", "IMAGE ID", "REQS", "SIZE", "CREATED")))

	for _, img := range images {
		tags := img.Tags
		if len(tags) == 0 {
			tags = []string{"<none>"}
		}
		for _, tag := range tags {
			fmt.Fprintf(&b, "%-30s %-13s %-5d %-8s %s\n",
				tag,
				docker.ShortID(img.ID),
				img.Requirements,
				formatSize(img.Size),
				img.CreatedAt.Local().Format("2006-01-02 15:04"),
			)
		}
	}
	return b.String()
}
