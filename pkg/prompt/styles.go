package prompt

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#5FAFD7")
	ColorSuccess = lipgloss.Color("#5FD787")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6C7A89")
)

// Styles holds the terminal styles used for prompts, notifications and
// verification reports.
var Styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	PromptBox lipgloss.Style
	ReportBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	PromptBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ReportBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
}

// annotationStyle picks the style of a report annotation.
func annotationStyle(annotation string) lipgloss.Style {
	switch annotation {
	case verify.AnnotationOK:
		return Styles.Success
	case verify.AnnotationNOK:
		return Styles.Warning
	case verify.AnnotationStopped:
		return Styles.Muted
	}
	return Styles.Error
}

// statusStyle picks the style of a notification status.
func statusStyle(s engine.NotifyStatus) lipgloss.Style {
	switch s {
	case engine.StatusSuccess:
		return Styles.Success
	case engine.StatusInProgress, engine.StatusWaiting, engine.StatusUninit:
		return Styles.Muted
	case engine.StatusSkipped, engine.StatusHandled, engine.StatusSuperseded:
		return Styles.Warning
	}
	return Styles.Error
}

// RenderReport renders a verification report in a box.
func RenderReport(r verify.Report) string {
	lines := make([]string, 0, len(r.Lines)+1)
	lines = append(lines, Styles.Title.Render("Verification: "+r.Result))
	for _, l := range r.Lines {
		line := fmt.Sprintf("%s %s %s %s",
			l.Parameter, l.Symbol, l.Expected,
			annotationStyle(l.Annotation).Render(l.Annotation))
		if l.Reason != "" {
			line += " " + Styles.Muted.Render("("+l.Reason+")")
		}
		lines = append(lines, line)
	}
	return Styles.ReportBox.Render(strings.Join(lines, "\n"))
}

// RenderNotification renders one notification on a single line.
func RenderNotification(n engine.Notification) string {
	var b strings.Builder
	b.WriteString(Styles.Muted.Render(n.Time.Format("15:04:05.000")))
	b.WriteString(" ")
	b.WriteString(statusStyle(n.Status).Render(fmt.Sprintf("%-11s", n.Status)))
	b.WriteString(" ")
	b.WriteString(n.Name)
	if n.Value != "" && n.Kind != engine.NotifyReport {
		b.WriteString(" = " + n.Value)
	}
	if n.Reason != "" && n.Kind != engine.NotifyReport {
		b.WriteString(" " + Styles.Muted.Render(n.Reason))
	}
	return b.String()
}

// Printer is a notification sink that writes styled notifications to a
// terminal. Verification reports are rendered as boxes.
type Printer struct {
	mu           sync.Mutex
	out          io.Writer
	verification bool
}

// NewPrinter creates a printer writing to out. With verification set, every
// verification step update is printed as well.
func NewPrinter(out io.Writer, verification bool) *Printer {
	return &Printer{out: out, verification: verification}
}

// Publish implements engine.NotificationSink.
func (p *Printer) Publish(n engine.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch n.Kind {
	case engine.NotifyVerification:
		if !p.verification {
			return
		}
	case engine.NotifyReport:
		if lines, ok := n.Data["lines"].([]verify.ReportLine); ok {
			fmt.Fprintln(p.out, RenderReport(verify.Report{Result: n.Value, Lines: lines}))
			return
		}
	}
	fmt.Fprintln(p.out, RenderNotification(n))
}
