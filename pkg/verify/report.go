package verify

import (
	"fmt"
	"strings"
)

// Annotations used in report lines.
const (
	AnnotationOK      = "OK"
	AnnotationNOK     = "NOK"
	AnnotationFailed  = "FAILED"
	AnnotationStopped = "STOPPED"
)

// ReportLine summarizes one leaf.
type ReportLine struct {
	Parameter  string `json:"parameter"`
	Symbol     string `json:"symbol"`
	Expected   string `json:"expected"`
	Value      string `json:"value,omitempty"`
	Modifiers  string `json:"modifiers"`
	Annotation string `json:"annotation"`
	Reason     string `json:"reason,omitempty"`
}

// String renders the line, e.g.
// "BATT_V >= 27.5 {Tolerance=0 Retries=2 ...}: OK (Value is 28)".
func (l ReportLine) String() string {
	s := fmt.Sprintf("%s %s %s {%s}: %s", l.Parameter, l.Symbol, l.Expected, l.Modifiers, l.Annotation)
	if l.Reason != "" {
		s += " (" + l.Reason + ")"
	}
	return s
}

// Report is the batched summary of one evaluation.
type Report struct {
	Result string       `json:"result"`
	Lines  []ReportLine `json:"lines"`
}

// NewReport builds the report of ev.
func NewReport(ev *Evaluation) Report {
	r := Report{Result: ev.String()}
	for _, l := range ev.Leaves {
		o := l.Options
		r.Lines = append(r.Lines, ReportLine{
			Parameter: l.Cond.Name(),
			Symbol:    l.Cond.Comparator.Symbol(),
			Expected:  l.Cond.ExpectedString(),
			Value:     l.Step.Value,
			Modifiers: fmt.Sprintf("Tolerance=%g Retries=%d Timeout=%s IgnoreCase=%t Strict=%t ValueFormat=%s",
				o.Tolerance, o.Retries, o.Timeout, o.IgnoreCase, o.Strict, o.ValueFormat),
			Annotation: annotate(l.Step),
			Reason:     l.Step.Reason,
		})
	}
	return r
}

func annotate(s Step) string {
	switch {
	case s.Stopped:
		return AnnotationStopped
	case s.Status == StatusSuccess:
		return AnnotationOK
	case s.Err != nil || s.Status == StatusSuperseded:
		return AnnotationFailed
	}
	return AnnotationNOK
}

// Texts returns the rendered lines.
func (r Report) Texts() []string {
	out := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		out = append(out, l.String())
	}
	return out
}

// String renders the whole report, one line per leaf.
func (r Report) String() string {
	return strings.Join(r.Texts(), "\n")
}
