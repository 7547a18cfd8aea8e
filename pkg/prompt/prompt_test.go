package prompt

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

func TestScripted(t *testing.T) {
	s := NewScripted(engine.CancelAnswer, "R", "S")
	ctx := context.Background()

	for _, want := range []string{"R", "S", engine.CancelAnswer, engine.CancelAnswer} {
		got, err := s.Prompt(ctx, engine.PromptRequest{Operation: "verify X"})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Len(t, s.Asked(), 4)
}

func TestScripted_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScripted("A").Prompt(ctx, engine.PromptRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseAnswers(t *testing.T) {
	assert.Equal(t, []string{"R", "C", "S"}, ParseAnswers("R, C,S"))
	assert.Nil(t, ParseAnswers("  "))
}

func TestOptionKey(t *testing.T) {
	assert.Equal(t, "R", optionKey("R: Repeat"))
	assert.Equal(t, "ABORT", optionKey("ABORT"))
}

// countingOp fails until it has been repeated twice.
type countingOp struct{ calls int }

func (o *countingOp) Name() string { return "flaky" }
func (o *countingOp) Kind() string { return "test" }
func (o *countingOp) Do(ctx context.Context) (engine.Outcome, error) {
	o.calls++
	if o.calls < 3 {
		return engine.Outcome{}, engine.NewDataError("not yet", nil)
	}
	return engine.Outcome{Value: "done"}, nil
}
func (o *countingOp) Repeat(ctx context.Context) error { return nil }

func TestScripted_DrivesResolver(t *testing.T) {
	answers := NewScripted("", "R", "R")
	exec := engine.NewExecution(context.Background())
	defer exec.Close()

	resolver := engine.NewResolver(engine.WithPromptSink(answers))
	ctrl := engine.NewController(exec, resolver, nil)

	res, err := ctrl.Execute(context.Background(), &countingOp{}, engine.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)

	asked := answers.Asked()
	require.Len(t, asked, 2)
	assert.Contains(t, asked[0].Options, "R: Repeat operation")
	assert.Equal(t, exec.ID, asked[0].ExecutionID)
}

func TestRenderReport(t *testing.T) {
	r := verify.Report{
		Result: "false",
		Lines: []verify.ReportLine{
			{Parameter: "A", Symbol: "=", Expected: "1", Annotation: verify.AnnotationOK, Reason: "Value is 1"},
			{Parameter: "B", Symbol: "=", Expected: "2", Annotation: verify.AnnotationNOK, Reason: "Actual value: 3"},
		},
	}
	out := RenderReport(r)
	assert.Contains(t, out, "Verification: false")
	assert.Contains(t, out, "A = 1 OK")
	assert.Contains(t, out, "B = 2 NOK")
	assert.Contains(t, out, "Actual value: 3")
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	now := time.Now()

	p.Publish(engine.Notification{Kind: engine.NotifyOperation, Name: "send PWR_ON", Status: engine.StatusSuccess, Time: now})
	p.Publish(engine.Notification{Kind: engine.NotifyVerification, Name: "PWR_STATE", Status: engine.StatusInProgress, Time: now})
	p.Publish(engine.Notification{
		Kind:   engine.NotifyReport,
		Value:  "true",
		Status: engine.StatusSuccess,
		Time:   now,
		Data:   map[string]any{"lines": []verify.ReportLine{{Parameter: "PWR_STATE", Symbol: "=", Expected: "ON", Annotation: verify.AnnotationOK}}},
	})

	out := buf.String()
	assert.Contains(t, out, "send PWR_ON")
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "Verification: true")
	assert.Equal(t, 1, strings.Count(out, "PWR_STATE"), "step updates are hidden unless enabled")
}
