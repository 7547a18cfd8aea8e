package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

// fakeSource serves scripted value sequences; the last value repeats.
type fakeSource struct {
	mu       sync.Mutex
	values   map[string][]any
	invalid  map[string]bool
	errs     map[string]error
	block    map[string]bool
	fetches  map[string]int
	requests map[string][]engine.FetchRequest
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		values:   make(map[string][]any),
		invalid:  make(map[string]bool),
		errs:     make(map[string]error),
		block:    make(map[string]bool),
		fetches:  make(map[string]int),
		requests: make(map[string][]engine.FetchRequest),
	}
}

func (f *fakeSource) Resolve(ctx context.Context, name string) (engine.ItemHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[name]
	if !ok && !f.block[name] && f.errs[name] == nil {
		return engine.ItemHandle{}, errors.New("no such item")
	}
	return engine.ItemHandle{Name: name, Interface: "FAKE"}, nil
}

func (f *fakeSource) Fetch(ctx context.Context, h engine.ItemHandle, req engine.FetchRequest) (engine.Sample, error) {
	f.mu.Lock()
	n := f.fetches[h.Name]
	f.fetches[h.Name] = n + 1
	f.requests[h.Name] = append(f.requests[h.Name], req)
	block, err := f.block[h.Name], f.errs[h.Name]
	seq := f.values[h.Name]
	invalid := f.invalid[h.Name]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return engine.Sample{}, ctx.Err()
	}
	if err != nil {
		return engine.Sample{}, err
	}
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return engine.Sample{Value: seq[n], Valid: !invalid, Time: time.Now()}, nil
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[name]
}

type recordingSink struct {
	mu            sync.Mutex
	notifications []engine.Notification
}

func (r *recordingSink) Publish(n engine.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recordingSink) ofKind(kind engine.NotifyKind) []engine.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.Notification
	for _, n := range r.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func retries(n int) config.Layer {
	return config.Layer{Retries: config.Int(n), PromptUser: config.Bool(false)}
}

func TestEvaluate_ListValuesConverge(t *testing.T) {
	src := newFakeSource()
	src.values["X"] = []any{7, 9, 10}

	ev, err := NewEvaluator(src).Evaluate(context.Background(), Leaf("X", Eq, 10).With(retries(3)))
	require.NoError(t, err)

	assert.True(t, ev.Value)
	assert.False(t, ev.Stopped)
	assert.Equal(t, 3, src.count("X"))
	require.Len(t, ev.Leaves, 1)
	assert.Equal(t, "10", ev.Leaves[0].Step.Value)
	assert.Equal(t, StatusSuccess, ev.Leaves[0].Step.Status)
	assert.Equal(t, "Value is 10", ev.Leaves[0].Step.Reason)
}

func TestEvaluate_RetriesExhausted(t *testing.T) {
	src := newFakeSource()
	src.values["X"] = []any{1}

	ev, err := NewEvaluator(src).Evaluate(context.Background(), Leaf("X", Eq, 2).With(retries(2)))
	require.NoError(t, err)

	assert.False(t, ev.Value)
	assert.Equal(t, 3, src.count("X"))
	step := ev.Leaves[0].Step
	assert.Equal(t, StatusFailed, step.Status)
	assert.True(t, step.Failed)
	assert.NoError(t, step.Err)
	assert.Equal(t, "Actual value: 1", step.Reason)
}

func TestEvaluate_FirstFetchHonoursWait(t *testing.T) {
	src := newFakeSource()
	src.values["X"] = []any{1, 2}

	_, err := NewEvaluator(src).Evaluate(context.Background(), Leaf("X", Eq, 2).With(retries(1)))
	require.NoError(t, err)

	reqs := src.requests["X"]
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].Wait)
	assert.True(t, reqs[1].Wait)
}

func TestEvaluate_AndWithNonMatchingLeaf(t *testing.T) {
	src := newFakeSource()
	src.values["A"] = []any{1}
	src.values["B"] = []any{3}

	sink := &recordingSink{}
	tree := And(Leaf("A", Eq, 1), Leaf("B", Eq, 2)).Leaves()
	root := And(tree[0].With(retries(1)), tree[1].With(retries(1)))

	ev, err := NewEvaluator(src, WithSink(sink)).Evaluate(context.Background(), root)
	require.NoError(t, err)

	assert.False(t, ev.Value)
	assert.NoError(t, ev.Err())
	require.Len(t, ev.Report.Lines, 2)
	assert.Equal(t, AnnotationOK, ev.Report.Lines[0].Annotation)
	assert.Equal(t, AnnotationNOK, ev.Report.Lines[1].Annotation)

	reports := sink.ofKind(engine.NotifyReport)
	require.Len(t, reports, 1)
	assert.Equal(t, engine.StatusFailed, reports[0].Status)
}

func TestEvaluate_OrFolding(t *testing.T) {
	src := newFakeSource()
	src.values["A"] = []any{0}
	src.values["B"] = []any{5}

	ev, err := NewEvaluator(src).Evaluate(context.Background(),
		Or(Leaf("A", Eq, 1).With(retries(0)), Leaf("B", Gt, 4).With(retries(0))))
	require.NoError(t, err)
	assert.True(t, ev.Value)
	assert.True(t, ev.Truth())
}

func TestFold(t *testing.T) {
	a, b, c := Leaf("A", Eq, 1), Leaf("B", Eq, 1), Leaf("C", Eq, 1)
	ok := Step{Status: StatusSuccess}
	nok := Step{Status: StatusFailed}
	stopped := Step{Status: StatusInProgress, Stopped: true}

	tests := []struct {
		name        string
		root        Node
		steps       map[*LeafNode]Step
		wantValue   bool
		wantStopped bool
	}{
		{"and all true", And(a, b), map[*LeafNode]Step{a: ok, b: ok}, true, false},
		{"and one false", And(a, b), map[*LeafNode]Step{a: ok, b: nok}, false, false},
		{"or one true", Or(a, b), map[*LeafNode]Step{a: nok, b: ok}, true, false},
		{"or all false", Or(a, b), map[*LeafNode]Step{a: nok, b: nok}, false, false},
		{"and with stopped", And(a, b), map[*LeafNode]Step{a: ok, b: stopped}, false, true},
		{"or with stopped", Or(a, b), map[*LeafNode]Step{a: ok, b: stopped}, false, true},
		{"nested", And(a, Or(b, c)), map[*LeafNode]Step{a: ok, b: nok, c: ok}, true, false},
		{"nested stopped", Or(a, And(b, c)), map[*LeafNode]Step{a: ok, b: ok, c: stopped}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, s := fold(tt.root, tt.steps)
			assert.Equal(t, tt.wantValue, v)
			assert.Equal(t, tt.wantStopped, s)
		})
	}
}

func TestEvaluate_StoppedLeaf(t *testing.T) {
	src := newFakeSource()
	src.values["A"] = []any{1}
	src.block["B"] = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	ev, err := NewEvaluator(src).Evaluate(ctx, And(Leaf("A", Eq, 1), Leaf("B", Eq, 1)))
	require.NoError(t, err)

	assert.True(t, ev.Stopped)
	assert.False(t, ev.Value)
	assert.False(t, ev.Truth())
	assert.Equal(t, AnnotationOK, ev.Report.Lines[0].Annotation)
	assert.Equal(t, AnnotationStopped, ev.Report.Lines[1].Annotation)
}

func TestEvaluate_FetchTimeout(t *testing.T) {
	src := newFakeSource()
	src.block["X"] = true

	layer := config.Layer{
		Wait:       config.Bool(true),
		Timeout:    config.Duration(20 * time.Millisecond),
		Retries:    config.Int(3),
		PromptUser: config.Bool(false),
	}
	ev, err := NewEvaluator(src).Evaluate(context.Background(), Leaf("X", Eq, 1).With(layer))
	require.NoError(t, err)

	step := ev.Leaves[0].Step
	assert.False(t, step.Stopped)
	assert.Equal(t, StatusFailed, step.Status)
	assert.True(t, engine.IsData(step.Err))
	assert.Equal(t, engine.ErrCodeTimeout, engine.CodeOf(step.Err))
	assert.Equal(t, 1, src.count("X"), "errors end the task without further retries")
	assert.Equal(t, AnnotationFailed, ev.Report.Lines[0].Annotation)
}

func TestEvaluate_TypeMismatchCaptured(t *testing.T) {
	src := newFakeSource()
	src.values["MODE"] = []any{"SAFE"}

	ev, err := NewEvaluator(src).Evaluate(context.Background(), Leaf("MODE", Eq, 3))
	require.NoError(t, err)

	step := ev.Leaves[0].Step
	assert.True(t, engine.IsSyntax(step.Err))
	assert.Equal(t, engine.ErrCodeTypeMismatch, engine.CodeOf(step.Err))
}

func TestEvaluate_UnknownItem(t *testing.T) {
	ev, err := NewEvaluator(newFakeSource()).Evaluate(context.Background(), Leaf("NOPE", Eq, 3))
	require.NoError(t, err)
	assert.Equal(t, engine.ErrCodeUnknownItem, engine.CodeOf(ev.Leaves[0].Step.Err))
}

func TestEvaluate_InvalidSample(t *testing.T) {
	src := newFakeSource()
	src.values["X"] = []any{1}
	src.invalid["X"] = true

	ev, err := NewEvaluator(src).Evaluate(context.Background(), Leaf("X", Eq, 1))
	require.NoError(t, err)
	assert.Equal(t, engine.ErrCodeInvalidValue, engine.CodeOf(ev.Leaves[0].Step.Err))
}

func TestEvaluate_MalformedTree(t *testing.T) {
	_, err := NewEvaluator(newFakeSource()).Evaluate(context.Background(), And())
	assert.True(t, engine.IsSyntax(err))

	_, err = NewEvaluator(newFakeSource()).Evaluate(context.Background(), Leaf("X", Between, 1))
	assert.True(t, engine.IsSyntax(err))
}

func TestFailureStatus(t *testing.T) {
	dataErr := engine.NewDataError("timeout", nil)
	syntaxErr := engine.NewSyntaxError("mismatch", nil)

	tests := []struct {
		name          string
		err           error
		promptUser    bool
		promptFailure bool
		want          StepStatus
	}{
		{"prompt user, data", dataErr, true, false, StatusFailed},
		{"prompt user, syntax", syntaxErr, true, false, StatusFailed},
		{"prompt failure, data", dataErr, false, true, StatusFailed},
		{"prompt failure, syntax", syntaxErr, false, true, StatusSuperseded},
		{"no prompt, data", dataErr, false, false, StatusSuperseded},
		{"no prompt, syntax", syntaxErr, false, false, StatusSuperseded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := engine.DefaultOptions()
			opts.PromptUser = tt.promptUser
			opts.PromptFailure = tt.promptFailure
			assert.Equal(t, tt.want, FailureStatus(tt.err, opts))
		})
	}
}

func TestEvaluate_OptionSourceLayers(t *testing.T) {
	src := newFakeSource()
	src.values["V"] = []any{10.3}

	stack := &config.Stack{
		Interfaces: map[string]config.Layer{"FAKE": {Tolerance: config.Float(0.5)}},
	}
	ev, err := NewEvaluator(src, WithOptionSource(stack)).Evaluate(context.Background(), Leaf("V", Eq, 10))
	require.NoError(t, err)

	assert.True(t, ev.Value)
	assert.Equal(t, 0.5, ev.Leaves[0].Options.Tolerance)
	assert.Contains(t, ev.Report.Lines[0].Modifiers, "Tolerance=0.5")
}

func TestTable_Monotonic(t *testing.T) {
	sink := &recordingSink{}
	table := NewTable(sink, "exec-1", true)
	table.Register(1, "X")

	table.Update(1, func(s *Step) { s.Status = StatusInProgress })
	table.Update(1, func(s *Step) { s.Status = StatusUninit })
	got, _ := table.Get(1)
	assert.Equal(t, StatusInProgress, got.Status)

	table.Update(1, func(s *Step) { s.Status = StatusSuccess })
	table.Update(1, func(s *Step) { s.Status = StatusFailed })
	got, _ = table.Get(1)
	assert.Equal(t, StatusSuccess, got.Status)

	assert.Len(t, sink.ofKind(engine.NotifyVerification), 3)
	for _, n := range sink.ofKind(engine.NotifyVerification) {
		assert.Equal(t, "exec-1", n.ExecutionID)
	}
}

func TestTable_StoppedIsFinal(t *testing.T) {
	table := NewTable(nil, "", false)
	table.Register(1, "X")
	table.Update(1, func(s *Step) { s.Stopped = true })
	table.Update(1, func(s *Step) { s.Status = StatusSuccess })

	got, ok := table.Get(1)
	require.True(t, ok)
	assert.True(t, got.Stopped)
	assert.Equal(t, StatusUninit, got.Status)
}
