package verify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Table holds the steps of one evaluation. Every update happens under its
// mutex together with the notification it triggers, so observers see step
// changes in order.
type Table struct {
	mu          sync.Mutex
	steps       map[int]*Step
	sink        engine.NotificationSink
	executionID string
	notify      bool
}

// NewTable creates a table publishing to sink.
func NewTable(sink engine.NotificationSink, executionID string, notify bool) *Table {
	if sink == nil {
		sink = engine.NopSink()
	}
	return &Table{
		steps:       make(map[int]*Step),
		sink:        sink,
		executionID: executionID,
		notify:      notify,
	}
}

// Register adds an UNINIT step.
func (t *Table) Register(id int, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps[id] = &Step{ID: id, Name: name, Status: StatusUninit, Updated: time.Now()}
}

// Update applies fn to a copy of the step and stores it if the transition is
// allowed: statuses only move forward, and a stopped or terminal step never
// changes again. It returns the stored step.
func (t *Table) Update(id int, fn func(s *Step)) Step {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.steps[id]
	if !ok {
		cur = &Step{ID: id, Status: StatusUninit}
		t.steps[id] = cur
	}
	if cur.Stopped || cur.Status.IsTerminal() {
		return *cur
	}

	next := *cur
	fn(&next)
	if next.Status.rank() < cur.Status.rank() {
		next.Status = cur.Status
	}
	next.Updated = time.Now()
	*cur = next

	if t.notify {
		n := next.notification(t.executionID)
		n.ID = uuid.New().String()
		t.sink.Publish(n)
	}
	return next
}

// Get returns a snapshot of a step.
func (t *Table) Get(id int) (Step, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.steps[id]
	if !ok {
		return Step{}, false
	}
	return *s, true
}

// Steps returns snapshots of every step ordered by ID.
func (t *Table) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, 0, len(t.steps))
	for _, s := range t.steps {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
