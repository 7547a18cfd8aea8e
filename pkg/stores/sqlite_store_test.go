package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	store, err := NewSQLiteStore(Config{
		Path:   MemoryPath,
		Logger: &logger,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func createTestExecution(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	exec := &Execution{ID: id, Procedure: "power_on.star"}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestHealthCheck_Uninitialized(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized store")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected migrate error from uninitialized store")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}

	for _, table := range []string{"executions", "operations", "verification_steps", "notifications"} {
		var name string
		err := store.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	createTestExecution(t, store, "exec-file")
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	exec, err := reopened.GetExecution(ctx, "exec-file")
	if err != nil {
		t.Fatalf("execution lost across reopen: %v", err)
	}
	if exec.Procedure != "power_on.star" {
		t.Errorf("expected procedure power_on.star, got %s", exec.Procedure)
	}
}

func TestExecutionCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	createTestExecution(t, store, "exec-1")

	exec, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if exec.Status != ExecutionStatusRunning {
		t.Errorf("expected status running, got %s", exec.Status)
	}
	if exec.CompletedAt != nil {
		t.Error("expected no completion time")
	}
	if exec.Metadata != "{}" {
		t.Errorf("expected empty metadata, got %s", exec.Metadata)
	}

	reason := "operator aborted"
	if err := store.FinishExecution(ctx, "exec-1", ExecutionStatusAborted, &reason); err != nil {
		t.Fatalf("failed to finish execution: %v", err)
	}

	exec, err = store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if exec.Status != ExecutionStatusAborted {
		t.Errorf("expected status aborted, got %s", exec.Status)
	}
	if exec.CompletedAt == nil {
		t.Error("expected completion time")
	}
	if exec.Error == nil || *exec.Error != reason {
		t.Errorf("expected error %q, got %v", reason, exec.Error)
	}

	if err := store.FinishExecution(ctx, "exec-1", ExecutionStatusRunning, nil); err == nil {
		t.Error("expected error finishing with non-final status")
	}
	if err := store.FinishExecution(ctx, "missing", ExecutionStatusCompleted, nil); err == nil {
		t.Error("expected error finishing unknown execution")
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("failed to delete execution: %v", err)
	}
	if _, err := store.GetExecution(ctx, "exec-1"); err == nil {
		t.Error("expected error getting deleted execution")
	}
	if err := store.DeleteExecution(ctx, "exec-1"); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestListExecutions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"exec-a", "exec-b", "exec-c"} {
		exec := &Execution{ID: id, Procedure: "p", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("failed to create execution: %v", err)
		}
	}

	execs, err := store.ListExecutions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	if execs[0].ID != "exec-c" || execs[1].ID != "exec-b" {
		t.Errorf("expected newest first, got %s, %s", execs[0].ID, execs[1].ID)
	}

	execs, err = store.ListExecutions(ctx, 10, 2)
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != "exec-a" {
		t.Errorf("expected exec-a on second page, got %v", execs)
	}
}

func TestRecordOperation(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	start := time.Now()
	records := []engine.OperationRecord{
		{
			ID: "op-1", ExecutionID: "exec-1", Name: "send PWR_ON", Kind: "send",
			Status: engine.StatusSuccess, Attempts: 1,
			StartedAt: start, CompletedAt: start.Add(time.Second),
		},
		{
			ID: "op-2", ExecutionID: "exec-1", Name: "verify BATT_V >= 27", Kind: "verify",
			Status: engine.StatusAborted, Action: engine.ActionAbort, Attempts: 3,
			Error:     "verification failed",
			StartedAt: start.Add(time.Second), CompletedAt: start.Add(2 * time.Second),
		},
	}
	for _, rec := range records {
		if err := store.RecordOperation(ctx, rec); err != nil {
			t.Fatalf("failed to record operation: %v", err)
		}
	}

	// the execution row is created on demand
	exec, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("expected placeholder execution: %v", err)
	}
	if exec.Status != ExecutionStatusRunning {
		t.Errorf("expected placeholder status running, got %s", exec.Status)
	}

	ops, err := store.ListOperations(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(ops))
	}
	if ops[0].ID != "op-1" || ops[0].Error != nil {
		t.Errorf("unexpected first operation: %+v", ops[0])
	}
	if ops[1].Action != "ABORT" || ops[1].Attempts != 3 || ops[1].Status != engine.StatusAborted {
		t.Errorf("unexpected second operation: %+v", ops[1])
	}
	if ops[1].Error == nil || *ops[1].Error != "verification failed" {
		t.Errorf("expected error message, got %v", ops[1].Error)
	}

	if err := store.RecordOperation(ctx, records[0]); err == nil {
		t.Error("expected duplicate operation ID to fail")
	}
}

func TestDeleteExecution_Cascades(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	createTestExecution(t, store, "exec-1")
	now := time.Now()
	err := store.RecordOperation(ctx, engine.OperationRecord{
		ID: "op-1", ExecutionID: "exec-1", Name: "get X", Kind: "get",
		Status: engine.StatusSuccess, StartedAt: now, CompletedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to record operation: %v", err)
	}
	execID := "exec-1"
	if err := store.AppendNotification(ctx, &Notification{ExecutionID: &execID, Kind: "operation"}); err != nil {
		t.Fatalf("failed to append notification: %v", err)
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("failed to delete execution: %v", err)
	}

	ops, err := store.ListOperations(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("expected operations deleted by cascade, got %d", len(ops))
	}
	notes, err := store.ListNotifications(ctx, &execID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("expected notifications deleted by cascade, got %d", len(notes))
	}
}

// fixedSource serves constant telemetry values.
type fixedSource map[string]any

func (f fixedSource) Resolve(ctx context.Context, name string) (engine.ItemHandle, error) {
	if _, ok := f[name]; !ok {
		return engine.ItemHandle{}, errors.New("no such item")
	}
	return engine.ItemHandle{Name: name, Interface: "FIXED"}, nil
}

func (f fixedSource) Fetch(ctx context.Context, h engine.ItemHandle, req engine.FetchRequest) (engine.Sample, error) {
	return engine.Sample{Value: f[h.Name], Valid: true, Time: time.Now()}, nil
}

func TestRecordEvaluation(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	src := fixedSource{"BATT_V": 28.1, "MODE": "SAFE"}
	ev := verify.NewEvaluator(src,
		verify.WithRecorder(store),
		verify.WithExecutionID("exec-1"),
		verify.WithNotify(false))

	root := verify.And(
		verify.Leaf("BATT_V", verify.Ge, 27.5),
		verify.Leaf("MODE", verify.Eq, "NOMINAL"),
	)
	result, err := ev.Evaluate(ctx, root)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Value {
		t.Fatal("expected false verdict")
	}

	steps, err := store.ListSteps(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}

	if steps[0].Parameter != "BATT_V" || steps[0].Symbol != ">=" || steps[0].Annotation != verify.AnnotationOK {
		t.Errorf("unexpected first step: %+v", steps[0])
	}
	if steps[1].Parameter != "MODE" || steps[1].Annotation != verify.AnnotationNOK {
		t.Errorf("unexpected second step: %+v", steps[1])
	}
	if steps[1].Position != 1 || steps[0].EvaluationID != result.ID {
		t.Errorf("expected positions in tree order under evaluation %s", result.ID)
	}
	if steps[0].Fetches == 0 {
		t.Error("expected fetch count recorded")
	}

	if err := store.RecordEvaluation(ctx, "exec-1", result); err == nil {
		t.Error("expected duplicate evaluation to fail")
	}
	if err := store.RecordEvaluation(ctx, "exec-1", nil); err != nil {
		t.Errorf("nil evaluation should be ignored: %v", err)
	}
}

func TestNotifications(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	store.Publish(engine.Notification{
		ID: "n-1", ExecutionID: "exec-1", OperationID: "op-1",
		Kind: engine.NotifyOperation, Name: "send PWR_ON", Status: engine.StatusInProgress,
		Time: time.Now(),
	})
	store.Publish(engine.Notification{
		ID: "n-2", ExecutionID: "exec-1",
		Kind: engine.NotifyReport, Name: "report", Status: engine.StatusSuccess,
		Data: map[string]any{"lines": 2},
		Time: time.Now(),
	})
	if err := store.AppendNotification(ctx, &Notification{Kind: "prompt", Name: "unbound"}); err != nil {
		t.Fatalf("failed to append notification: %v", err)
	}

	all, err := store.ListNotifications(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(all))
	}
	if all[2].ID == "" || all[2].ExecutionID != nil {
		t.Errorf("expected generated ID and no execution, got %+v", all[2])
	}

	execID := "exec-1"
	kind := "report"
	reports, err := store.ListNotifications(ctx, &execID, &kind, 10, 0)
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].Data == nil || *reports[0].Data != `{"lines":2}` {
		t.Errorf("unexpected data: %v", reports[0].Data)
	}

	ops, err := store.ListNotifications(ctx, &execID, nil, 1, 0)
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "n-1" {
		t.Errorf("expected oldest notification first, got %v", ops)
	}
	if ops[0].OperationID == nil || *ops[0].OperationID != "op-1" {
		t.Errorf("expected operation ID, got %v", ops[0].OperationID)
	}
}

// flakySend fails once and succeeds on the resend.
type flakySend struct {
	calls int
}

func (f *flakySend) Name() string { return "send PWR_ON" }
func (f *flakySend) Kind() string { return "send" }
func (f *flakySend) Do(ctx context.Context) (engine.Outcome, error) {
	f.calls++
	if f.calls == 1 {
		return engine.Outcome{}, engine.NewDataError("rejected", nil).WithCode(engine.ErrCodeCommandRejected)
	}
	return engine.Outcome{Value: true}, nil
}
func (f *flakySend) Resend(ctx context.Context) error { return nil }

func TestControllerRecordsHistory(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	exec := engine.NewExecution(context.Background())
	defer exec.Close()

	ctrl := engine.NewController(exec, engine.NewResolver(), store, engine.WithRecorder(store))

	opts := engine.DefaultOptions()
	opts.OnFailure = engine.ActionResend
	res, err := ctrl.Execute(context.Background(), &flakySend{}, opts)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != true {
		t.Fatalf("expected true, got %v", res.Value)
	}

	ctx := context.Background()
	ops, err := store.ListOperations(ctx, exec.ID)
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if ops[0].Status != engine.StatusSuccess || ops[0].Attempts != 2 {
		t.Errorf("unexpected operation row: %+v", ops[0])
	}

	notes, err := store.ListNotifications(ctx, &exec.ID, nil, 50, 0)
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(notes) == 0 {
		t.Fatal("expected controller notifications in the log")
	}
	if last := notes[len(notes)-1]; last.Status != string(engine.StatusSuccess) {
		t.Errorf("expected final SUCCESS notification, got %s", last.Status)
	}
}
