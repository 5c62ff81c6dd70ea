package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	return db
}

func newTestExecution(name string) *models.LoopExecution {
	return &models.LoopExecution{
		Name:              name,
		RepoPath:          "/repo",
		PromptTemplate:    "make the tests pass",
		ValidationCommand: "go test ./...",
		PriorityClass:     "normal",
		Priority:          50,
	}
}

func TestExecutionRepository_CreateGetUpdate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	exec := newTestExecution("fix-build")
	exec.Metadata = map[string]any{"owner": "ci"}
	if err := repo.Create(ctx, exec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if exec.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if exec.Status != models.LoopStatusRunning {
		t.Fatalf("expected default status running, got %q", exec.Status)
	}

	fetched, err := repo.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Name != "fix-build" || fetched.Priority != 50 || fetched.Metadata["owner"] != "ci" {
		t.Fatalf("unexpected execution: %+v", fetched)
	}
	if fetched.LastExitCode != nil {
		t.Fatalf("expected nil exit code, got %v", *fetched.LastExitCode)
	}

	code := 1
	now := time.Now().UTC()
	fetched.Status = models.LoopStatusFailed
	fetched.Iteration = 3
	fetched.LastExitCode = &code
	fetched.LastOutput = "FAIL"
	fetched.LastError = "max iterations exceeded"
	fetched.CompletedAt = &now
	if err := repo.Update(ctx, fetched); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	updated, err := repo.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if updated.Status != models.LoopStatusFailed || updated.Iteration != 3 {
		t.Fatalf("expected failed at iteration 3, got %s/%d", updated.Status, updated.Iteration)
	}
	if updated.LastExitCode == nil || *updated.LastExitCode != 1 {
		t.Fatalf("expected exit code 1, got %v", updated.LastExitCode)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(now) {
		t.Fatalf("expected completed_at %v, got %v", now, updated.CompletedAt)
	}
}

func TestExecutionRepository_Errors(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}

	exec := newTestExecution("dup")
	if err := repo.Create(ctx, exec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	again := newTestExecution("dup")
	again.ID = exec.ID
	if err := repo.Create(ctx, again); !errors.Is(err, ErrExecutionAlreadyExists) {
		t.Fatalf("expected ErrExecutionAlreadyExists, got %v", err)
	}

	missing := newTestExecution("ghost")
	missing.ID = "ghost"
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound on update, got %v", err)
	}

	invalid := &models.LoopExecution{Name: "x"}
	if err := repo.Create(ctx, invalid); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestExecutionRepository_ListAndResolve(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	a := newTestExecution("alpha")
	b := newTestExecution("beta")
	b.Status = models.LoopStatusComplete
	for _, exec := range []*models.LoopExecution{a, b} {
		if err := repo.Create(ctx, exec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(all))
	}

	running, err := repo.List(ctx, models.LoopStatusRunning, models.LoopStatusPaused)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(running) != 1 || running[0].Name != "alpha" {
		t.Fatalf("expected only alpha, got %+v", running)
	}

	for _, ref := range []string{a.ID, "alpha", a.ID[:8]} {
		got, err := repo.Resolve(ctx, ref)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", ref, err)
		}
		if got.ID != a.ID {
			t.Fatalf("Resolve(%q) = %s, want %s", ref, got.ID, a.ID)
		}
	}
	if _, err := repo.Resolve(ctx, "nope"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestProgressRepository_Iterations(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	execs := NewExecutionRepository(db)
	repo := NewProgressRepository(db)
	ctx := context.Background()

	exec := newTestExecution("records")
	if err := execs.Create(ctx, exec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 1; i <= 4; i++ {
		code := i
		summary := &models.IterationSummary{
			ExecutionID: exec.ID,
			Iteration:   i,
			Outcome:     models.OutcomeContinue,
			ExitCode:    &code,
			Response:    "attempt",
			Tools:       []models.ToolInvocation{{Name: "read_file", Input: `{"path":"a"}`}},
			Turns:       2,
			Duration:    time.Second,
		}
		if err := repo.RecordIteration(ctx, summary); err != nil {
			t.Fatalf("RecordIteration failed: %v", err)
		}
	}

	recent, err := repo.RecentIterations(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("RecentIterations failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Iteration != 3 || recent[1].Iteration != 4 {
		t.Fatalf("expected iterations 3,4 in order, got %+v", recent)
	}
	if len(recent[1].Tools) != 1 || recent[1].Tools[0].Name != "read_file" {
		t.Fatalf("expected tool invocations to round-trip, got %+v", recent[1].Tools)
	}

	all, err := repo.RecentIterations(ctx, exec.ID, 0)
	if err != nil {
		t.Fatalf("RecentIterations failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
}

func TestProgressRepository_Notes(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	execs := NewExecutionRepository(db)
	repo := NewProgressRepository(db)
	ctx := context.Background()

	exec := newTestExecution("notes")
	if err := execs.Create(ctx, exec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first := &Note{ExecutionID: exec.ID, Kind: "alert", Sender: "watcher", Body: "main is red"}
	second := &Note{ExecutionID: exec.ID, Kind: "share", Body: "use the new API"}
	for _, note := range []*Note{first, second} {
		if err := repo.AddNote(ctx, note); err != nil {
			t.Fatalf("AddNote failed: %v", err)
		}
	}
	if err := repo.AddNote(ctx, &Note{ExecutionID: exec.ID, Kind: "alert"}); err == nil {
		t.Fatal("expected empty body to be rejected")
	}

	pending, err := repo.PendingNotes(ctx, exec.ID)
	if err != nil {
		t.Fatalf("PendingNotes failed: %v", err)
	}
	if len(pending) != 2 || pending[0].Sender != "watcher" {
		t.Fatalf("unexpected pending notes: %+v", pending)
	}

	marked, err := repo.MarkNotesDelivered(ctx, exec.ID, first.ID)
	if err != nil {
		t.Fatalf("MarkNotesDelivered failed: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 note marked, got %d", marked)
	}

	pending, err = repo.PendingNotes(ctx, exec.ID)
	if err != nil {
		t.Fatalf("PendingNotes failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only the second note pending, got %+v", pending)
	}
}

func TestControlRepository_Queue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewControlRepository(db)
	ctx := context.Background()

	if _, err := repo.Peek(ctx); !errors.Is(err, ErrControlQueueEmpty) {
		t.Fatalf("expected ErrControlQueueEmpty, got %v", err)
	}

	msg, err := models.NewMessageControl(models.CoordinationMessage{Kind: models.MessageAlert, To: "loop-a", Payload: "heads up"})
	if err != nil {
		t.Fatalf("NewMessageControl failed: %v", err)
	}
	pause := &models.ControlItem{Target: "loop-a", Action: models.ControlPause}
	if err := repo.Enqueue(ctx, msg, pause); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	resume := &models.ControlItem{Target: "loop-b", Action: models.ControlResume}
	if err := repo.Enqueue(ctx, resume); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	head, err := repo.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if head.ID != msg.ID {
		t.Fatalf("expected message first, got %s", head.Action)
	}
	decoded, err := head.Message()
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if decoded.Payload != "heads up" {
		t.Fatalf("unexpected payload %q", decoded.Payload)
	}

	if err := repo.MarkDispatched(ctx, msg.ID); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if err := repo.MarkFailed(ctx, pause.ID, "loop not running"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	pending, err := repo.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != resume.ID {
		t.Fatalf("expected only resume pending, got %+v", pending)
	}

	items, err := repo.List(ctx, "loop-a")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 || items[1].Status != models.ControlStatusFailed || items[1].Error != "loop not running" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if items[0].DispatchedAt == nil {
		t.Fatal("expected dispatched_at to be set")
	}

	cleared, err := repo.Clear(ctx, "loop-b")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}

	if err := repo.MarkDispatched(ctx, "missing"); !errors.Is(err, ErrControlItemNotFound) {
		t.Fatalf("expected ErrControlItemNotFound, got %v", err)
	}
}

func TestControlRepository_RejectsInvalid(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewControlRepository(db)
	err := repo.Enqueue(context.Background(), &models.ControlItem{Target: "*", Action: models.ControlPause})
	if err == nil {
		t.Fatal("expected broadcast pause to be rejected")
	}
}
