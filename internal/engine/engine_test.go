package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trak/internal/activity"
	"trak/internal/config"
	"trak/internal/db"
	"trak/internal/engine"
	"trak/internal/governance"
	"trak/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	cfg := config.Default("demo")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitWorkspace(ctx, "tester"); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newStory(t *testing.T, env testEnv, featureCode, title string) string {
	t.Helper()
	if _, err := env.Engine.Repo.GetFeature(env.Ctx, featureCode); errors.Is(err, repo.ErrNotFound) {
		if _, err := env.Engine.CreateFeature(env.Ctx, featureCode, featureCode, "tester"); err != nil {
			t.Fatalf("create feature: %v", err)
		}
	}
	s, err := env.Engine.CreateStory(env.Ctx, featureCode, title, "tester")
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	return s.Code
}

func TestStoryCodesAreSequentialPerFeature(t *testing.T) {
	env := newTestEnv(t)
	if code := newStory(t, env, "VAL", "first"); code != "VAL-001" {
		t.Fatalf("first story code = %s", code)
	}
	if code := newStory(t, env, "VAL", "second"); code != "VAL-002" {
		t.Fatalf("second story code = %s", code)
	}
	if code := newStory(t, env, "AUTH", "other feature"); code != "AUTH-001" {
		t.Fatalf("sequence must restart per feature, got %s", code)
	}
}

func TestFreeFormAssignmentAccepted(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "free-form story")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		StoryCode: story,
		Title:     "Do work",
		Assignee:  "john-doe",
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Assignee == nil || *task.Assignee != "john-doe" {
		t.Fatalf("assignee not stored: %+v", task)
	}
}

func TestManagedAssignmentDenied(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "managed story")
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "backend-dev", Name: "backend-dev-val-001", Actor: "tester",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	// Versioned reference to the registered definition is accepted.
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		StoryCode: story, Title: "ok", Assignee: "backend-dev-val-001-v1", Actor: "tester",
	}); err != nil {
		t.Fatalf("compliant assignment rejected: %v", err)
	}

	// Generic role token is refused with a typed denial.
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		StoryCode: story, Title: "bad", Assignee: "backend-dev", Actor: "tester",
	})
	var ae *engine.AssignmentError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AssignmentError, got %v", err)
	}
	if ae.Denial.Kind != governance.DenialGenericRole {
		t.Fatalf("denial kind = %s", ae.Denial.Kind)
	}
	if !strings.Contains(ae.Denial.Remediation, story) {
		t.Fatalf("remediation should name the story: %s", ae.Denial.Remediation)
	}

	// The refused attempt is still on the record.
	entries, err := env.Engine.Repo.LatestActivity(env.Ctx, 10, 0, story, activity.TypeAssignmentDenied)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one denial entry, got %d", len(entries))
	}
}

func TestUpdateTaskAssignmentGoverned(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "managed story")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		StoryCode: story, Title: "unassigned", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "qa", Name: "qa-checks", Actor: "tester",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	bad := "intruder-v1"
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Assignee: &bad, Actor: "tester"})
	var ae *engine.AssignmentError
	if !errors.As(err, &ae) || ae.Denial.Kind != governance.DenialUnknownAgent {
		t.Fatalf("expected unknown_agent denial, got %v", err)
	}

	good := "qa-checks-v2"
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Assignee: &good, Actor: "tester"})
	if err != nil {
		t.Fatalf("compliant reassignment: %v", err)
	}
	if updated.Assignee == nil || *updated.Assignee != good {
		t.Fatalf("assignee not updated: %+v", updated)
	}

	// Clearing the assignment always passes.
	clear := ""
	updated, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Assignee: &clear, Actor: "tester"})
	if err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	if updated.Assignee != nil {
		t.Fatalf("assignee should be cleared: %+v", updated)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "transitions")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{StoryCode: story, Title: "work", Actor: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress", Actor: "tester"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, "tester", false)
	if err != nil || task.Status != "completed" {
		t.Fatalf("complete: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed task must carry completed_at")
	}
	// completed is terminal without force
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "todo", Actor: "tester"}); err == nil {
		t.Fatalf("expected transition error")
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "registration")

	// Name must derive from the role.
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "backend-dev", Name: "frontend-helper", Actor: "tester",
	}); err == nil {
		t.Fatalf("expected role prefix error")
	}

	// Name must not carry a version suffix.
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "backend-dev", Name: "backend-dev-v1", Actor: "tester",
	}); err == nil {
		t.Fatalf("expected version suffix error")
	}

	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "backend-dev", Name: "backend-dev-val-001", Actor: "tester",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Same name in the same scope is refused.
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "backend-dev", Name: "backend-dev-val-001", Actor: "tester",
	}); err == nil {
		t.Fatalf("expected duplicate name error")
	}

	// The same name can still exist globally.
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		Role: "backend-dev", Name: "backend-dev-val-001", Actor: "tester",
	}); err != nil {
		t.Fatalf("global registration: %v", err)
	}
}

func TestRetrospectiveFlow(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "retro story")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{StoryCode: story, Title: "work", Actor: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress", Actor: "tester"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "tester", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Strict validation fails while the retrospective is missing.
	report, err := env.Engine.ValidateStory(env.Ctx, story, true, "tester")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Passed {
		t.Fatalf("expected strict failure: %+v", report)
	}

	re, err := env.Engine.AttachRetrospective(env.Ctx, task.ID, "went fine, sqlite locking surprised us", "tester")
	if err != nil {
		t.Fatalf("attach retro: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.RetrospectiveID == nil || *got.RetrospectiveID != re.ID {
		t.Fatalf("task not linked to retro: %+v", got)
	}

	// Second retrospective on the same task is refused.
	if _, err := env.Engine.AttachRetrospective(env.Ctx, task.ID, "again", "tester"); err == nil {
		t.Fatalf("expected duplicate retro error")
	}

	report, err = env.Engine.ValidateStory(env.Ctx, story, true, "tester")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Passed {
		t.Fatalf("strict validation should pass now: %+v", report)
	}
}

func TestValidateStoryRecordsActivity(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "audited story")
	if _, err := env.Engine.ValidateStory(env.Ctx, story, false, "tester"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	entries, err := env.Engine.Repo.LatestActivity(env.Ctx, 10, 0, story, activity.TypeStoryValidated)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one validation entry, got %d", len(entries))
	}
}

func TestStoryModeFlipsOnRegistration(t *testing.T) {
	env := newTestEnv(t)
	story := newStory(t, env, "VAL", "mode story")
	mode, err := env.Engine.StoryMode(env.Ctx, story)
	if err != nil || mode != governance.ModeFreeForm {
		t.Fatalf("fresh story mode = %s, err %v", mode, err)
	}
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		StoryCode: story, Role: "qa", Name: "qa-mode", Actor: "tester",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mode, err = env.Engine.StoryMode(env.Ctx, story)
	if err != nil || mode != governance.ModeManaged {
		t.Fatalf("mode after registration = %s, err %v", mode, err)
	}
}
