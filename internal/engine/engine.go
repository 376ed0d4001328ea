package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trak/internal/activity"
	"trak/internal/config"
	"trak/internal/domain"
	"trak/internal/governance"
	"trak/internal/identifier"
	"trak/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) policy() governance.Policy {
	p := governance.Policy{Registry: e.Repo}
	if e.Config != nil {
		p.KnownRoles = e.Config.Governance.Roles
	}
	return p
}

func (e Engine) pipeline() governance.Pipeline {
	return governance.Pipeline{Registry: e.Repo, Policy: e.policy(), Tasks: e.Repo}
}

// AssignmentError is returned when governance refuses a proposed assignee.
// The denial is structured so the CLI and daemon can render kind, detail and
// remediation without parsing the message.
type AssignmentError struct {
	StoryCode string
	Assignee  string
	Denial    governance.Denial
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("assignment of %q denied on story %s: %s", e.Assignee, e.StoryCode, e.Denial.Detail)
}

// InitWorkspace stores the config snapshot after migrations have run.
func (e Engine) InitWorkspace(ctx context.Context, actor string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertConfigTx(ctx, tx, e.Config); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	return tx.Commit()
}

func (e Engine) CreateFeature(ctx context.Context, code, name, actor string) (domain.Feature, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Feature{}, errors.New("code is required")
	}
	if strings.Contains(code, " ") {
		return domain.Feature{}, fmt.Errorf("feature code %q must not contain spaces", code)
	}
	if name == "" {
		name = code
	}
	f := domain.Feature{
		Code:      code,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertFeature(ctx, tx, f); err != nil {
		return domain.Feature{}, fmt.Errorf("insert feature: %w", err)
	}
	if err := e.Activity.Append(ctx, tx, activity.TypeFeatureCreated, "", "feature", f.Code, actor, activity.Payload{"name": f.Name}); err != nil {
		return domain.Feature{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Feature{}, err
	}
	return f, nil
}

// CreateStory mints the next code in the feature's sequence. The sequence
// read and the insert share one transaction, so codes are dense and unique
// even under concurrent creates.
func (e Engine) CreateStory(ctx context.Context, featureCode, title, actor string) (domain.Story, error) {
	featureCode = strings.ToUpper(strings.TrimSpace(featureCode))
	if title == "" {
		return domain.Story{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetFeature(ctx, featureCode); err != nil {
		return domain.Story{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.NextStorySeq(ctx, tx, featureCode)
	if err != nil {
		return domain.Story{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Story{
		Code:        fmt.Sprintf("%s-%03d", featureCode, seq),
		FeatureCode: featureCode,
		Seq:         seq,
		Title:       title,
		Status:      "draft",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertStory(ctx, tx, s); err != nil {
		return domain.Story{}, fmt.Errorf("insert story: %w", err)
	}
	if err := e.Activity.Append(ctx, tx, activity.TypeStoryCreated, s.Code, "story", s.Code, actor, activity.Payload{"title": s.Title}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

func (e Engine) SetStoryStatus(ctx context.Context, code, status, actor string, force bool) (domain.Story, error) {
	s, err := e.Repo.GetStory(ctx, code)
	if err != nil {
		return s, err
	}
	if err := ensureStoryTransition(s.Status, status, force); err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	from := s.Status
	s.Status = status
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStoryStatus(ctx, tx, s.Code, s.Status, s.UpdatedAt); err != nil {
		return s, err
	}
	if err := e.Activity.Append(ctx, tx, activity.TypeStoryStatus, s.Code, "story", s.Code, actor, activity.Payload{
		"from_status": from,
		"to_status":   s.Status,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID        string
	StoryCode string
	Title     string
	Assignee  string
	Actor     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.StoryCode == "" {
		return domain.Task{}, errors.New("story is required")
	}
	if _, err := e.Repo.GetStory(ctx, opts.StoryCode); err != nil {
		return domain.Task{}, err
	}
	assignee := optionalString(opts.Assignee)
	if err := e.checkAssignment(ctx, opts.StoryCode, "", assignee, opts.Actor); err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.StoryCode+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:        id,
		StoryCode: opts.StoryCode,
		Title:     opts.Title,
		Assignee:  assignee,
		Status:    "todo",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	payload := activity.Payload{"title": t.Title, "status": t.Status}
	if t.Assignee != nil {
		payload["assignee"] = *t.Assignee
	}
	if err := e.Activity.Append(ctx, tx, activity.TypeTaskCreated, t.StoryCode, "task", t.ID, opts.Actor, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions are parameters for updating a task. Nil fields are left
// unchanged; an Assignee pointing at the empty string clears the assignment.
type TaskUpdateOptions struct {
	ID       string
	Title    *string
	Assignee *string
	Status   string
	Actor    string
	Force    bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	original := t
	if opts.Title != nil && *opts.Title != "" {
		t.Title = *opts.Title
	}
	if opts.Assignee != nil {
		next := optionalString(*opts.Assignee)
		if err := e.checkAssignment(ctx, t.StoryCode, t.ID, next, opts.Actor); err != nil {
			return original, err
		}
		t.Assignee = next
	}
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status, opts.Force); err != nil {
			return original, err
		}
		t.Status = opts.Status
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.UpdatedAt = now
	if t.Status == "completed" && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return original, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return original, err
	}
	entryType := activity.TypeTaskUpdated
	if t.Status == "completed" && original.Status != "completed" {
		entryType = activity.TypeTaskCompleted
	}
	if err := e.Activity.Append(ctx, tx, entryType, t.StoryCode, "task", t.ID, opts.Actor, activity.Payload{
		"from_status": original.Status,
		"to_status":   t.Status,
	}); err != nil {
		return original, err
	}
	if err := tx.Commit(); err != nil {
		return original, err
	}
	return t, nil
}

// CompleteTask moves a task to completed.
func (e Engine) CompleteTask(ctx context.Context, id, actor string, force bool) (domain.Task, error) {
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: "completed", Actor: actor, Force: force})
}

// checkAssignment consults governance and, on denial, records the refusal in
// its own committed transaction before returning the typed error. The denied
// mutation itself never happens, but the attempt is auditable.
func (e Engine) checkAssignment(ctx context.Context, storyCode, taskID string, assignee *string, actor string) error {
	decision, err := e.policy().ValidateAssignment(ctx, storyCode, assignee)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Activity.Append(ctx, tx, activity.TypeAssignmentDenied, storyCode, "task", taskID, actor, activity.Payload{
		"assignee": *assignee,
		"kind":     string(decision.Denial.Kind),
		"detail":   decision.Denial.Detail,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return &AssignmentError{StoryCode: storyCode, Assignee: *assignee, Denial: *decision.Denial}
}

// AgentRegisterOptions are parameters for registering an agent definition.
// An empty StoryCode registers a global definition.
type AgentRegisterOptions struct {
	StoryCode string
	Role      string
	Name      string
	Actor     string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.AgentDefinition, error) {
	role := strings.TrimSpace(opts.Role)
	name := strings.TrimSpace(opts.Name)
	if role == "" {
		return domain.AgentDefinition{}, errors.New("role is required")
	}
	if name == "" {
		return domain.AgentDefinition{}, errors.New("name is required")
	}
	if name != role && !strings.HasPrefix(name, role+"-") {
		return domain.AgentDefinition{}, fmt.Errorf("name %q must be the role %q or start with %q", name, role, role+"-")
	}
	if c := identifier.Classify(name); c.Kind == identifier.Versioned {
		return domain.AgentDefinition{}, fmt.Errorf("name %q carries a version suffix; register %q and assign %q instead", name, c.BaseName, name)
	}
	var storyCode *string
	if opts.StoryCode != "" {
		if _, err := e.Repo.GetStory(ctx, opts.StoryCode); err != nil {
			return domain.AgentDefinition{}, err
		}
		storyCode = &opts.StoryCode
	}
	a := domain.AgentDefinition{
		ID:        uuid.NewString(),
		Role:      role,
		Name:      name,
		StoryCode: storyCode,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentDefinition{}, err
	}
	defer tx.Rollback()

	taken, err := e.Repo.AgentNameTaken(ctx, tx, storyCode, name)
	if err != nil {
		return domain.AgentDefinition{}, err
	}
	if taken {
		scope := "globally"
		if storyCode != nil {
			scope = "for story " + *storyCode
		}
		return domain.AgentDefinition{}, fmt.Errorf("agent definition %q already registered %s", name, scope)
	}
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.AgentDefinition{}, err
	}
	if err := e.Activity.Append(ctx, tx, activity.TypeAgentRegistered, opts.StoryCode, "agent", a.ID, opts.Actor, activity.Payload{
		"role": a.Role,
		"name": a.Name,
	}); err != nil {
		return domain.AgentDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentDefinition{}, err
	}
	return a, nil
}

// AttachRetrospective records a retrospective and links it to the task.
func (e Engine) AttachRetrospective(ctx context.Context, taskID, summary, actor string) (domain.Retrospective, error) {
	if strings.TrimSpace(summary) == "" {
		return domain.Retrospective{}, errors.New("summary is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Retrospective{}, err
	}
	if t.RetrospectiveID != nil {
		return domain.Retrospective{}, fmt.Errorf("task %s already has retrospective %s", t.ID, *t.RetrospectiveID)
	}
	re := domain.Retrospective{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		StoryCode: t.StoryCode,
		Summary:   summary,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Retrospective{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRetrospective(ctx, tx, re); err != nil {
		return domain.Retrospective{}, err
	}
	t.RetrospectiveID = &re.ID
	t.UpdatedAt = re.CreatedAt
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Retrospective{}, err
	}
	if err := e.Activity.Append(ctx, tx, activity.TypeRetroAttached, t.StoryCode, "retrospective", re.ID, actor, activity.Payload{
		"task_id": t.ID,
	}); err != nil {
		return domain.Retrospective{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Retrospective{}, err
	}
	return re, nil
}

// ValidateStory runs the gate pipeline and records the outcome.
func (e Engine) ValidateStory(ctx context.Context, storyCode string, strict bool, actor string) (governance.Report, error) {
	if _, err := e.Repo.GetStory(ctx, storyCode); err != nil {
		return governance.Report{}, err
	}
	report, err := e.pipeline().Run(ctx, storyCode, strict)
	if err != nil {
		return report, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	if err := e.Activity.Append(ctx, tx, activity.TypeStoryValidated, storyCode, "story", storyCode, actor, activity.Payload{
		"strict": report.Strict,
		"passed": report.Passed,
		"gates":  len(report.Gates),
	}); err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// StoryMode exposes the derived governance mode for display.
func (e Engine) StoryMode(ctx context.Context, storyCode string) (governance.Mode, error) {
	if _, err := e.Repo.GetStory(ctx, storyCode); err != nil {
		return governance.ModeFreeForm, err
	}
	return e.policy().StoryMode(ctx, storyCode)
}

func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "todo":
		if newStatus == "in_progress" || newStatus == "cancelled" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "cancelled" || newStatus == "todo" {
			return nil
		}
	case "cancelled":
		if newStatus == "todo" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

func ensureStoryTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "draft":
		if newStatus == "ready" || newStatus == "cancelled" {
			return nil
		}
	case "ready":
		if newStatus == "in_progress" || newStatus == "draft" || newStatus == "cancelled" {
			return nil
		}
	case "in_progress":
		if newStatus == "done" || newStatus == "cancelled" {
			return nil
		}
	case "cancelled":
		if newStatus == "draft" {
			return nil
		}
	}
	return fmt.Errorf("invalid story status transition %s -> %s", oldStatus, newStatus)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
