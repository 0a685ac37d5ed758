package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine/policy"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// Executor runs a task on an external agent backend. The engine never
// constructs prompts or touches the LLM; it only hands over the task and
// receives an artifact reference plus the units actually consumed.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (ExecutionResult, error)
}

type ExecutionResult struct {
	ResultRef string
	UnitsUsed int64
}

// Mediator attempts automated reconciliation of conflicting agent outputs.
type Mediator interface {
	Mediate(ctx context.Context, c Conflict) (Resolution, error)
}

type Conflict struct {
	ProjectID   string
	ArtifactRef string
	TaskA       string
	TaskB       string
	OutputA     string
	OutputB     string
	Pass        int
}

type Resolution struct {
	Resolved  bool
	MergedRef string
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	Executor Executor
	Mediator Mediator

	waiters *waiterHub
	locks   *projectLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		Now:     time.Now,
		waiters: newWaiterHub(),
		locks:   newProjectLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) gate() policy.Gate {
	g := policy.Gate{}
	if e.Config != nil {
		g.KeywordOverrides = e.Config.Policy.Keywords
	}
	return g
}

// InitProject creates a project with its config, HITL settings and budget
// ledger seeded from defaults. The project starts in discovery.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "product-project",
		Phase:       domain.PhaseDiscovery,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.UpsertHitlSettingsTx(ctx, tx, domain.HitlSettings{
		ProjectID: p.ID,
		Enabled:   cfg.Hitl.Enabled,
		Counter:   cfg.Hitl.CounterCeiling,
		Ceiling:   cfg.Hitl.CounterCeiling,
		UpdatedAt: now,
	}); err != nil {
		return domain.Project{}, fmt.Errorf("seed hitl settings: %w", err)
	}
	if err := e.Repo.UpsertBudgetStateTx(ctx, tx, domain.BudgetState{
		ProjectID:  p.ID,
		LimitUnits: cfg.Budget.LimitUnits,
		UpdatedAt:  now,
	}); err != nil {
		return domain.Project{}, fmt.Errorf("seed budget state: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectInit, p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status, "phase": p.Phase}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AdvancePhase moves a project to its next lifecycle phase. Advancement
// is strictly sequential and gated on every task of the current phase
// being terminal. Advancing past launch completes the project.
func (e Engine) AdvancePhase(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if p.Status != "active" {
		return p, fmt.Errorf("project %s is %s; only active projects advance", projectID, p.Status)
	}
	open, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return p, err
	}
	for _, t := range open {
		switch t.Status {
		case domain.TaskPending, domain.TaskWorking, domain.TaskWaitingForApproval:
			return p, fmt.Errorf("task %s is still %s; finish or cancel it before advancing", t.ID, t.Status)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	next := p.Phase.Next()
	if next == "" {
		if err := e.Repo.UpdateProjectStatusTx(ctx, tx, p.ID, "completed"); err != nil {
			return p, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeProjectUpdated, p.ID, "project", p.ID, actorID, events.EventPayload{
			"from_status": p.Status,
			"to_status":   "completed",
		}); err != nil {
			return p, err
		}
		if err := tx.Commit(); err != nil {
			return p, err
		}
		p.Status = "completed"
		return p, nil
	}
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, p.ID, next); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseAdvanced, p.ID, "project", p.ID, actorID, events.EventPayload{
		"from": p.Phase,
		"to":   next,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Phase = next
	return p, nil
}

// SetProjectStatus pauses, resumes or fails a project.
func (e Engine) SetProjectStatus(ctx context.Context, projectID, status, actorID string) (domain.Project, error) {
	switch status {
	case "active", "paused", "failed":
	default:
		return domain.Project{}, fmt.Errorf("invalid project status %s", status)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, status); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectUpdated, projectID, "project", projectID, actorID, events.EventPayload{
		"from_status": p.Status,
		"to_status":   status,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = status
	return p, nil
}

// RecoverPending resolves every pending approval request whose expiry has
// already passed. It must run on startup before anything else: pending
// requests survive restarts and overdue ones become expired exactly as if
// the process had never stopped.
func (e Engine) RecoverPending(ctx context.Context) (int, error) {
	now := e.now().UTC().Format(time.RFC3339)
	overdue, err := e.Repo.ListOverduePending(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range overdue {
		if _, err := e.expireApproval(ctx, req.ID); err != nil {
			return expired, err
		}
		expired++
		t, err := e.Repo.GetTask(ctx, req.TaskID)
		if err != nil {
			if notFound(err) {
				continue
			}
			return expired, err
		}
		switch t.Status {
		case domain.TaskPending, domain.TaskWorking, domain.TaskWaitingForApproval:
			if _, err := e.failGatedTask(ctx, t, "approval expired while offline", "system"); err != nil {
				return expired, err
			}
		}
	}
	return expired, nil
}

// --- shared concurrency primitives ---

// waiterHub wakes awaitDecision callers when a request (or a whole
// project, on emergency stop) reaches a terminal state. Channels are pure
// wakeup signals; the terminal outcome itself is always re-read from the
// database, so the first committed write wins regardless of delivery order.
type waiterHub struct {
	mu        sync.Mutex
	byRequest map[string][]chan struct{}
	byProject map[string][]chan struct{}
}

func newWaiterHub() *waiterHub {
	return &waiterHub{
		byRequest: make(map[string][]chan struct{}),
		byProject: make(map[string][]chan struct{}),
	}
}

func (h *waiterHub) register(projectID, requestID string) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.byRequest[requestID] = append(h.byRequest[requestID], ch)
	h.byProject[projectID] = append(h.byProject[projectID], ch)
	h.mu.Unlock()
	return ch
}

func (h *waiterHub) unregister(projectID, requestID string, ch chan struct{}) {
	h.mu.Lock()
	h.byRequest[requestID] = removeChan(h.byRequest[requestID], ch)
	if len(h.byRequest[requestID]) == 0 {
		delete(h.byRequest, requestID)
	}
	h.byProject[projectID] = removeChan(h.byProject[projectID], ch)
	if len(h.byProject[projectID]) == 0 {
		delete(h.byProject, projectID)
	}
	h.mu.Unlock()
}

func (h *waiterHub) notifyRequest(requestID string) {
	h.mu.Lock()
	for _, ch := range h.byRequest[requestID] {
		signal(ch)
	}
	h.mu.Unlock()
}

func (h *waiterHub) notifyProject(projectID string) {
	h.mu.Lock()
	for _, ch := range h.byProject[projectID] {
		signal(ch)
	}
	h.mu.Unlock()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func removeChan(chans []chan struct{}, ch chan struct{}) []chan struct{} {
	for i, c := range chans {
		if c == ch {
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}

// projectLocks serializes ledger and counter mutations per project.
// Check-and-reserve must be indivisible across concurrent engine
// goroutines even before the SQL transaction commits.
type projectLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newProjectLocks() *projectLocks {
	return &projectLocks{m: make(map[string]*sync.Mutex)}
}

func (l *projectLocks) lock(projectID string) func() {
	l.mu.Lock()
	pl, ok := l.m[projectID]
	if !ok {
		pl = &sync.Mutex{}
		l.m[projectID] = pl
	}
	l.mu.Unlock()
	pl.Lock()
	return pl.Unlock
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
