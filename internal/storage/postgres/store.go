// Package postgres is the PostgreSQL storage collaborator built on pgxpool
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseURLEnv is consulted when Open is called without a DSN
const DatabaseURLEnv = "TASKFLOW_DATABASE_URL"

// Store is the PostgreSQL implementation of storage.Store
type Store struct {
	Pool   *pgxpool.Pool
	policy graph.RequiredPolicy
}

var _ storage.Store = (*Store)(nil)

// Open connects a pool and runs pending migrations
func Open(ctx context.Context, dsn string, policy graph.RequiredPolicy) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv(DatabaseURLEnv)
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN or %s required", DatabaseURLEnv)
	}
	if policy == "" {
		policy = graph.RequireCompleted
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool, policy: policy}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate runs embedded migrations not yet recorded in schema_migrations
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	type mig struct {
		version   int
		name, sql string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration version in %s", f.Name())
		}
		if applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
		logger.Op.Debugf("Applied migration %s", m.name)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return taskerrors.NewStorageError(what, err)
}

const familyTaskColumns = `id, family_id, template_id, status, assignee_id`

func scanFamilyTask(row pgx.Row) (models.FamilyTaskInstance, error) {
	var inst models.FamilyTaskInstance
	var status string
	if err := row.Scan(&inst.ID, &inst.FamilyID, &inst.TemplateID, &status, &inst.AssigneeID); err != nil {
		return models.FamilyTaskInstance{}, err
	}
	inst.Status = models.TaskStatus(status)
	return inst, nil
}

func (s *Store) GetFamilyTasks(ctx context.Context, familyID string) ([]models.FamilyTaskInstance, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+familyTaskColumns+` FROM family_tasks WHERE family_id = $1 ORDER BY template_id`, familyID)
	if err != nil {
		return nil, taskerrors.NewStorageError("get family tasks", err)
	}
	defer rows.Close()
	out := []models.FamilyTaskInstance{}
	for rows.Next() {
		inst, err := scanFamilyTask(rows)
		if err != nil {
			return nil, taskerrors.NewStorageError("get family tasks", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) GetFamilyTask(ctx context.Context, instanceID string) (models.FamilyTaskInstance, error) {
	inst, err := scanFamilyTask(s.Pool.QueryRow(ctx, `SELECT `+familyTaskColumns+` FROM family_tasks WHERE id = $1`, instanceID))
	if err != nil {
		return models.FamilyTaskInstance{}, notFound(err, "family task "+instanceID)
	}
	return inst, nil
}

func (s *Store) GetFamilyTaskByFamilyAndTask(ctx context.Context, familyID, templateID string) (models.FamilyTaskInstance, error) {
	inst, err := scanFamilyTask(s.Pool.QueryRow(ctx,
		`SELECT `+familyTaskColumns+` FROM family_tasks WHERE family_id = $1 AND template_id = $2`, familyID, templateID))
	if err != nil {
		return models.FamilyTaskInstance{}, notFound(err, fmt.Sprintf("task %s in family %s", templateID, familyID))
	}
	return inst, nil
}

// UpdateFamilyTaskStatus performs the compare-and-swap in a single
// conditional UPDATE ... RETURNING
func (s *Store) UpdateFamilyTaskStatus(ctx context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error) {
	if err := storage.CheckStep(instanceID, expected, next); err != nil {
		return models.FamilyTaskInstance{}, err
	}
	inst, err := scanFamilyTask(s.Pool.QueryRow(ctx, `
UPDATE family_tasks SET status = $1, updated_at = now()
WHERE id = $2 AND status = $3
RETURNING `+familyTaskColumns, string(next), instanceID, string(expected)))
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.FamilyTaskInstance{}, taskerrors.NewStorageError("update family task status", err)
	}
	current, err := s.GetFamilyTask(ctx, instanceID)
	if err != nil {
		return models.FamilyTaskInstance{}, err
	}
	if err := storage.CheckTransition(current, expected, next); err != nil {
		return models.FamilyTaskInstance{}, err
	}
	return models.FamilyTaskInstance{}, taskerrors.NewStatusConflictError(instanceID, string(expected), string(current.Status)).
		WithOriginalError(storage.ErrStatusConflict)
}

func (s *Store) AssignFamilyTask(ctx context.Context, instanceID, userID string) (models.FamilyTaskInstance, error) {
	inst, err := scanFamilyTask(s.Pool.QueryRow(ctx,
		`UPDATE family_tasks SET assignee_id = $1, updated_at = now() WHERE id = $2 RETURNING `+familyTaskColumns,
		userID, instanceID))
	if err != nil {
		return models.FamilyTaskInstance{}, notFound(err, "family task "+instanceID)
	}
	return inst, nil
}

func (s *Store) CreateFamilyTask(ctx context.Context, instance models.FamilyTaskInstance) error {
	if instance.Status == "" {
		instance.Status = models.StatusNotStarted
	}
	if !instance.Status.Valid() {
		return fmt.Errorf("family task %s: invalid status %q", instance.ID, instance.Status)
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO family_tasks(id, family_id, template_id, status, assignee_id, updated_at)
VALUES($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, assignee_id = EXCLUDED.assignee_id, updated_at = now()`,
		instance.ID, instance.FamilyID, instance.TemplateID, string(instance.Status), instance.AssigneeID)
	if err != nil {
		return taskerrors.NewStorageError("create family task", err)
	}
	return nil
}

func (s *Store) queryEdges(ctx context.Context, op, where string, args ...any) ([]models.DependencyEdge, error) {
	rows, err := s.Pool.Query(ctx, `SELECT task_id, depends_on_task_id, dependency_type FROM task_dependencies `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, taskerrors.NewStorageError(op, err)
	}
	defer rows.Close()
	var out []models.DependencyEdge
	for rows.Next() {
		var e models.DependencyEdge
		var typ string
		if err := rows.Scan(&e.TaskID, &e.DependsOnTaskID, &typ); err != nil {
			return nil, taskerrors.NewStorageError(op, err)
		}
		e.Type = models.DependencyType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetTasksBlockedBy(ctx context.Context, templateID string) ([]models.DependencyEdge, error) {
	return s.queryEdges(ctx, "get tasks blocked by", `WHERE depends_on_task_id = $1`, templateID)
}

func (s *Store) ValidateDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error) {
	edges, err := s.queryEdges(ctx, "validate dependencies", `WHERE task_id = $1`, templateID)
	if err != nil {
		return models.DependencyStatus{}, err
	}
	instances, err := s.GetFamilyTasks(ctx, familyID)
	if err != nil {
		return models.DependencyStatus{}, err
	}
	return storage.Readiness(templateID, edges, instances, s.policy), nil
}

func (s *Store) ListDependencies(ctx context.Context) ([]models.DependencyEdge, error) {
	return s.queryEdges(ctx, "list dependencies", ``)
}

func (s *Store) SaveDependency(ctx context.Context, edge models.DependencyEdge) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO task_dependencies(task_id, depends_on_task_id, dependency_type) VALUES($1, $2, $3)
ON CONFLICT (task_id, depends_on_task_id) DO UPDATE SET dependency_type = EXCLUDED.dependency_type`,
		edge.TaskID, edge.DependsOnTaskID, string(edge.Type))
	if err != nil {
		return taskerrors.NewStorageError("save dependency", err)
	}
	return nil
}

func (s *Store) DeleteDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM task_dependencies WHERE task_id = $1 AND depends_on_task_id = $2`, taskID, dependsOnTaskID)
	if err != nil {
		return taskerrors.NewStorageError("delete dependency", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", taskID, dependsOnTaskID, storage.ErrNotFound)
	}
	return nil
}

const ruleColumns = `id, name, is_active, trigger_condition, trigger_task_id, trigger_status, action,
  action_target_task_id, action_target_user_id, notification_type, target_type`

func (s *Store) queryRules(ctx context.Context, op, where string, args ...any) ([]models.WorkflowRule, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM workflow_rules `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, taskerrors.NewStorageError(op, err)
	}
	defer rows.Close()
	var out []models.WorkflowRule
	for rows.Next() {
		var d models.RuleDefinition
		if err := rows.Scan(&d.ID, &d.Name, &d.IsActive, &d.TriggerCondition, &d.TriggerTaskID, &d.TriggerStatus,
			&d.Action, &d.ActionTargetTaskID, &d.ActionTargetUserID, &d.NotificationType, &d.TargetType); err != nil {
			return nil, taskerrors.NewStorageError(op, err)
		}
		rule, err := d.Rule()
		if err != nil {
			logger.Op.WithFields(map[string]interface{}{"rule_id": d.ID}).WithError(err).Warn("Skipping malformed workflow rule")
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *Store) GetWorkflowRulesForTask(ctx context.Context, templateID string) ([]models.WorkflowRule, error) {
	return s.queryRules(ctx, "get workflow rules for task", `WHERE is_active AND trigger_task_id = $1`, templateID)
}

func (s *Store) GetActiveWorkflowRules(ctx context.Context) ([]models.WorkflowRule, error) {
	return s.queryRules(ctx, "get active workflow rules", `WHERE is_active`)
}

func (s *Store) SaveWorkflowRule(ctx context.Context, rule models.WorkflowRule) error {
	if err := storage.CheckRule(rule); err != nil {
		return err
	}
	d := rule.Definition()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO workflow_rules(`+ruleColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name, is_active = EXCLUDED.is_active, trigger_condition = EXCLUDED.trigger_condition,
  trigger_task_id = EXCLUDED.trigger_task_id, trigger_status = EXCLUDED.trigger_status, action = EXCLUDED.action,
  action_target_task_id = EXCLUDED.action_target_task_id, action_target_user_id = EXCLUDED.action_target_user_id,
  notification_type = EXCLUDED.notification_type, target_type = EXCLUDED.target_type`,
		d.ID, d.Name, d.IsActive, d.TriggerCondition, d.TriggerTaskID, d.TriggerStatus, d.Action,
		d.ActionTargetTaskID, d.ActionTargetUserID, d.NotificationType, d.TargetType)
	if err != nil {
		return taskerrors.NewStorageError("save workflow rule", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := s.Pool.QueryRow(ctx, `SELECT id, name, email, family_id FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Name, &u.Email, &u.FamilyID)
	if err != nil {
		return models.User{}, notFound(err, "user "+userID)
	}
	return u, nil
}

func (s *Store) GetFamilyWithMembers(ctx context.Context, familyID string) (models.Family, error) {
	var f models.Family
	if err := s.Pool.QueryRow(ctx, `SELECT id, name FROM families WHERE id = $1`, familyID).Scan(&f.ID, &f.Name); err != nil {
		return models.Family{}, notFound(err, "family "+familyID)
	}
	rows, err := s.Pool.Query(ctx, `SELECT id, name, email, family_id FROM users WHERE family_id = $1 ORDER BY id`, familyID)
	if err != nil {
		return models.Family{}, taskerrors.NewStorageError("get family members", err)
	}
	defer rows.Close()
	f.Members = []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.FamilyID); err != nil {
			return models.Family{}, taskerrors.NewStorageError("get family members", err)
		}
		f.Members = append(f.Members, u)
	}
	return f, rows.Err()
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.TaskTemplate, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, title, description, category FROM task_templates ORDER BY id`)
	if err != nil {
		return nil, taskerrors.NewStorageError("list templates", err)
	}
	defer rows.Close()
	out := []models.TaskTemplate{}
	for rows.Next() {
		var t models.TaskTemplate
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Category); err != nil {
			return nil, taskerrors.NewStorageError("list templates", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SaveTemplate(ctx context.Context, t models.TaskTemplate) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO task_templates(id, title, description, category) VALUES($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description, category = EXCLUDED.category`,
		t.ID, t.Title, t.Description, t.Category)
	if err != nil {
		return taskerrors.NewStorageError("save template", err)
	}
	return nil
}

const upsertUser = `
INSERT INTO users(id, name, email, family_id) VALUES($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, family_id = EXCLUDED.family_id`

func (s *Store) SaveFamily(ctx context.Context, family models.Family) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO families(id, name) VALUES($1, $2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
			family.ID, family.Name); err != nil {
			return taskerrors.NewStorageError("save family", err)
		}
		for _, m := range family.Members {
			if _, err := tx.Exec(ctx, upsertUser, m.ID, m.Name, m.Email, family.ID); err != nil {
				return taskerrors.NewStorageError("save family member", err)
			}
		}
		return nil
	})
}

func (s *Store) SaveUser(ctx context.Context, u models.User) error {
	if _, err := s.Pool.Exec(ctx, upsertUser, u.ID, u.Name, u.Email, u.FamilyID); err != nil {
		return taskerrors.NewStorageError("save user", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, r storage.EventRecord) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO automation_events(kind, family_id, correlation_id, occurred_at, payload) VALUES($1, $2, $3, $4, $5)`,
		r.Kind, r.FamilyID, r.CorrelationID, r.Timestamp.UTC(), r.Payload)
	if err != nil {
		return taskerrors.NewStorageError("append event", err)
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...any) ([]storage.EventRecord, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, taskerrors.NewStorageError(op, err)
	}
	defer rows.Close()
	var out []storage.EventRecord
	for rows.Next() {
		var r storage.EventRecord
		if err := rows.Scan(&r.Seq, &r.Kind, &r.FamilyID, &r.CorrelationID, &r.Timestamp, &r.Payload); err != nil {
			return nil, taskerrors.NewStorageError(op, err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]storage.EventRecord, error) {
	return s.queryEvents(ctx, "list events by correlation",
		`SELECT seq, kind, family_id, correlation_id, occurred_at, payload FROM automation_events WHERE correlation_id = $1 ORDER BY seq`,
		correlationID)
}

func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.queryEvents(ctx, "list recent events",
		`SELECT seq, kind, family_id, correlation_id, occurred_at, payload FROM automation_events ORDER BY seq DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
