// Package sqlite is the SQLite storage collaborator, backed by the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite implementation of storage.Store
type Store struct {
	DB     *sql.DB
	policy graph.RequiredPolicy
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path and runs
// pending migrations
func Open(ctx context.Context, path string, policy graph.RequiredPolicy) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if policy == "" {
		policy = graph.RequireCompleted
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{DB: db, policy: policy}
	if err := s.initPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Op.WithFields(map[string]interface{}{"path": path, "policy": string(policy)}).Debug("Opened sqlite store")
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrate applies every embedded migration not yet recorded in schema_migrations
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(f.Name())
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: f.Name(), SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		logger.Op.Debugf("Applied migration %s", m.Name)
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	v, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}

const familyTaskColumns = `id, family_id, template_id, status, assignee_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanFamilyTask(row scanner) (models.FamilyTaskInstance, error) {
	var inst models.FamilyTaskInstance
	var status string
	if err := row.Scan(&inst.ID, &inst.FamilyID, &inst.TemplateID, &status, &inst.AssigneeID); err != nil {
		return models.FamilyTaskInstance{}, err
	}
	inst.Status = models.TaskStatus(status)
	return inst, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return taskerrors.NewStorageError(what, err)
}

func (s *Store) GetFamilyTasks(ctx context.Context, familyID string) ([]models.FamilyTaskInstance, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+familyTaskColumns+` FROM family_tasks WHERE family_id = ? ORDER BY template_id`, familyID)
	if err != nil {
		return nil, taskerrors.NewStorageError("get family tasks", err)
	}
	defer func() { _ = rows.Close() }()
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
	row := s.DB.QueryRowContext(ctx, `SELECT `+familyTaskColumns+` FROM family_tasks WHERE id = ?`, instanceID)
	inst, err := scanFamilyTask(row)
	if err != nil {
		return models.FamilyTaskInstance{}, notFound(err, "family task "+instanceID)
	}
	return inst, nil
}

func (s *Store) GetFamilyTaskByFamilyAndTask(ctx context.Context, familyID, templateID string) (models.FamilyTaskInstance, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+familyTaskColumns+` FROM family_tasks WHERE family_id = ? AND template_id = ?`, familyID, templateID)
	inst, err := scanFamilyTask(row)
	if err != nil {
		return models.FamilyTaskInstance{}, notFound(err, fmt.Sprintf("task %s in family %s", templateID, familyID))
	}
	return inst, nil
}

func (s *Store) UpdateFamilyTaskStatus(ctx context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error) {
	if err := storage.CheckStep(instanceID, expected, next); err != nil {
		return models.FamilyTaskInstance{}, err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE family_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().UTC().Unix(), instanceID, string(expected))
	if err != nil {
		return models.FamilyTaskInstance{}, taskerrors.NewStorageError("update family task status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.FamilyTaskInstance{}, taskerrors.NewStorageError("update family task status", err)
	}
	current, err := s.GetFamilyTask(ctx, instanceID)
	if err != nil {
		return models.FamilyTaskInstance{}, err
	}
	if n == 0 {
		return models.FamilyTaskInstance{}, conflict(current, expected, next)
	}
	return current, nil
}

// conflict reports a lost compare-and-swap
func conflict(current models.FamilyTaskInstance, expected, next models.TaskStatus) error {
	if err := storage.CheckTransition(current, expected, next); err != nil {
		return err
	}
	return taskerrors.NewStatusConflictError(current.ID, string(expected), string(current.Status)).
		WithOriginalError(storage.ErrStatusConflict)
}

func (s *Store) AssignFamilyTask(ctx context.Context, instanceID, userID string) (models.FamilyTaskInstance, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE family_tasks SET assignee_id = ?, updated_at = ? WHERE id = ?`,
		userID, time.Now().UTC().Unix(), instanceID)
	if err != nil {
		return models.FamilyTaskInstance{}, taskerrors.NewStorageError("assign family task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.FamilyTaskInstance{}, fmt.Errorf("family task %s: %w", instanceID, storage.ErrNotFound)
	}
	return s.GetFamilyTask(ctx, instanceID)
}

func (s *Store) CreateFamilyTask(ctx context.Context, instance models.FamilyTaskInstance) error {
	if instance.Status == "" {
		instance.Status = models.StatusNotStarted
	}
	if !instance.Status.Valid() {
		return fmt.Errorf("family task %s: invalid status %q", instance.ID, instance.Status)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO family_tasks(id, family_id, template_id, status, assignee_id, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, assignee_id = excluded.assignee_id, updated_at = excluded.updated_at`,
		instance.ID, instance.FamilyID, instance.TemplateID, string(instance.Status), instance.AssigneeID, time.Now().UTC().Unix())
	if err != nil {
		return taskerrors.NewStorageError("create family task", err)
	}
	return nil
}

func (s *Store) queryEdges(ctx context.Context, op, where string, args ...any) ([]models.DependencyEdge, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT task_id, depends_on_task_id, dependency_type FROM task_dependencies `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, taskerrors.NewStorageError(op, err)
	}
	defer func() { _ = rows.Close() }()
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
	return s.queryEdges(ctx, "get tasks blocked by", `WHERE depends_on_task_id = ?`, templateID)
}

func (s *Store) ValidateDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error) {
	edges, err := s.queryEdges(ctx, "validate dependencies", `WHERE task_id = ?`, templateID)
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
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO task_dependencies(task_id, depends_on_task_id, dependency_type) VALUES(?, ?, ?)
ON CONFLICT(task_id, depends_on_task_id) DO UPDATE SET dependency_type = excluded.dependency_type`,
		edge.TaskID, edge.DependsOnTaskID, string(edge.Type))
	if err != nil {
		return taskerrors.NewStorageError("save dependency", err)
	}
	return nil
}

func (s *Store) DeleteDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_task_id = ?`, taskID, dependsOnTaskID)
	if err != nil {
		return taskerrors.NewStorageError("delete dependency", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", taskID, dependsOnTaskID, storage.ErrNotFound)
	}
	return nil
}

const ruleColumns = `id, name, is_active, trigger_condition, trigger_task_id, trigger_status, action,
  action_target_task_id, action_target_user_id, notification_type, target_type`

func (s *Store) queryRules(ctx context.Context, op, where string, args ...any) ([]models.WorkflowRule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM workflow_rules `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, taskerrors.NewStorageError(op, err)
	}
	defer func() { _ = rows.Close() }()
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
	return s.queryRules(ctx, "get workflow rules for task", `WHERE is_active = 1 AND trigger_task_id = ?`, templateID)
}

func (s *Store) GetActiveWorkflowRules(ctx context.Context) ([]models.WorkflowRule, error) {
	return s.queryRules(ctx, "get active workflow rules", `WHERE is_active = 1`)
}

func (s *Store) SaveWorkflowRule(ctx context.Context, rule models.WorkflowRule) error {
	if err := storage.CheckRule(rule); err != nil {
		return err
	}
	d := rule.Definition()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO workflow_rules(`+ruleColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name, is_active = excluded.is_active, trigger_condition = excluded.trigger_condition,
  trigger_task_id = excluded.trigger_task_id, trigger_status = excluded.trigger_status, action = excluded.action,
  action_target_task_id = excluded.action_target_task_id, action_target_user_id = excluded.action_target_user_id,
  notification_type = excluded.notification_type, target_type = excluded.target_type`,
		d.ID, d.Name, d.IsActive, d.TriggerCondition, d.TriggerTaskID, d.TriggerStatus, d.Action,
		d.ActionTargetTaskID, d.ActionTargetUserID, d.NotificationType, d.TargetType)
	if err != nil {
		return taskerrors.NewStorageError("save workflow rule", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, email, family_id FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Name, &u.Email, &u.FamilyID)
	if err != nil {
		return models.User{}, notFound(err, "user "+userID)
	}
	return u, nil
}

func (s *Store) GetFamilyWithMembers(ctx context.Context, familyID string) (models.Family, error) {
	var f models.Family
	err := s.DB.QueryRowContext(ctx, `SELECT id, name FROM families WHERE id = ?`, familyID).Scan(&f.ID, &f.Name)
	if err != nil {
		return models.Family{}, notFound(err, "family "+familyID)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, email, family_id FROM users WHERE family_id = ? ORDER BY id`, familyID)
	if err != nil {
		return models.Family{}, taskerrors.NewStorageError("get family members", err)
	}
	defer func() { _ = rows.Close() }()
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
	rows, err := s.DB.QueryContext(ctx, `SELECT id, title, description, category FROM task_templates ORDER BY id`)
	if err != nil {
		return nil, taskerrors.NewStorageError("list templates", err)
	}
	defer func() { _ = rows.Close() }()
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
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO task_templates(id, title, description, category) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, description = excluded.description, category = excluded.category`,
		t.ID, t.Title, t.Description, t.Category)
	if err != nil {
		return taskerrors.NewStorageError("save template", err)
	}
	return nil
}

func (s *Store) SaveFamily(ctx context.Context, family models.Family) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return taskerrors.NewStorageError("save family", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT INTO families(id, name) VALUES(?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		family.ID, family.Name); err != nil {
		return taskerrors.NewStorageError("save family", err)
	}
	for _, m := range family.Members {
		if _, err := tx.ExecContext(ctx, upsertUser, m.ID, m.Name, m.Email, family.ID); err != nil {
			return taskerrors.NewStorageError("save family member", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return taskerrors.NewStorageError("save family", err)
	}
	return nil
}

const upsertUser = `
INSERT INTO users(id, name, email, family_id) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, family_id = excluded.family_id`

func (s *Store) SaveUser(ctx context.Context, u models.User) error {
	if _, err := s.DB.ExecContext(ctx, upsertUser, u.ID, u.Name, u.Email, u.FamilyID); err != nil {
		return taskerrors.NewStorageError("save user", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, r storage.EventRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO automation_events(kind, family_id, correlation_id, occurred_at, payload) VALUES(?, ?, ?, ?, ?)`,
		r.Kind, r.FamilyID, r.CorrelationID, r.Timestamp.UTC().UnixNano(), r.Payload)
	if err != nil {
		return taskerrors.NewStorageError("append event", err)
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...any) ([]storage.EventRecord, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerrors.NewStorageError(op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []storage.EventRecord
	for rows.Next() {
		var r storage.EventRecord
		var nanos int64
		if err := rows.Scan(&r.Seq, &r.Kind, &r.FamilyID, &r.CorrelationID, &nanos, &r.Payload); err != nil {
			return nil, taskerrors.NewStorageError(op, err)
		}
		r.Timestamp = time.Unix(0, nanos).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]storage.EventRecord, error) {
	return s.queryEvents(ctx, "list events by correlation",
		`SELECT seq, kind, family_id, correlation_id, occurred_at, payload FROM automation_events WHERE correlation_id = ? ORDER BY seq`,
		correlationID)
}

func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.queryEvents(ctx, "list recent events",
		`SELECT seq, kind, family_id, correlation_id, occurred_at, payload FROM automation_events ORDER BY seq DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
