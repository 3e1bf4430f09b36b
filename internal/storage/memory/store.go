// Package memory is an in-process storage collaborator used by tests and the
// default CLI configuration.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
)

// Store keeps everything in maps guarded by one mutex
type Store struct {
	mu     sync.RWMutex
	policy graph.RequiredPolicy

	templates map[string]models.TaskTemplate
	users     map[string]models.User
	families  map[string]models.Family
	instances map[string]models.FamilyTaskInstance
	byFamily  map[string]map[string]string // family -> template -> instance id
	edges     []models.DependencyEdge
	rules     []models.WorkflowRule
	events    []storage.EventRecord
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store evaluating required edges with policy
func New(policy graph.RequiredPolicy) *Store {
	if policy == "" {
		policy = graph.RequireCompleted
	}
	return &Store{
		policy:    policy,
		templates: make(map[string]models.TaskTemplate),
		users:     make(map[string]models.User),
		families:  make(map[string]models.Family),
		instances: make(map[string]models.FamilyTaskInstance),
		byFamily:  make(map[string]map[string]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetFamilyTasks(_ context.Context, familyID string) ([]models.FamilyTaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.familyTasksLocked(familyID), nil
}

func (s *Store) familyTasksLocked(familyID string) []models.FamilyTaskInstance {
	out := make([]models.FamilyTaskInstance, 0, len(s.byFamily[familyID]))
	for _, id := range s.byFamily[familyID] {
		out = append(out, s.instances[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}

func (s *Store) GetFamilyTask(_ context.Context, instanceID string) (models.FamilyTaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return models.FamilyTaskInstance{}, fmt.Errorf("family task %s: %w", instanceID, storage.ErrNotFound)
	}
	return inst, nil
}

func (s *Store) GetFamilyTaskByFamilyAndTask(_ context.Context, familyID, templateID string) (models.FamilyTaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFamily[familyID][templateID]
	if !ok {
		return models.FamilyTaskInstance{}, fmt.Errorf("task %s in family %s: %w", templateID, familyID, storage.ErrNotFound)
	}
	return s.instances[id], nil
}

func (s *Store) UpdateFamilyTaskStatus(_ context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return models.FamilyTaskInstance{}, fmt.Errorf("family task %s: %w", instanceID, storage.ErrNotFound)
	}
	if err := storage.CheckTransition(inst, expected, next); err != nil {
		return models.FamilyTaskInstance{}, err
	}
	inst.Status = next
	s.instances[instanceID] = inst
	return inst, nil
}

func (s *Store) AssignFamilyTask(_ context.Context, instanceID, userID string) (models.FamilyTaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return models.FamilyTaskInstance{}, fmt.Errorf("family task %s: %w", instanceID, storage.ErrNotFound)
	}
	inst.AssigneeID = userID
	s.instances[instanceID] = inst
	return inst, nil
}

func (s *Store) CreateFamilyTask(_ context.Context, instance models.FamilyTaskInstance) error {
	if instance.Status == "" {
		instance.Status = models.StatusNotStarted
	}
	if !instance.Status.Valid() {
		return fmt.Errorf("family task %s: invalid status %q", instance.ID, instance.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byFamily[instance.FamilyID][instance.TemplateID]; ok && existing != instance.ID {
		return fmt.Errorf("family %s already has an instance of %s", instance.FamilyID, instance.TemplateID)
	}
	if s.byFamily[instance.FamilyID] == nil {
		s.byFamily[instance.FamilyID] = make(map[string]string)
	}
	s.byFamily[instance.FamilyID][instance.TemplateID] = instance.ID
	s.instances[instance.ID] = instance
	return nil
}

func (s *Store) GetTasksBlockedBy(_ context.Context, templateID string) ([]models.DependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DependencyEdge
	for _, e := range s.edges {
		if e.DependsOnTaskID == templateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ValidateDependencies(_ context.Context, templateID, familyID string) (models.DependencyStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Readiness(templateID, s.edges, s.familyTasksLocked(familyID), s.policy), nil
}

func (s *Store) ListDependencies(_ context.Context) ([]models.DependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.DependencyEdge(nil), s.edges...), nil
}

func (s *Store) SaveDependency(_ context.Context, edge models.DependencyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.edges {
		if e.SameEndpoints(edge) {
			s.edges[i] = edge
			return nil
		}
	}
	s.edges = append(s.edges, edge)
	return nil
}

func (s *Store) DeleteDependency(_ context.Context, taskID, dependsOnTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	probe := models.DependencyEdge{TaskID: taskID, DependsOnTaskID: dependsOnTaskID}
	for i, e := range s.edges {
		if e.SameEndpoints(probe) {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dependency %s -> %s: %w", taskID, dependsOnTaskID, storage.ErrNotFound)
}

func (s *Store) GetWorkflowRulesForTask(_ context.Context, templateID string) ([]models.WorkflowRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WorkflowRule
	for _, r := range s.rules {
		if r.Active && r.Trigger.TaskID == templateID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetActiveWorkflowRules(_ context.Context) ([]models.WorkflowRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WorkflowRule
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) SaveWorkflowRule(_ context.Context, rule models.WorkflowRule) error {
	if err := storage.CheckRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == rule.ID {
			s.rules[i] = rule
			return nil
		}
	}
	s.rules = append(s.rules, rule)
	return nil
}

func (s *Store) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetFamilyWithMembers(_ context.Context, familyID string) (models.Family, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.families[familyID]
	if !ok {
		return models.Family{}, fmt.Errorf("family %s: %w", familyID, storage.ErrNotFound)
	}
	f.Members = []models.User{}
	for _, u := range s.users {
		if u.FamilyID == familyID {
			f.Members = append(f.Members, u)
		}
	}
	sort.Slice(f.Members, func(i, j int) bool { return f.Members[i].ID < f.Members[j].ID })
	return f, nil
}

func (s *Store) ListTemplates(_ context.Context) ([]models.TaskTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TaskTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveTemplate(_ context.Context, template models.TaskTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.ID] = template
	return nil
}

func (s *Store) SaveFamily(_ context.Context, family models.Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[family.ID] = models.Family{ID: family.ID, Name: family.Name}
	for _, m := range family.Members {
		m.FamilyID = family.ID
		s.users[m.ID] = m
	}
	return nil
}

func (s *Store) SaveUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *Store) AppendEvent(_ context.Context, record storage.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, record)
	return nil
}

func (s *Store) ListEventsByCorrelation(_ context.Context, correlationID string) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.EventRecord
	for _, r := range s.events {
		if r.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListRecentEvents(_ context.Context, limit int) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	return append([]storage.EventRecord(nil), s.events[start:]...), nil
}
