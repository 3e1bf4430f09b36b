// Package automation assembles the event bus, the dependency enabler, the
// rule engine and the audit journal into one module and exposes the entry
// points used by the CLI and the admin HTTP surface.
package automation

import (
	"context"
	"fmt"

	"github.com/maxkimambo/taskflow/internal/audit"
	"github.com/maxkimambo/taskflow/internal/enabler"
	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/notify"
	"github.com/maxkimambo/taskflow/internal/rules"
	"github.com/maxkimambo/taskflow/internal/storage"
)

// UserSource marks status changes requested from outside the engine
const UserSource = "user"

// Options configures a Module
type Options struct {
	// MaxParallel bounds concurrent status updates and notification deliveries
	MaxParallel int
	// Notifier receives send_notification deliveries; nil logs them
	Notifier notify.Notifier
	// DisableJournal skips registering the audit journal
	DisableJournal bool
}

// Module owns one instance of each automation component
type Module struct {
	store   storage.Store
	bus     *events.Bus
	enabler *enabler.Enabler
	rules   *rules.Engine
	journal *audit.Journal
}

// New builds the module and registers every component on bus. The journal
// subscribes first so each event is recorded before handlers react to it.
func New(store storage.Store, bus *events.Bus, opts Options) *Module {
	m := &Module{
		store:   store,
		bus:     bus,
		enabler: enabler.New(store, bus, enabler.Options{MaxParallel: opts.MaxParallel}),
		rules:   rules.New(store, bus, opts.Notifier, rules.Options{MaxParallel: opts.MaxParallel}),
	}
	if !opts.DisableJournal {
		m.journal = audit.NewJournal(store)
		m.journal.Register(bus)
	}
	m.enabler.Register()
	m.rules.Register()
	return m
}

// Start logs configuration problems that do not stop the module
func (m *Module) Start(ctx context.Context) {
	m.rules.WarnUnsupported(ctx)
	logger.Op.WithFields(map[string]interface{}{
		"listeners": m.bus.Health().ListenerCount,
	}).Debug("Automation module started")
}

// TransitionResult reports an externally requested status change
type TransitionResult struct {
	CorrelationID string                    `json:"correlationId"`
	Previous      models.TaskStatus         `json:"previous"`
	Instance      models.FamilyTaskInstance `json:"instance"`
}

// TransitionTask moves a family's instance of templateID to next and
// publishes the resulting events under a new correlation id. It returns once
// the change is stored; call Wait to let the cascade settle.
func (m *Module) TransitionTask(ctx context.Context, familyID, templateID string, next models.TaskStatus) (TransitionResult, error) {
	inst, err := m.store.GetFamilyTaskByFamilyAndTask(ctx, familyID, templateID)
	if err != nil {
		if storage.IsNotFound(err) {
			return TransitionResult{}, taskerrors.NewTaskNotFoundError(familyID, templateID, "transition task")
		}
		return TransitionResult{}, taskerrors.NewStorageError("get family task", err)
	}

	updated, err := m.store.UpdateFamilyTaskStatus(ctx, inst.ID, inst.Status, next)
	if err != nil {
		return TransitionResult{}, err
	}

	result := TransitionResult{
		CorrelationID: events.NewCorrelationID(),
		Previous:      inst.Status,
		Instance:      updated,
	}
	env := events.Envelope{FamilyID: familyID, CorrelationID: result.CorrelationID}
	logger.Op.With(logger.WithFamily(familyID), logger.WithCorrelation(result.CorrelationID)).
		WithFields(map[string]interface{}{
			"instance_id": updated.ID,
			"from":        string(inst.Status),
			"to":          string(next),
		}).Info("Task status changed")

	m.bus.Publish(ctx, events.TaskStatusChanged{
		Envelope:   env,
		InstanceID: updated.ID,
		TemplateID: updated.TemplateID,
		OldStatus:  inst.Status,
		NewStatus:  next,
		Source:     UserSource,
	})
	if next == models.StatusCompleted {
		m.bus.Publish(ctx, events.TaskCompleted{
			Envelope:   env,
			InstanceID: updated.ID,
			TemplateID: updated.TemplateID,
			Source:     UserSource,
		})
	}
	return result, nil
}

// AddDependency admits edge after rejecting self dependencies and cycles.
// When replacing is set, that edge is excluded from the cycle check and
// removed if its endpoints differ from edge.
func (m *Module) AddDependency(ctx context.Context, edge models.DependencyEdge, replacing *models.DependencyEdge) error {
	existing, err := m.store.ListDependencies(ctx)
	if err != nil {
		return taskerrors.NewStorageError("list dependencies", err)
	}
	if err := graph.ValidateEdge(edge, existing, replacing); err != nil {
		return err
	}
	if replacing != nil && !replacing.SameEndpoints(edge) {
		if err := m.store.DeleteDependency(ctx, replacing.TaskID, replacing.DependsOnTaskID); err != nil && !storage.IsNotFound(err) {
			return taskerrors.NewStorageError("delete dependency", err)
		}
	}
	if err := m.store.SaveDependency(ctx, edge); err != nil {
		return taskerrors.NewStorageError("save dependency", err)
	}
	logger.Op.WithFields(map[string]interface{}{
		"edge": edge.String(),
	}).Info("Dependency saved")
	return nil
}

// CheckDependencies returns the readiness of templateID within a family
func (m *Module) CheckDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error) {
	status, err := m.store.ValidateDependencies(ctx, templateID, familyID)
	if err != nil {
		return models.DependencyStatus{}, taskerrors.NewStorageError("validate dependencies", err)
	}
	return status, nil
}

// CheckAndEnableDependencies runs the manual re-scan for a family
func (m *Module) CheckAndEnableDependencies(ctx context.Context, familyID string) (enabler.RescanResult, error) {
	return m.enabler.CheckAndEnableDependencies(ctx, familyID)
}

// Cascade returns the journaled events of one correlation id
func (m *Module) Cascade(ctx context.Context, correlationID string) ([]events.Event, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("audit journal is disabled")
	}
	return m.journal.Chain(ctx, correlationID)
}

// RecentEvents returns up to limit of the newest journaled events
func (m *Module) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("audit journal is disabled")
	}
	return m.journal.Recent(ctx, limit)
}

// Wait blocks until the current cascade reaches its fixpoint
func (m *Module) Wait(ctx context.Context) error {
	return m.bus.Wait(ctx)
}

// Close drains the bus and stops delivery
func (m *Module) Close(ctx context.Context) error {
	return m.bus.Close(ctx)
}

// Health aggregates the health of every component
type Health struct {
	Status  string         `json:"status"`
	Bus     events.Health  `json:"eventBus"`
	Enabler enabler.Health `json:"dependencyEnabler"`
	Rules   rules.Health   `json:"ruleEngine"`
	Journal *audit.Stats   `json:"journal,omitempty"`
}

// Health reports the worst component status
func (m *Module) Health() Health {
	h := Health{
		Bus:     m.bus.Health(),
		Enabler: m.enabler.Health(),
		Rules:   m.rules.Health(),
	}
	if m.journal != nil {
		stats := m.journal.Stats()
		h.Journal = &stats
	}
	h.Status = worst(h.Bus.Status, h.Enabler.Status, h.Rules.Status)
	return h
}

var statusRank = map[string]int{
	"healthy":        0,
	"degraded":       1,
	"not_registered": 2,
	"stopped":        3,
}

func worst(statuses ...string) string {
	out := "healthy"
	for _, s := range statuses {
		if statusRank[s] > statusRank[out] {
			out = s
		}
	}
	return out
}
