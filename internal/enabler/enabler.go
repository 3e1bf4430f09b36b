// Package enabler propagates task completions into newly unlocked tasks.
//
// On every TaskCompleted event it finds the templates gated on the completed
// one, re-validates each unstarted family instance against its full
// dependency set and moves every instance that can now start to in_progress.
// Updates for one batch run concurrently and settle independently.
package enabler

import (
	"context"
	"fmt"
	"sync"
	"time"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/metrics"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// HandlerName identifies the enabler on the event bus and in failure events
	HandlerName = "dependency_enabler"
	// RescanSource marks status changes made by a manual re-scan
	RescanSource = "dependency_rescan"

	actionEnable = "auto_enable"

	// DefaultMaxParallel bounds concurrent status updates within one batch
	DefaultMaxParallel = 8
)

// Store is the slice of the storage collaborator the enabler needs
type Store interface {
	GetTasksBlockedBy(ctx context.Context, templateID string) ([]models.DependencyEdge, error)
	GetFamilyTasks(ctx context.Context, familyID string) ([]models.FamilyTaskInstance, error)
	ValidateDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error)
	UpdateFamilyTaskStatus(ctx context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error)
	ListDependencies(ctx context.Context) ([]models.DependencyEdge, error)
}

// Options configures an Enabler
type Options struct {
	MaxParallel int
}

// Enabler is the dependency enabler component
type Enabler struct {
	store       Store
	bus         *events.Bus
	maxParallel int

	mu         sync.Mutex
	registered int
	handled    uint64
	enabled    uint64
	failures   uint64
}

// New creates an enabler. Call Register to subscribe it to the bus.
func New(store Store, bus *events.Bus, opts Options) *Enabler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	return &Enabler{store: store, bus: bus, maxParallel: opts.MaxParallel}
}

// Register subscribes the completion handler
func (e *Enabler) Register() {
	events.Subscribe(e.bus, HandlerName, e.HandleTaskCompleted)
	e.mu.Lock()
	e.registered++
	e.mu.Unlock()
}

// candidate is an unstarted instance whose prerequisites are satisfied
type candidate struct {
	instance models.FamilyTaskInstance
}

// outcome is the settled result of enabling one candidate
type outcome struct {
	instance models.FamilyTaskInstance
	skipped  bool
	err      error
}

// HandleTaskCompleted enables every dependent of the completed template that
// can now start. Errors for single candidates are reported as ActionFailed
// events; only a failure to load the candidate set is returned.
func (e *Enabler) HandleTaskCompleted(ctx context.Context, ev events.TaskCompleted) error {
	e.mu.Lock()
	e.handled++
	e.mu.Unlock()

	entry := logger.Op.With(logger.WithFamily(ev.FamilyID), logger.WithCorrelation(ev.CorrelationID)).
		WithField("template_id", ev.TemplateID)

	edges, err := e.store.GetTasksBlockedBy(ctx, ev.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load dependents of %s: %w", ev.TemplateID, err)
	}
	dependents := blockingDependents(edges)
	if len(dependents) == 0 {
		entry.Debug("No tasks depend on the completed task")
		return nil
	}

	instances, err := e.store.GetFamilyTasks(ctx, ev.FamilyID)
	if err != nil {
		return fmt.Errorf("failed to load tasks of family %s: %w", ev.FamilyID, err)
	}
	byTemplate := make(map[string]models.FamilyTaskInstance, len(instances))
	for _, inst := range instances {
		byTemplate[inst.TemplateID] = inst
	}

	var candidates []candidate
	for _, templateID := range dependents {
		inst, ok := byTemplate[templateID]
		if !ok {
			entry.WithField("dependent", templateID).Debug("Dependent has no instance in this family; skipping")
			continue
		}
		if inst.Status != models.StatusNotStarted {
			entry.WithField("dependent", templateID).Debugf("Dependent already %s; skipping", inst.Status)
			continue
		}
		status, err := e.store.ValidateDependencies(ctx, templateID, ev.FamilyID)
		if err != nil {
			e.reportFailure(ctx, ev.Envelope, inst, ev.TemplateID, taskerrors.NewStorageError("validate dependencies", err))
			continue
		}
		if !status.CanStart {
			entry.WithField("dependent", templateID).Debugf("Dependent still blocked by %v", status.BlockedBy)
			continue
		}
		candidates = append(candidates, candidate{instance: inst})
	}

	e.enableAndPublish(ctx, ev.Envelope, ev.TemplateID, HandlerName, candidates)
	return nil
}

// blockingDependents returns the distinct dependent templates of edges that
// can gate a task, in edge order
func blockingDependents(edges []models.DependencyEdge) []string {
	seen := make(map[string]bool, len(edges))
	var out []string
	for _, edge := range edges {
		if !edge.Type.Blocking() || seen[edge.TaskID] {
			continue
		}
		seen[edge.TaskID] = true
		out = append(out, edge.TaskID)
	}
	return out
}

// enableAndPublish runs the batch and publishes its events: one
// TaskStatusChanged per enabled instance in candidate order, one
// ActionFailed per failure and a DependenciesMet summary when anything was
// enabled. It returns the enabled instances and the failures.
func (e *Enabler) enableAndPublish(ctx context.Context, env events.Envelope, triggerTemplateID, source string, candidates []candidate) ([]models.FamilyTaskInstance, []error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	start := time.Now()
	outcomes := e.enableBatch(ctx, candidates)

	var enabled []models.FamilyTaskInstance
	var failures []error
	for i, out := range outcomes {
		inst := candidates[i].instance
		switch {
		case out.err != nil:
			failures = append(failures, fmt.Errorf("%s (%s): %w", inst.TemplateID, inst.ID, out.err))
			e.reportFailure(ctx, env, inst, triggerTemplateID, out.err)
		case out.skipped:
			logger.Op.With(logger.WithFamily(env.FamilyID), logger.WithCorrelation(env.CorrelationID)).
				WithField("instance_id", inst.ID).
				Debug("Instance changed concurrently; enable skipped")
		default:
			enabled = append(enabled, out.instance)
			e.bus.Publish(ctx, events.TaskStatusChanged{
				Envelope:   events.Envelope{FamilyID: env.FamilyID, CorrelationID: env.CorrelationID},
				InstanceID: out.instance.ID,
				TemplateID: out.instance.TemplateID,
				OldStatus:  models.StatusNotStarted,
				NewStatus:  models.StatusInProgress,
				Source:     source,
			})
		}
	}

	metrics.RecordTasksEnabled(ctx, len(enabled), time.Since(start).Seconds())
	e.mu.Lock()
	e.enabled += uint64(len(enabled))
	e.mu.Unlock()

	if len(enabled) == 0 {
		return nil, failures
	}

	ids := make([]string, len(enabled))
	names := make([]string, len(enabled))
	for i, inst := range enabled {
		ids[i] = inst.ID
		names[i] = inst.TemplateID
	}
	logger.L().Enabledf("%v unlocked for family %s after %s", names, env.FamilyID, triggerTemplateID)
	e.bus.Publish(ctx, events.DependenciesMet{
		Envelope:          events.Envelope{FamilyID: env.FamilyID, CorrelationID: env.CorrelationID},
		TriggerTemplateID: triggerTemplateID,
		EnabledTasks:      ids,
	})
	return enabled, failures
}

// enableBatch issues one compare-and-swap per candidate concurrently. Every
// update settles on its own; none cancels another.
func (e *Enabler) enableBatch(ctx context.Context, candidates []candidate) []outcome {
	outcomes := make([]outcome, len(candidates))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, c := range candidates {
		g.Go(func() error {
			outcomes[i] = e.enableOne(ctx, c.instance)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Enabler) enableOne(ctx context.Context, inst models.FamilyTaskInstance) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: taskerrors.NewActionError(actionEnable, fmt.Errorf("panic: %v", r))}
		}
	}()
	updated, err := e.store.UpdateFamilyTaskStatus(ctx, inst.ID, models.StatusNotStarted, models.StatusInProgress)
	if err != nil {
		if storage.IsConflict(err) {
			return outcome{skipped: true}
		}
		return outcome{err: taskerrors.NewActionError(actionEnable, err)}
	}
	return outcome{instance: updated}
}

func (e *Enabler) reportFailure(ctx context.Context, env events.Envelope, inst models.FamilyTaskInstance, triggerTemplateID string, err error) {
	e.mu.Lock()
	e.failures++
	e.mu.Unlock()

	logger.Op.With(logger.WithFamily(env.FamilyID), logger.WithCorrelation(env.CorrelationID)).
		WithField("instance_id", inst.ID).
		WithField("template_id", inst.TemplateID).
		WithError(err).Warn("Failed to enable dependent task")

	e.bus.Publish(ctx, events.ActionFailed{
		Envelope: events.Envelope{FamilyID: env.FamilyID, CorrelationID: env.CorrelationID},
		Action:   actionEnable,
		Target:   inst.ID,
		Success:  false,
		Error:    err.Error(),
		Source:   HandlerName,
		Context: map[string]string{
			"instance_id":         inst.ID,
			"template_id":         inst.TemplateID,
			"trigger_template_id": triggerTemplateID,
		},
	})
}

// RescanResult reports a manual re-scan
type RescanResult struct {
	Enabled      int      `json:"enabled"`
	EnabledTasks []string `json:"enabledTasks"`
	Errors       []string `json:"errors"`
}

// CheckAndEnableDependencies re-validates every unstarted instance of a family
// and enables those that can start, including tasks with no prerequisites.
// Instances are visited in dependency order. Each pass that enables something
// publishes its own DependenciesMet. Status changes are published under a
// fresh correlation id so rules react to the backfill as to any other change.
func (e *Enabler) CheckAndEnableDependencies(ctx context.Context, familyID string) (RescanResult, error) {
	result := RescanResult{EnabledTasks: []string{}, Errors: []string{}}
	env := events.Envelope{FamilyID: familyID, CorrelationID: events.NewCorrelationID()}

	instances, err := e.store.GetFamilyTasks(ctx, familyID)
	if err != nil {
		return result, fmt.Errorf("failed to load tasks of family %s: %w", familyID, err)
	}
	edges, err := e.store.ListDependencies(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load dependencies: %w", err)
	}

	byTemplate := make(map[string]models.FamilyTaskInstance, len(instances))
	nodes := make([]string, 0, len(instances))
	for _, inst := range instances {
		byTemplate[inst.TemplateID] = inst
		nodes = append(nodes, inst.TemplateID)
	}
	order, err := graph.TopologicalOrder(nodes, edges)
	if err != nil {
		return result, err
	}

	// Under the in_progress policy an enable can satisfy a dependent, so
	// passes repeat until one enables nothing. Each template is tried once.
	attempted := make(map[string]bool, len(order))
	passes := 0
	for {
		var candidates []candidate
		for _, templateID := range order {
			inst, ok := byTemplate[templateID]
			if !ok || inst.Status != models.StatusNotStarted || attempted[templateID] {
				continue
			}
			status, err := e.store.ValidateDependencies(ctx, templateID, familyID)
			if err != nil {
				attempted[templateID] = true
				result.Errors = append(result.Errors, fmt.Sprintf("%s (%s): %v", templateID, inst.ID, err))
				e.reportFailure(ctx, env, inst, "", taskerrors.NewStorageError("validate dependencies", err))
				continue
			}
			if !status.CanStart {
				continue
			}
			attempted[templateID] = true
			candidates = append(candidates, candidate{instance: inst})
		}
		if len(candidates) == 0 {
			break
		}
		passes++

		enabled, failures := e.enableAndPublish(ctx, env, "", RescanSource, candidates)
		for _, inst := range enabled {
			byTemplate[inst.TemplateID] = inst
			result.EnabledTasks = append(result.EnabledTasks, inst.TemplateID)
		}
		result.Enabled += len(enabled)
		for _, f := range failures {
			result.Errors = append(result.Errors, f.Error())
		}
		if len(enabled) == 0 {
			break
		}
	}

	logger.Op.With(logger.WithFamily(familyID), logger.WithCorrelation(env.CorrelationID)).
		WithField("enabled", result.Enabled).
		WithField("errors", len(result.Errors)).
		WithField("passes", passes).
		Info("Dependency re-scan finished")
	return result, nil
}

// Health describes the enabler for admin monitoring
type Health struct {
	Status             string `json:"status"`
	HandlersRegistered int    `json:"handlersRegistered"`
	ListenerCount      int    `json:"listenerCount"`
	MaxListeners       int    `json:"maxListeners"`
	Handled            uint64 `json:"handled"`
	Enabled            uint64 `json:"enabled"`
	Failures           uint64 `json:"failures"`
}

// Health reports registration and activity counters
func (e *Enabler) Health() Health {
	busHealth := e.bus.Health()
	e.mu.Lock()
	defer e.mu.Unlock()
	h := Health{
		Status:             "healthy",
		HandlersRegistered: e.registered,
		ListenerCount:      busHealth.Listeners[events.KindTaskCompleted],
		MaxListeners:       busHealth.MaxListeners,
		Handled:            e.handled,
		Enabled:            e.enabled,
		Failures:           e.failures,
	}
	if e.registered == 0 {
		h.Status = "not_registered"
	} else if busHealth.Status != "healthy" {
		h.Status = busHealth.Status
	}
	return h
}
