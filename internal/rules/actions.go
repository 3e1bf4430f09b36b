package rules

import (
	"context"
	"errors"
	"fmt"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/notify"
	"github.com/maxkimambo/taskflow/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Result describes a successfully applied action
type Result struct {
	NoOp   bool
	Detail string
}

// CanExecute checks the action's precondition. A failed precondition is
// returned as a validation error; any other error is a storage failure.
func (e *Engine) CanExecute(ctx context.Context, rule models.WorkflowRule, f Firing) error {
	op := string(rule.Action.Kind())
	familyID := f.Envelope.FamilyID

	switch a := rule.Action.(type) {
	case models.AutoEnable:
		inst, err := e.target(ctx, familyID, a.TaskID, op)
		if err != nil {
			return err
		}
		if inst.Status != models.StatusNotStarted {
			return taskerrors.NewPreconditionError(fmt.Sprintf("task '%s' is already %s", a.TaskID, inst.Status), op)
		}
		return nil

	case models.AutoComplete:
		if _, err := e.target(ctx, familyID, a.TaskID, op); err != nil {
			return err
		}
		status, err := e.store.ValidateDependencies(ctx, a.TaskID, familyID)
		if err != nil {
			return taskerrors.NewStorageError("validate dependencies", err)
		}
		if !status.CanStart {
			return taskerrors.NewPreconditionError(fmt.Sprintf("task '%s' is blocked by %v", a.TaskID, status.BlockedBy), op)
		}
		return nil

	case models.SendNotification:
		return nil

	case models.AssignUser:
		if a.TaskID == "" || a.UserID == "" {
			return taskerrors.NewPreconditionError("assign_user needs a target task and a target user", op)
		}
		user, err := e.store.GetUser(ctx, a.UserID)
		if err != nil {
			if storage.IsNotFound(err) {
				return taskerrors.NewPreconditionError(fmt.Sprintf("user '%s' does not exist", a.UserID), op)
			}
			return taskerrors.NewStorageError("get user", err)
		}
		if user.FamilyID != familyID {
			return taskerrors.NewPreconditionError(fmt.Sprintf("user '%s' is not a member of family '%s'", a.UserID, familyID), op)
		}
		return nil

	default:
		return taskerrors.NewPreconditionError(fmt.Sprintf("unsupported action %T", rule.Action), "rule validation")
	}
}

// target loads the family instance of templateID; a missing one is a
// failed precondition
func (e *Engine) target(ctx context.Context, familyID, templateID, op string) (models.FamilyTaskInstance, error) {
	inst, err := e.store.GetFamilyTaskByFamilyAndTask(ctx, familyID, templateID)
	if err != nil {
		if storage.IsNotFound(err) {
			return models.FamilyTaskInstance{}, taskerrors.NewTaskNotFoundError(familyID, templateID, op)
		}
		return models.FamilyTaskInstance{}, taskerrors.NewStorageError("get family task", err)
	}
	return inst, nil
}

// Apply executes the action and publishes the status events it causes.
// Already-satisfied targets are successful no-ops.
func (e *Engine) Apply(ctx context.Context, rule models.WorkflowRule, f Firing) (Result, error) {
	op := string(rule.Action.Kind())
	familyID := f.Envelope.FamilyID
	source := "rule:" + rule.ID

	switch a := rule.Action.(type) {
	case models.AutoEnable:
		inst, err := e.target(ctx, familyID, a.TaskID, op)
		if err != nil {
			return Result{}, err
		}
		if inst.Status != models.StatusNotStarted {
			return Result{NoOp: true, Detail: fmt.Sprintf("task already %s", inst.Status)}, nil
		}
		updated, err := e.store.UpdateFamilyTaskStatus(ctx, inst.ID, models.StatusNotStarted, models.StatusInProgress)
		if err != nil {
			if storage.IsConflict(err) {
				return Result{NoOp: true, Detail: "task changed concurrently"}, nil
			}
			return Result{}, taskerrors.NewActionError(op, err)
		}
		e.bus.Publish(ctx, events.TaskStatusChanged{
			Envelope:   events.Envelope{FamilyID: familyID, CorrelationID: f.Envelope.CorrelationID},
			InstanceID: updated.ID,
			TemplateID: updated.TemplateID,
			OldStatus:  models.StatusNotStarted,
			NewStatus:  models.StatusInProgress,
			Source:     source,
		})
		return Result{Detail: "enabled " + updated.TemplateID}, nil

	case models.AutoComplete:
		inst, err := e.target(ctx, familyID, a.TaskID, op)
		if err != nil {
			return Result{}, err
		}
		if inst.Status == models.StatusCompleted {
			return Result{NoOp: true, Detail: "task already completed"}, nil
		}
		updated, err := e.store.UpdateFamilyTaskStatus(ctx, inst.ID, inst.Status, models.StatusCompleted)
		if err != nil {
			if storage.IsConflict(err) {
				return Result{NoOp: true, Detail: "task changed concurrently"}, nil
			}
			return Result{}, taskerrors.NewActionError(op, err)
		}
		env := events.Envelope{FamilyID: familyID, CorrelationID: f.Envelope.CorrelationID}
		e.bus.Publish(ctx, events.TaskStatusChanged{
			Envelope:   env,
			InstanceID: updated.ID,
			TemplateID: updated.TemplateID,
			OldStatus:  inst.Status,
			NewStatus:  models.StatusCompleted,
			Source:     source,
		})
		e.bus.Publish(ctx, events.TaskCompleted{
			Envelope:   env,
			InstanceID: updated.ID,
			TemplateID: updated.TemplateID,
			Source:     source,
		})
		return Result{Detail: "completed " + updated.TemplateID}, nil

	case models.SendNotification:
		return e.notifyFamily(ctx, rule, a, f)

	case models.AssignUser:
		inst, err := e.target(ctx, familyID, a.TaskID, op)
		if err != nil {
			return Result{}, err
		}
		if inst.AssigneeID == a.UserID {
			return Result{NoOp: true, Detail: "already assigned to " + a.UserID}, nil
		}
		if _, err := e.store.AssignFamilyTask(ctx, inst.ID, a.UserID); err != nil {
			return Result{}, taskerrors.NewActionError(op, err)
		}
		return Result{Detail: fmt.Sprintf("assigned %s to %s", a.TaskID, a.UserID)}, nil

	default:
		return Result{}, taskerrors.NewActionError(op, fmt.Errorf("unsupported action %T", rule.Action))
	}
}

// notifyFamily sends one notification per family member concurrently. Every
// delivery settles on its own; failures are joined into one error.
func (e *Engine) notifyFamily(ctx context.Context, rule models.WorkflowRule, a models.SendNotification, f Firing) (Result, error) {
	family, err := e.store.GetFamilyWithMembers(ctx, f.Envelope.FamilyID)
	if err != nil {
		return Result{}, taskerrors.NewActionError(string(a.Kind()), err)
	}
	if len(family.Members) == 0 {
		return Result{NoOp: true, Detail: "family has no members"}, nil
	}

	errs := make([]error, len(family.Members))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, member := range family.Members {
		g.Go(func() error {
			errs[i] = e.notifier.Notify(ctx, notify.Notification{
				Type:          a.Type,
				RuleID:        rule.ID,
				TriggerTaskID: f.TemplateID,
				Status:        string(f.NewStatus),
				FamilyID:      family.ID,
				CorrelationID: f.Envelope.CorrelationID,
				RecipientID:   member.ID,
			})
			if errs[i] != nil {
				errs[i] = fmt.Errorf("recipient %s: %w", member.ID, errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Op.With(logger.WithFamily(family.ID), logger.WithCorrelation(f.Envelope.CorrelationID)).
			WithFields(map[string]interface{}{
				"rule_id":    rule.ID,
				"failed":     failed,
				"recipients": len(family.Members),
			}).Warn("Some notifications could not be delivered")
		return Result{}, taskerrors.NewActionError(string(a.Kind()), errors.Join(errs...))
	}
	return Result{Detail: fmt.Sprintf("notified %d member(s)", len(family.Members))}, nil
}
