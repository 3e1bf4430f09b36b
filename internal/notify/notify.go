// Package notify is the notification collaborator. The rule engine hands it
// one Notification per recipient; delivery and deduplication happen here.
package notify

import (
	"context"
	"sync"

	"github.com/maxkimambo/taskflow/internal/logger"
)

// Notification is one message produced by a send_notification rule
type Notification struct {
	Type          string `json:"type"`
	RuleID        string `json:"ruleId"`
	TriggerTaskID string `json:"triggerTaskId"`
	Status        string `json:"status,omitempty"`
	FamilyID      string `json:"familyId"`
	CorrelationID string `json:"correlationId"`
	RecipientID   string `json:"recipientId,omitempty"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the user log. It is the delivery used
// by the CLI where no external channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	logger.User.Infof("Notification [%s] from rule %s for family %s (task %s, recipient %s)", n.Type, n.RuleID, n.FamilyID, n.TriggerTaskID, n.RecipientID)
	logger.Op.With(logger.WithFamily(n.FamilyID), logger.WithCorrelation(n.CorrelationID)).
		WithFields(map[string]interface{}{
			"rule_id":      n.RuleID,
			"recipient_id": n.RecipientID,
		}).Debug("Notification delivered")
	return nil
}

// DefaultDedupeCapacity bounds how many delivered notifications a Deduper remembers
const DefaultDedupeCapacity = 4096

// Deduper suppresses repeated deliveries of the same notification to the
// same recipient within one correlation
type Deduper struct {
	next     Notifier
	capacity int

	mu    sync.Mutex
	seen  map[Notification]struct{}
	order []Notification
}

// NewDeduper wraps next. capacity <= 0 uses DefaultDedupeCapacity.
func NewDeduper(next Notifier, capacity int) *Deduper {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &Deduper{
		next:     next,
		capacity: capacity,
		seen:     make(map[Notification]struct{}),
	}
}

func (d *Deduper) Notify(ctx context.Context, n Notification) error {
	if !d.claim(n) {
		logger.Op.WithFields(map[string]interface{}{
			"rule_id":        n.RuleID,
			"correlation_id": n.CorrelationID,
			"recipient_id":   n.RecipientID,
		}).Debug("Suppressed duplicate notification")
		return nil
	}
	if err := d.next.Notify(ctx, n); err != nil {
		d.release(n)
		return err
	}
	return nil
}

func (d *Deduper) claim(n Notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[n]; dup {
		return false
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[n] = struct{}{}
	d.order = append(d.order, n)
	return true
}

// release forgets a notification whose delivery failed so a retry can send it
func (d *Deduper) release(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, n)
	for i, o := range d.order {
		if o == n {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
