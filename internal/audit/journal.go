package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/storage"
)

// HandlerName identifies the journal on the event bus
const HandlerName = "audit_journal"

// Journal subscribes to every event kind and appends each event to the store
type Journal struct {
	store storage.Journal

	mu       sync.Mutex
	recorded uint64
	failed   uint64
}

// NewJournal creates a journal writing to store
func NewJournal(store storage.Journal) *Journal {
	return &Journal{store: store}
}

// Register subscribes the journal to all event kinds on bus
func (j *Journal) Register(bus *events.Bus) {
	bus.SubscribeAll(HandlerName, j.Record)
}

// Record appends ev. A failure is returned so the bus reports it.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	record, err := Encode(ev)
	if err == nil {
		err = j.store.AppendEvent(ctx, record)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.failed++
		return fmt.Errorf("failed to journal %s event: %w", ev.Kind(), err)
	}
	j.recorded++
	return nil
}

// Chain returns every journaled event of one correlation id in publish order.
// Records that cannot be decoded are logged and left out.
func (j *Journal) Chain(ctx context.Context, correlationID string) ([]events.Event, error) {
	records, err := j.store.ListEventsByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal for %s: %w", correlationID, err)
	}
	return decodeAll(records), nil
}

// Recent returns up to limit of the newest journaled events, oldest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	records, err := j.store.ListRecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return decodeAll(records), nil
}

func decodeAll(records []storage.EventRecord) []events.Event {
	out := make([]events.Event, 0, len(records))
	for _, r := range records {
		ev, err := Decode(r)
		if err != nil {
			logger.Op.WithError(err).Warn("Skipping undecodable journal record")
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Stats counts journal writes
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Failed   uint64 `json:"failed"`
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{Recorded: j.recorded, Failed: j.failed}
}
