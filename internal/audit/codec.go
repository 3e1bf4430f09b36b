// Package audit journals every lifecycle event so a cascade can be replayed
// from its correlation id.
package audit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/storage"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the same event always produces the same
	// bytes, so journal payloads can be compared directly.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode turns ev into a journal record
func Encode(ev events.Event) (storage.EventRecord, error) {
	if ev == nil {
		return storage.EventRecord{}, fmt.Errorf("cannot encode a nil event")
	}
	payload, err := encMode.Marshal(ev)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	meta := ev.Meta()
	return storage.EventRecord{
		Kind:          string(ev.Kind()),
		FamilyID:      meta.FamilyID,
		CorrelationID: meta.CorrelationID,
		Timestamp:     meta.Timestamp,
		Payload:       payload,
	}, nil
}

// Decode rebuilds the event stored in record
func Decode(record storage.EventRecord) (events.Event, error) {
	switch events.Kind(record.Kind) {
	case events.KindTaskStatusChanged:
		return decodeAs[events.TaskStatusChanged](record)
	case events.KindTaskCompleted:
		return decodeAs[events.TaskCompleted](record)
	case events.KindDependenciesMet:
		return decodeAs[events.DependenciesMet](record)
	case events.KindRuleTriggered:
		return decodeAs[events.RuleTriggered](record)
	case events.KindActionApplied:
		return decodeAs[events.ActionApplied](record)
	case events.KindActionFailed:
		return decodeAs[events.ActionFailed](record)
	default:
		return nil, fmt.Errorf("journal record %d has unknown kind %q", record.Seq, record.Kind)
	}
}

func decodeAs[E events.Event](record storage.EventRecord) (events.Event, error) {
	var ev E
	if err := decMode.Unmarshal(record.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode journal record %d (%s): %w", record.Seq, record.Kind, err)
	}
	return ev, nil
}

// Diagnose renders a record payload in CBOR diagnostic notation
func Diagnose(record storage.EventRecord) (string, error) {
	return cbor.Diagnose(record.Payload)
}
