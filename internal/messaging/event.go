package messaging

import (
	"encoding/json"
	"fmt"

	"marketron/internal/audit"
	"marketron/internal/engine"
	"marketron/internal/store"
)

// EncodeEvent produces the message body shared by every broker.
func EncodeEvent(ev engine.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func DecodeEvent(body []byte) (engine.Event, error) {
	var ev engine.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return engine.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return engine.Event{}, fmt.Errorf("decode event: id and type are required")
	}
	return ev, nil
}

// ToRecord converts an event into its journal row.
func ToRecord(ev engine.Event) (*store.EventRecord, error) {
	payload, err := json.Marshal(audit.Payload(ev))
	if err != nil {
		return nil, err
	}
	return &store.EventRecord{
		EventID:    ev.ID,
		Sequence:   ev.Sequence,
		Type:       string(ev.Type),
		Direction:  string(audit.DirectionOf(ev.Type)),
		OrderID:    ev.OrderID(),
		Symbol:     ev.Symbol,
		Payload:    payload,
		OccurredAt: ev.Timestamp,
	}, nil
}
