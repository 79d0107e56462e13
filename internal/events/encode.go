package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of an event.
type Envelope struct {
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode renders e as a JSON envelope.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.EventType(), err)
	}
	m := e.Metadata()
	return json.Marshal(Envelope{
		Type:      e.EventType(),
		RunID:     m.RunID,
		Seq:       m.Seq,
		Timestamp: m.Timestamp,
		Data:      data,
	})
}

// Decode parses a JSON envelope produced by Encode.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	var e Event
	var err error
	switch env.Type {
	case TypeRunStarted:
		e, err = decodeData[RunStarted](env.Data)
	case TypeRunProgress:
		e, err = decodeData[RunProgress](env.Data)
	case TypeRunCompleted:
		e, err = decodeData[RunCompleted](env.Data)
	case TypeRunFailed:
		e, err = decodeData[RunFailed](env.Data)
	case TypeRunCancelled:
		e, err = decodeData[RunCancelled](env.Data)
	case TypeTaskStatusChanged:
		e, err = decodeData[TaskStatusChanged](env.Data)
	case TypeTaskProgress:
		e, err = decodeData[TaskProgress](env.Data)
	case TypeFileGenerated:
		e, err = decodeData[FileGenerated](env.Data)
	case TypeLog:
		e, err = decodeData[Log](env.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", env.Type, err)
	}
	return e.withMeta(Meta{RunID: env.RunID, Seq: env.Seq, Timestamp: env.Timestamp}), nil
}

func decodeData[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
