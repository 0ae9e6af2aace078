package pulse

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"negotiation-hive/internal/domain"
)

// Encode serialises an event into a binary protobuf Struct envelope.
func Encode(ev domain.Event) ([]byte, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	envelope, err := structpb.NewStruct(map[string]any{
		"event_id":  ev.ID,
		"topic":     ev.Topic,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"trace": map[string]any{
			"trace_id": ev.TraceID,
			"span_id":  ev.SpanID,
		},
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Topic, err)
	}
	return proto.Marshal(envelope)
}

// Decode is the inverse of Encode.
func Decode(data []byte) (domain.Event, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	fields := envelope.AsMap()

	ev := domain.Event{}
	ev.ID, _ = fields["event_id"].(string)
	ev.Topic, _ = fields["topic"].(string)
	if ts, ok := fields["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.Event{}, fmt.Errorf("decode event timestamp: %w", err)
		}
		ev.Timestamp = parsed
	}
	if trace, ok := fields["trace"].(map[string]any); ok {
		ev.TraceID, _ = trace["trace_id"].(string)
		ev.SpanID, _ = trace["span_id"].(string)
	}
	ev.Payload, _ = fields["payload"].(map[string]any)
	return ev, nil
}
