package realtime

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sessamekesh/realtime-relay/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	EventType_SessionUpdate  = "session.update"
	EventType_SessionCreated = "session.created"
	EventType_Error          = "error"

	EventType_InputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventType_ResponseAudioTranscriptDone      = "response.audio_transcript.done"
)

// Event is one realtime API event. Raw holds the exact bytes received, which
// are what gets forwarded; Type and EventId are extracted for logging only.
type Event struct {
	Type    string
	EventId string
	Raw     []byte
}

// IsDiagnostic reports whether events of this type are logged with their
// full payload.
func IsDiagnostic(eventType string) bool {
	switch eventType {
	case EventType_InputAudioTranscriptionCompleted, EventType_ResponseAudioTranscriptDone:
		return true
	}
	return false
}

func NewEventId() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

type EventSerializer struct {
	// NewEventId generates ids for outbound events that lack one. Defaults
	// to the package-level NewEventId.
	NewEventId func() string
}

func (s EventSerializer) Parse(raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &errors.MalformedEventError{
			Reason:  "payload is not valid JSON",
			MsgSize: len(raw),
		}
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, &errors.MalformedEventError{
			Reason:  "payload is not a JSON object",
			MsgSize: len(raw),
		}
	}

	eventType := parsed.Get("type")
	if eventType.Type != gjson.String || eventType.Str == "" {
		return nil, &errors.MissingFieldError{
			MessageName: "RealtimeEvent",
			FieldName:   "type",
		}
	}

	return &Event{
		Type:    eventType.Str,
		EventId: parsed.Get("event_id").String(),
		Raw:     raw,
	}, nil
}

// Serialize stamps eventType onto payload and adds an event_id if the payload
// does not carry one. All other fields pass through untouched.
func (s EventSerializer) Serialize(eventType string, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	parsed := gjson.ParseBytes(payload)
	if !gjson.ValidBytes(payload) || !parsed.IsObject() {
		return nil, &errors.MalformedEventError{
			Reason:  "outbound payload is not a JSON object",
			MsgSize: len(payload),
		}
	}

	out := payload
	var err error
	if parsed.Get("type").String() != eventType {
		out, err = sjson.SetBytes(out, "type", eventType)
		if err != nil {
			return nil, err
		}
	}

	if parsed.Get("event_id").String() == "" {
		newId := s.NewEventId
		if newId == nil {
			newId = NewEventId
		}
		out, err = sjson.SetBytes(out, "event_id", newId())
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// SessionUpdate builds a session.update event carrying the given session
// object.
func (s EventSerializer) SessionUpdate(session map[string]any) ([]byte, error) {
	out, err := sjson.SetBytes([]byte("{}"), "session", session)
	if err != nil {
		return nil, err
	}
	return s.Serialize(EventType_SessionUpdate, out)
}
