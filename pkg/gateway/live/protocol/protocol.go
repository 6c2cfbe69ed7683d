package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Client event types.
const (
	TypeConnect            = "connect"
	TypeSessionUpdate      = "session.update"
	TypeInputAudioAppend   = "input_audio_buffer.append"
	TypeTranscriptionDone  = "conversation.item.input_audio_transcription.completed"
	TypeAudioTranscriptDel = "response.audio_transcript.delta"
	TypeTextDelta          = "response.text.delta"
	TypeError              = "error"
)

// Session modes as they appear on the wire.
const (
	ModeFormCreation   = "form_creation"
	ModeFormCompletion = "form_completion"
)

// NoTranscriptPlaceholder stands in for a completed transcription that carried no text.
const NoTranscriptPlaceholder = "[No transcript]"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientEvent is a decoded text frame sent by the browser client.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

// UpstreamEvent is a decoded text frame sent by the realtime API.
type UpstreamEvent interface {
	EventType() string
	upstreamEvent()
}

// Question is one form question as sent by the client or stored by the form builder.
type Question struct {
	ID         string   `json:"id,omitempty"`
	QuestionID string   `json:"question_id,omitempty"`
	Question   string   `json:"question"`
	Type       string   `json:"type,omitempty"`
	TypeAnswer string   `json:"type_answer,omitempty"`
	Required   bool     `json:"required,omitempty"`
	Options    []string `json:"options,omitempty"`
}

// UnmarshalJSON accepts question rows whatever the scalar types of their
// fields: numeric ids become their decimal text and non-string options are
// kept as JSON text.
func (q *Question) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         json.RawMessage `json:"id"`
		QuestionID json.RawMessage `json:"question_id"`
		Question   json.RawMessage `json:"question"`
		Type       json.RawMessage `json:"type"`
		TypeAnswer json.RawMessage `json:"type_answer"`
		Required   json.RawMessage `json:"required"`
		Options    json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	required, _ := strconv.ParseBool(scalarString(raw.Required))
	*q = Question{
		ID:         scalarString(raw.ID),
		QuestionID: scalarString(raw.QuestionID),
		Question:   scalarString(raw.Question),
		Type:       scalarString(raw.Type),
		TypeAnswer: scalarString(raw.TypeAnswer),
		Required:   required,
		Options:    stringList(raw.Options),
	}
	return nil
}

// Key returns the identifier used to key answers.
func (q Question) Key() string {
	if id := strings.TrimSpace(q.QuestionID); id != "" {
		return id
	}
	if id := strings.TrimSpace(q.ID); id != "" {
		return id
	}
	return "unknown"
}

// Kind returns the answer type, preferring type_answer over type.
func (q Question) Kind() string {
	if k := strings.TrimSpace(q.TypeAnswer); k != "" {
		return k
	}
	if k := strings.TrimSpace(q.Type); k != "" {
		return k
	}
	return "text"
}

type ClientConnect struct {
	Type           string     `json:"type"`
	EphemeralToken string     `json:"ephemeralToken"`
	Mode           string     `json:"mode,omitempty"`
	Questions      []Question `json:"questions,omitempty"`
}

type ClientSessionUpdate struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
}

// ClientAudioAppend carries base64 audio. The payload is forwarded as raw
// bytes and never decoded.
type ClientAudioAppend struct {
	Type string `json:"type"`
}

// ClientUnknown is any other client event. It is forwarded upstream untouched.
type ClientUnknown struct {
	Type string `json:"type"`
}

func (ClientConnect) clientEvent()       {}
func (ClientSessionUpdate) clientEvent() {}
func (ClientAudioAppend) clientEvent()   {}
func (ClientUnknown) clientEvent()       {}

func (e ClientConnect) EventType() string       { return TypeConnect }
func (e ClientSessionUpdate) EventType() string { return TypeSessionUpdate }
func (e ClientAudioAppend) EventType() string   { return TypeInputAudioAppend }
func (e ClientUnknown) EventType() string       { return e.Type }

type TranscriptionCompleted struct {
	Type       string  `json:"type"`
	ItemID     string  `json:"item_id,omitempty"`
	Transcript *string `json:"transcript,omitempty"`
}

// Text returns the transcript, or the placeholder when the field was absent.
func (e TranscriptionCompleted) Text() string {
	if e.Transcript == nil {
		return NoTranscriptPlaceholder
	}
	return *e.Transcript
}

type AudioTranscriptDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta"`
}

type TextDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta"`
}

type UpstreamError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

type UpstreamUnknown struct {
	Type string `json:"type"`
}

func (TranscriptionCompleted) upstreamEvent() {}
func (AudioTranscriptDelta) upstreamEvent()   {}
func (TextDelta) upstreamEvent()              {}
func (UpstreamError) upstreamEvent()          {}
func (UpstreamUnknown) upstreamEvent()        {}

func (TranscriptionCompleted) EventType() string { return TypeTranscriptionDone }
func (AudioTranscriptDelta) EventType() string   { return TypeAudioTranscriptDel }
func (TextDelta) EventType() string              { return TypeTextDelta }
func (UpstreamError) EventType() string          { return TypeError }
func (e UpstreamUnknown) EventType() string      { return e.Type }

// decodeType reads the "type" field. Valid JSON that is not an object, or whose
// type is not a string, has an empty type.
func decodeType(data []byte) (string, error) {
	if !json.Valid(data) {
		return "", badRequest("invalid json frame", "")
	}
	var envelope struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil
	}
	var typ string
	if err := json.Unmarshal(envelope.Type, &typ); err != nil {
		return "", nil
	}
	return strings.TrimSpace(typ), nil
}

// DecodeClientEvent decodes one client text frame. Frames without a type decode
// to ClientUnknown; only non-JSON input is an error.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	typ, err := decodeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeConnect:
		return decodeConnect(data), nil
	case TypeSessionUpdate:
		var msg ClientSessionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.update frame", "")
		}
		return msg, nil
	case TypeInputAudioAppend:
		return ClientAudioAppend{Type: TypeInputAudioAppend}, nil
	default:
		return ClientUnknown{Type: typ}, nil
	}
}

// decodeConnect never fails on a JSON object: fields of an unexpected shape
// are read as text, and questions that are not objects are skipped.
func decodeConnect(data []byte) ClientConnect {
	var raw struct {
		EphemeralToken json.RawMessage   `json:"ephemeralToken"`
		Mode           json.RawMessage   `json:"mode"`
		Questions      []json.RawMessage `json:"questions"`
	}
	// A questions value that is not an array is a type error; the other fields
	// are still filled in.
	_ = json.Unmarshal(data, &raw)

	msg := ClientConnect{
		Type:           TypeConnect,
		EphemeralToken: strings.TrimSpace(scalarString(raw.EphemeralToken)),
		Mode:           strings.TrimSpace(scalarString(raw.Mode)),
	}
	for _, item := range raw.Questions {
		var q Question
		if err := json.Unmarshal(item, &q); err != nil {
			continue
		}
		msg.Questions = append(msg.Questions, q)
	}
	return msg
}

// scalarString renders a JSON value as text: strings unquoted, numbers in
// their literal form, anything else as its JSON encoding. Absent and null
// values are empty.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func stringList(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := scalarString(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DecodeUpstreamEvent decodes one realtime API text frame.
func DecodeUpstreamEvent(data []byte) (UpstreamEvent, error) {
	typ, err := decodeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeTranscriptionDone:
		var msg TranscriptionCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcription event", "")
		}
		return msg, nil
	case TypeAudioTranscriptDel:
		var msg AudioTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio transcript delta", "")
		}
		return msg, nil
	case TypeTextDelta:
		var msg TextDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text delta", "")
		}
		return msg, nil
	case TypeError:
		var msg UpstreamError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error event", "")
		}
		return msg, nil
	default:
		return UpstreamUnknown{Type: typ}, nil
	}
}

// SessionUpdate is the configuration frame sent upstream right after connecting.
type SessionUpdate struct {
	Type    string `json:"type"`
	Session any    `json:"session"`
}

type ServerConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerEcho is returned for each client text frame while upstream is unavailable.
type ServerEcho struct {
	Echo string `json:"echo"`
}
