package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"
)

// Shape checks for each inbound kind. Anything not listed here is a decode
// failure, so a drifting server contract surfaces as logged drops instead of
// silently accepted shapes.
var inboundSchemas = map[EnvelopeType]*gojsonschema.Schema{
	TypeToken: mustSchema("token", `{
		"type": "object",
		"required": ["type", "token", "message_group_id"],
		"properties": {
			"token":            {"type": "string"},
			"message_group_id": {"type": "string", "minLength": 1},
			"status":           {"type": "string", "enum": ["token"]},
			"seq":              {"type": "integer", "minimum": 1}
		}
	}`),
	TypeGenerationStatus: mustSchema("generation_status", `{
		"type": "object",
		"required": ["type", "status", "message_group_id"],
		"properties": {
			"status":           {"type": "string", "enum": ["generation_started", "generation_completed", "generation_failed"]},
			"message_group_id": {"type": "string", "minLength": 1},
			"message":          {"type": "string"}
		}
	}`),
	TypeSearchResult: mustSchema("search_result", `{
		"type": "object",
		"required": ["type", "status"],
		"properties": {
			"status":           {"type": "string", "enum": ["started", "web_search_partial_result", "completed", "skipped"]},
			"source":           {"type": "string", "enum": ["web", "context"]},
			"query":            {"type": "string"},
			"message_group_id": {"type": "string"},
			"index":            {"type": "integer", "minimum": 0},
			"total":            {"type": "integer", "minimum": 0},
			"summary":          {"type": "string"},
			"results": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"title":   {"type": "string"},
						"url":     {"type": "string"},
						"snippet": {"type": "string"},
						"score":   {"type": "number"}
					}
				}
			}
		}
	}`),
	TypeError: mustSchema("error", `{
		"type": "object",
		"required": ["type", "message"],
		"properties": {
			"message":          {"type": "string"},
			"message_group_id": {"type": "string"},
			"code":             {"type": "string"}
		}
	}`),
	TypeConnectionEstablished: mustSchema("connection_established", `{
		"type": "object",
		"required": ["type", "conversation_id", "is_new_conversation", "status"],
		"properties": {
			"conversation_id":     {"type": "string", "minLength": 1},
			"is_new_conversation": {"type": "boolean"},
			"status":              {"type": "string"},
			"user_id":             {"type": ["string", "null"]},
			"auth_method":         {"type": ["string", "null"]}
		}
	}`),
	TypeHistoryPage: mustSchema("history_page", `{
		"type": "object",
		"required": ["type", "messages"],
		"properties": {
			"conversation_id": {"type": "string"},
			"offset":          {"type": "integer", "minimum": 0},
			"count":           {"type": "integer", "minimum": 0},
			"has_more":        {"type": "boolean"},
			"messages": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "role", "content", "created_at"],
					"properties": {
						"id":               {"type": "string", "minLength": 1},
						"role":             {"type": "string", "enum": ["user", "assistant", "system"]},
						"content":          {"type": "string"},
						"status":           {"type": "string"},
						"message_group_id": {"type": "string"},
						"created_at":       {"type": "string"}
					}
				}
			}
		}
	}`),
}

type rawEnvelope struct {
	Type *EnvelopeType `json:"type"`
}

// Decode turns raw bytes into a typed inbound Event. It is total: every input,
// however malformed, yields either an Event or a *DecodeError.
func Decode(data []byte) (ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = nil, newDecodeError(data, "internal decoder failure", fmt.Sprint(r))
		}
	}()

	if !utf8.Valid(data) {
		return nil, newDecodeError(data, "payload is not valid UTF-8")
	}

	var base rawEnvelope
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, newDecodeError(data, "invalid JSON", err.Error())
	}
	if base.Type == nil || *base.Type == "" {
		return nil, newDecodeError(data, "missing type discriminant")
	}

	kind := *base.Type
	schema, ok := inboundSchemas[kind]
	if !ok {
		return nil, newDecodeError(data, fmt.Sprintf("unknown envelope type %q", kind))
	}

	result, verr := schema.Validate(gojsonschema.NewBytesLoader(data))
	if verr != nil {
		return nil, newDecodeError(data, fmt.Sprintf("%s shape check", kind), verr.Error())
	}
	if !result.Valid() {
		return nil, newDecodeError(data, fmt.Sprintf("%s shape check", kind), schemaErrors(result)...)
	}

	switch kind {
	case TypeToken:
		var e TokenEvent
		return decodeInto(data, kind, &e)
	case TypeGenerationStatus:
		var e GenerationStatusEvent
		return decodeInto(data, kind, &e)
	case TypeSearchResult:
		var e SearchResultEvent
		return decodeInto(data, kind, &e)
	case TypeError:
		var e ErrorEvent
		return decodeInto(data, kind, &e)
	case TypeConnectionEstablished:
		var e ConnectionEstablishedEvent
		return decodeInto(data, kind, &e)
	case TypeHistoryPage:
		var e HistoryPageEvent
		return decodeInto(data, kind, &e)
	default:
		return nil, newDecodeError(data, fmt.Sprintf("unknown envelope type %q", kind))
	}
}

// decodeInto unmarshals data into target and returns it by value so callers
// can type-switch on the concrete event structs.
func decodeInto[T Event](data []byte, kind EnvelopeType, target *T) (Event, error) {
	if err := json.Unmarshal(data, target); err != nil {
		return nil, newDecodeError(data, fmt.Sprintf("decode %s", kind), err.Error())
	}
	return *target, nil
}

// ClientEnvelope is implemented by every client -> server envelope.
type ClientEnvelope interface {
	EnvelopeKind() EnvelopeType
}

// EnvelopeKind implements ClientEnvelope.
func (e MessageEnvelope) EnvelopeKind() EnvelopeType { return TypeMessage }

// EnvelopeKind implements ClientEnvelope.
func (e CommandEnvelope) EnvelopeKind() EnvelopeType { return TypeCommand }

// EnvelopeKind implements ClientEnvelope.
func (e HistoryRequestEnvelope) EnvelopeKind() EnvelopeType { return TypeHistoryRequest }

// DecodeClient converts raw JSON sent by a client into a typed envelope.
// It is the server-side counterpart of the Encode functions.
func DecodeClient(data []byte) (ClientEnvelope, error) {
	var base rawEnvelope
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, newDecodeError(data, "invalid JSON", err.Error())
	}
	if base.Type == nil {
		return nil, newDecodeError(data, "missing type discriminant")
	}

	switch *base.Type {
	case TypeMessage:
		var env MessageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, newDecodeError(data, "decode message", err.Error())
		}
		if env.Message == "" {
			return nil, newDecodeError(data, "message requires message")
		}
		if env.Options != nil {
			if err := env.Options.Validate(); err != nil {
				return nil, newDecodeError(data, "message options", err.Error())
			}
		}
		return env, nil
	case TypeCommand:
		var env CommandEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, newDecodeError(data, "decode command", err.Error())
		}
		if env.Command != CommandCancel {
			return nil, newDecodeError(data, fmt.Sprintf("unsupported command %q", env.Command))
		}
		if env.MessageGroupID == "" {
			return nil, newDecodeError(data, "command requires message_group_id")
		}
		return env, nil
	case TypeHistoryRequest:
		var env HistoryRequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, newDecodeError(data, "decode history_request", err.Error())
		}
		return env, nil
	default:
		return nil, newDecodeError(data, fmt.Sprintf("unknown envelope type %q", *base.Type))
	}
}
