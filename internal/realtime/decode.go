package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/syncerr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaURL = "https://tradewind.local/schemas/realtime-envelope.json"

//go:embed envelope.schema.json
var envelopeSchema []byte

// Envelope is the wire shape of a push event.
type Envelope struct {
	EventID string `json:"eventId,omitempty"`
	ActorID string `json:"actorId,omitempty"`
	// LocalID echoes the client-generated id of a created entity.
	LocalID         string          `json:"localId,omitempty"`
	EntityKind      string          `json:"entityKind"`
	EntityID        string          `json:"entityId"`
	EventType       EventType       `json:"eventType"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ServerTimestamp string          `json:"serverTimestamp"`
}

type reactionPayload struct {
	Action      ReactionAction `json:"action"`
	Reaction    string         `json:"reaction,omitempty"`
	LikeCount   *int           `json:"likeCount,omitempty"`
	SaveCount   *int           `json:"saveCount,omitempty"`
	RepostCount *int           `json:"repostCount,omitempty"`
	Reactions   map[string]int `json:"reactions,omitempty"`
}

type readPayload struct {
	ReaderID string `json:"readerId"`
}

type typingPayload struct {
	UserID string `json:"userId"`
	Typing *bool  `json:"typing,omitempty"`
}

type presencePayload struct {
	Status PresenceStatus `json:"status"`
}

type deletedPayload struct {
	Version *int64 `json:"version,omitempty"`
}

// Decoder validates raw events against the envelope schema and decodes them
// into the tagged Event variants.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the embedded envelope schema.
func NewDecoder() (*Decoder, error) {
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("realtime: parse envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, document); err != nil {
		return nil, fmt.Errorf("realtime: register envelope schema: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: compile envelope schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode turns one raw event into an Event. Every error is a
// *syncerr.MalformedEventError.
func (d *Decoder) Decode(raw []byte) (Event, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, malformed("invalid json", err)
	}
	if err := d.schema.Validate(instance); err != nil {
		return nil, malformed("envelope rejected by schema", err)
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, malformed("invalid envelope", err)
	}
	return decodeEnvelope(envelope, raw)
}

func decodeEnvelope(envelope Envelope, raw []byte) (Event, error) {
	timestamp, err := time.Parse(time.RFC3339Nano, envelope.ServerTimestamp)
	if err != nil {
		return nil, malformed("invalid serverTimestamp", err)
	}
	meta := Meta{
		Type:            envelope.EventType,
		ID:              entity.ID(strings.TrimSpace(envelope.EntityID)),
		ServerTimestamp: timestamp.UTC(),
		EventID:         strings.TrimSpace(envelope.EventID),
		ActorID:         strings.TrimSpace(envelope.ActorID),
		LocalID:         entity.ID(strings.TrimSpace(envelope.LocalID)),
		fingerprint:     fingerprint(raw),
	}

	switch envelope.EventType {
	case EventTyping:
		var payload typingPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, malformed("invalid typing payload", err)
		}
		typing := payload.Typing == nil || *payload.Typing
		return TypingEvent{Meta: meta, ChatID: meta.ID.String(), UserID: payload.UserID, Typing: typing}, nil
	case EventPresence:
		var payload presencePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, malformed("invalid presence payload", err)
		}
		return PresenceEvent{Meta: meta, UserID: meta.ID.String(), Status: payload.Status}, nil
	}

	kind, err := entity.ParseKind(envelope.EntityKind)
	if err != nil {
		return nil, malformed("unknown entityKind", err)
	}
	meta.Kind = kind

	switch envelope.EventType {
	case EventCreated, EventUpdated:
		var payload entity.Entity
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, malformed("invalid entity payload", err)
		}
		if payload.Kind == "" {
			payload.Kind = kind
		}
		if payload.ID == "" {
			payload.ID = meta.ID
		}
		if payload.Kind != kind || payload.ID != meta.ID {
			return nil, malformed("payload does not match envelope", nil)
		}
		if payload.ServerUpdatedAt == nil {
			payload.ServerUpdatedAt = entity.TimePtr(meta.ServerTimestamp)
		}
		if envelope.EventType == EventCreated && payload.CreatedAt.IsZero() {
			payload.CreatedAt = meta.ServerTimestamp
		}
		if err := payload.Validate(); err != nil {
			return nil, malformed("invalid entity payload", err)
		}
		return EntityEvent{Meta: meta, Entity: payload}, nil
	case EventDeleted:
		var payload deletedPayload
		if len(envelope.Payload) > 0 && string(envelope.Payload) != "null" {
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				return nil, malformed("invalid deleted payload", err)
			}
		}
		return DeletedEvent{Meta: meta, Version: payload.Version}, nil
	case EventReaction:
		var payload reactionPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, malformed("invalid reaction payload", err)
		}
		if !payload.Action.valid() {
			return nil, malformed(fmt.Sprintf("unknown reaction action %q", payload.Action), nil)
		}
		return ReactionEvent{
			Meta:     meta,
			Action:   payload.Action,
			Reaction: payload.Reaction,
			Counts: entity.InteractionPatch{
				LikeCount:   payload.LikeCount,
				SaveCount:   payload.SaveCount,
				RepostCount: payload.RepostCount,
				Reactions:   payload.Reactions,
			},
		}, nil
	case EventRead:
		var payload readPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, malformed("invalid read payload", err)
		}
		return ReadEvent{Meta: meta, ReaderID: strings.TrimSpace(payload.ReaderID)}, nil
	default:
		return nil, malformed(fmt.Sprintf("unknown eventType %q", envelope.EventType), nil)
	}
}

func malformed(reason string, cause error) error {
	return &syncerr.MalformedEventError{Reason: reason, Err: cause}
}

func fingerprint(raw []byte) string {
	hasher := fnv.New64a()
	_, _ = hasher.Write(raw)
	return "fnv:" + strconv.FormatUint(hasher.Sum64(), 16)
}
