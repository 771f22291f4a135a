// Package realtime decodes push events and reconciles them against in-flight
// mutations and the entity store.
package realtime

import (
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
)

// EventType is the push event discriminator.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventReaction EventType = "reaction"
	EventTyping   EventType = "typing"
	EventPresence EventType = "presence"
	EventRead     EventType = "read"
)

// Meta is the envelope information shared by every event.
type Meta struct {
	Type EventType
	// Kind is empty for typing and presence events.
	Kind            entity.Kind
	ID              entity.ID
	ServerTimestamp time.Time
	EventID         string
	ActorID         string
	// LocalID is the client id a created entity was submitted under, if echoed.
	LocalID entity.ID

	fingerprint string
}

// Key identifies the delivery for duplicate suppression.
func (m Meta) Key() string {
	if m.EventID != "" {
		return m.EventID
	}
	if m.fingerprint != "" {
		return m.fingerprint
	}
	return string(m.Type) + "|" + m.Kind.String() + "|" + m.ID.String() + "|" + m.ActorID + "|" +
		strconv.FormatInt(m.ServerTimestamp.UnixNano(), 10)
}

func (m Meta) target() mutation.Target {
	return mutation.Target{Kind: m.Kind, ID: m.ID}
}

// Event is a decoded push event. The concrete types are EntityEvent,
// DeletedEvent, ReactionEvent, ReadEvent, TypingEvent and PresenceEvent.
type Event interface {
	Metadata() Meta
	isEvent()
}

// EntityEvent carries a created or updated entity.
type EntityEvent struct {
	Meta
	Entity entity.Entity
}

// DeletedEvent reports a confirmed deletion.
type DeletedEvent struct {
	Meta
	Version *int64
}

// ReactionAction names what changed in a reaction event.
type ReactionAction string

const (
	ActionLike     ReactionAction = "like"
	ActionUnlike   ReactionAction = "unlike"
	ActionSave     ReactionAction = "save"
	ActionUnsave   ReactionAction = "unsave"
	ActionRepost   ReactionAction = "repost"
	ActionUnrepost ReactionAction = "unrepost"
	ActionReact    ReactionAction = "react"
	ActionUnreact  ReactionAction = "unreact"
)

func (a ReactionAction) valid() bool {
	switch a {
	case ActionLike, ActionUnlike, ActionSave, ActionUnsave, ActionRepost, ActionUnrepost, ActionReact, ActionUnreact:
		return true
	default:
		return false
	}
}

// mutationKind maps the action to the optimistic mutation it may echo.
func (a ReactionAction) mutationKind() mutation.Kind {
	switch a {
	case ActionLike, ActionUnlike:
		return mutation.KindLike
	case ActionSave, ActionUnsave:
		return mutation.KindSave
	case ActionRepost, ActionUnrepost:
		return mutation.KindRepost
	default:
		return mutation.KindAddReaction
	}
}

// ReactionEvent carries the authoritative counters after a reaction change.
type ReactionEvent struct {
	Meta
	Action   ReactionAction
	Reaction string
	Counts   entity.InteractionPatch
}

// Patch returns the interaction patch to apply. Viewer flags (liked, saved,
// reposted) are only set when the viewer caused the event.
func (e ReactionEvent) Patch(byViewer bool) entity.InteractionPatch {
	patch := entity.InteractionPatch{
		LikeCount:   e.Counts.LikeCount,
		SaveCount:   e.Counts.SaveCount,
		RepostCount: e.Counts.RepostCount,
		Reactions:   e.Counts.Reactions,
		UpdatedAt:   entity.TimePtr(e.ServerTimestamp),
	}
	if !byViewer {
		return patch
	}
	switch e.Action {
	case ActionLike, ActionUnlike:
		patch.Liked = entity.Bool(e.Action == ActionLike)
	case ActionSave, ActionUnsave:
		patch.Saved = entity.Bool(e.Action == ActionSave)
	case ActionRepost, ActionUnrepost:
		patch.Reposted = entity.Bool(e.Action == ActionRepost)
	}
	return patch
}

// ReadEvent reports that a reader has read the entity.
type ReadEvent struct {
	Meta
	ReaderID string
}

// TypingEvent reports a typing indicator in a chat.
type TypingEvent struct {
	Meta
	ChatID string
	UserID string
	Typing bool
}

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceEvent reports a user's availability.
type PresenceEvent struct {
	Meta
	UserID string
	Status PresenceStatus
}

func (e EntityEvent) Metadata() Meta   { return e.Meta }
func (e DeletedEvent) Metadata() Meta  { return e.Meta }
func (e ReactionEvent) Metadata() Meta { return e.Meta }
func (e ReadEvent) Metadata() Meta     { return e.Meta }
func (e TypingEvent) Metadata() Meta   { return e.Meta }
func (e PresenceEvent) Metadata() Meta { return e.Meta }

func (EntityEvent) isEvent()   {}
func (DeletedEvent) isEvent()  {}
func (ReactionEvent) isEvent() {}
func (ReadEvent) isEvent()     {}
func (TypingEvent) isEvent()   {}
func (PresenceEvent) isEvent() {}
