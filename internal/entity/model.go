package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the entity kinds held in the store.
type Kind string

const (
	// KindPost is a feed post.
	KindPost Kind = "post"
	// KindMessage is a chat message.
	KindMessage Kind = "message"
	// KindNotification is a notification center item.
	KindNotification Kind = "notification"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("entity: invalid id")
	// ErrInvalidKind indicates that an entity kind is not one of the supported kinds.
	ErrInvalidKind = errors.New("entity: invalid kind")
	// ErrInvalidPayload indicates that the kind-specific payload does not match the entity kind.
	ErrInvalidPayload = errors.New("entity: invalid payload")
	// ErrInvalidVersion indicates that a server version is negative.
	ErrInvalidVersion = errors.New("entity: invalid version")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindPost:
		return KindPost, nil
	case KindMessage:
		return KindMessage, nil
	case KindNotification:
		return KindNotification, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// ID represents a validated, server-assigned (or client-proposed) entity identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// Entity is the normalized row held by the store. Exactly one of Post, Message
// or Notification is set and it must match Kind.
//
// A nil Version marks the entity as optimistic-only: it exists locally but has
// not been confirmed by the server yet.
type Entity struct {
	Kind            Kind                 `json:"kind"`
	ID              ID                   `json:"id"`
	Version         *int64               `json:"version"`
	ServerUpdatedAt *time.Time           `json:"serverUpdatedAt"`
	CreatedAt       time.Time            `json:"createdAt"`
	Interaction     Interaction          `json:"interactionState"`
	Post            *PostPayload         `json:"post,omitempty"`
	Message         *MessagePayload      `json:"message,omitempty"`
	Notification    *NotificationPayload `json:"notification,omitempty"`
}

// IsOptimistic reports whether the entity has never been confirmed by the server.
func (e Entity) IsOptimistic() bool {
	return e.Version == nil
}

// VersionValue returns the confirmed version, if any.
func (e Entity) VersionValue() (int64, bool) {
	if e.Version == nil {
		return 0, false
	}
	return *e.Version, true
}

// Validate checks identifiers and the tagged payload, filling empty enum fields
// (audience, delivery status, priority) with their defaults.
func (e Entity) Validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if _, err := NewID(string(e.ID)); err != nil {
		return err
	}
	if e.Version != nil && *e.Version < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, *e.Version)
	}
	set := 0
	if e.Post != nil {
		set++
	}
	if e.Message != nil {
		set++
	}
	if e.Notification != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: multiple payloads on %s %s", ErrInvalidPayload, e.Kind, e.ID)
	}
	switch e.Kind {
	case KindPost:
		if e.Post == nil {
			return fmt.Errorf("%w: post payload missing", ErrInvalidPayload)
		}
		return e.Post.validate()
	case KindMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: message payload missing", ErrInvalidPayload)
		}
		return e.Message.validate()
	default:
		if e.Notification == nil {
			return fmt.Errorf("%w: notification payload missing", ErrInvalidPayload)
		}
		return e.Notification.validate()
	}
}

// SortTime returns the timestamp used for display ordering: the server update
// time when known, otherwise the creation time.
func (e Entity) SortTime() time.Time {
	if e.ServerUpdatedAt != nil {
		return *e.ServerUpdatedAt
	}
	return e.CreatedAt
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (e Entity) Clone() Entity {
	copied := e
	if e.Version != nil {
		copied.Version = VersionPtr(*e.Version)
	}
	if e.ServerUpdatedAt != nil {
		ts := *e.ServerUpdatedAt
		copied.ServerUpdatedAt = &ts
	}
	copied.Interaction = e.Interaction.Clone()
	if e.Post != nil {
		post := *e.Post
		post.Attachments = cloneAttachments(e.Post.Attachments)
		copied.Post = &post
	}
	if e.Message != nil {
		message := *e.Message
		message.Attachments = cloneAttachments(e.Message.Attachments)
		copied.Message = &message
	}
	if e.Notification != nil {
		notification := *e.Notification
		copied.Notification = &notification
	}
	return copied
}

// VersionPtr returns a pointer to a copy of the version value.
func VersionPtr(value int64) *int64 {
	v := value
	return &v
}

// TimePtr returns a pointer to a copy of the timestamp.
func TimePtr(value time.Time) *time.Time {
	v := value
	return &v
}
