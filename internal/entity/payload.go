package entity

import (
	"fmt"
	"strings"
)

// Audience controls who can see a post.
type Audience string

const (
	AudiencePublic      Audience = "public"
	AudienceConnections Audience = "connections"
	AudienceCompany     Audience = "company"
)

// ChatType enumerates the supported chat kinds.
type ChatType string

const (
	ChatTypeDirect  ChatType = "direct"
	ChatTypeGroup   ChatType = "group"
	ChatTypeProduct ChatType = "product"
	ChatTypeSupport ChatType = "support"
)

// DeliveryStatus tracks a message through the delivery pipeline.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// NotificationType is the grouping discriminator for notifications.
type NotificationType string

const (
	NotificationTypePost       NotificationType = "post"
	NotificationTypeChat       NotificationType = "chat"
	NotificationTypeConnection NotificationType = "connection"
	NotificationTypeProduct    NotificationType = "product"
	NotificationTypeMention    NotificationType = "mention"
	NotificationTypeSystem     NotificationType = "system"
)

// NotificationAction describes what happened to the notification target.
type NotificationAction string

const (
	ActionLike              NotificationAction = "like"
	ActionComment           NotificationAction = "comment"
	ActionRepost            NotificationAction = "repost"
	ActionMention           NotificationAction = "mention"
	ActionMessage           NotificationAction = "message"
	ActionConnectionRequest NotificationAction = "connection_request"
	ActionConnectionAccept  NotificationAction = "connection_accept"
	ActionProductInquiry    NotificationAction = "product_inquiry"
	ActionAnnouncement      NotificationAction = "announcement"
)

// Priority ranks notifications for display emphasis.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Attachment references uploaded media. Upload mechanics live elsewhere.
type Attachment struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
	Name      string `json:"name,omitempty"`
}

// PostPayload is the feed-specific part of a post.
type PostPayload struct {
	AuthorID    string       `json:"authorId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Audience    Audience     `json:"audience"`
	RepostOf    ID           `json:"repostOf,omitempty"`
}

func (p *PostPayload) validate() error {
	if strings.TrimSpace(p.AuthorID) == "" {
		return fmt.Errorf("%w: post author required", ErrInvalidPayload)
	}
	switch p.Audience {
	case AudiencePublic, AudienceConnections, AudienceCompany:
		return nil
	case "":
		p.Audience = AudiencePublic
		return nil
	default:
		return fmt.Errorf("%w: unknown audience %q", ErrInvalidPayload, p.Audience)
	}
}

// MessagePayload is the chat-specific part of a message.
type MessagePayload struct {
	ChatID         string         `json:"chatId"`
	ChatType       ChatType       `json:"chatType"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
}

func (m *MessagePayload) validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("%w: message chat id required", ErrInvalidPayload)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: message sender required", ErrInvalidPayload)
	}
	switch m.ChatType {
	case ChatTypeDirect, ChatTypeGroup, ChatTypeProduct, ChatTypeSupport:
	default:
		return fmt.Errorf("%w: unknown chat type %q", ErrInvalidPayload, m.ChatType)
	}
	switch m.DeliveryStatus {
	case DeliverySending, DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return nil
	case "":
		m.DeliveryStatus = DeliverySent
		return nil
	default:
		return fmt.Errorf("%w: unknown delivery status %q", ErrInvalidPayload, m.DeliveryStatus)
	}
}

// NotificationPayload is the notification-specific part of a notification.
type NotificationPayload struct {
	RecipientID string             `json:"recipientId"`
	ActorID     string             `json:"actorId"`
	Type        NotificationType   `json:"type"`
	Action      NotificationAction `json:"action"`
	TargetID    string             `json:"targetId,omitempty"`
	TargetKind  Kind               `json:"targetKind,omitempty"`
	Text        string             `json:"text,omitempty"`
	Priority    Priority           `json:"priority"`
}

func (n *NotificationPayload) validate() error {
	switch n.Type {
	case NotificationTypePost, NotificationTypeChat, NotificationTypeConnection,
		NotificationTypeProduct, NotificationTypeMention, NotificationTypeSystem:
	default:
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidPayload, n.Type)
	}
	switch n.Action {
	case ActionLike, ActionComment, ActionRepost, ActionMention, ActionMessage,
		ActionConnectionRequest, ActionConnectionAccept, ActionProductInquiry, ActionAnnouncement, "":
	default:
		return fmt.Errorf("%w: unknown notification action %q", ErrInvalidPayload, n.Action)
	}
	switch n.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return nil
	case "":
		n.Priority = PriorityNormal
		return nil
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidPayload, n.Priority)
	}
}

func cloneAttachments(attachments []Attachment) []Attachment {
	if attachments == nil {
		return nil
	}
	copied := make([]Attachment, len(attachments))
	copy(copied, attachments)
	return copied
}
