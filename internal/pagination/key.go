package pagination

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
)

// ErrInvalidCollectionKey indicates that a collection key has an unknown namespace or empty scope.
var ErrInvalidCollectionKey = errors.New("pagination: invalid collection key")

// Namespace is the collection family encoded before the colon of a key.
type Namespace string

const (
	NamespaceFeed          Namespace = "feed"
	NamespaceChat          Namespace = "chat"
	NamespaceNotifications Namespace = "notifications"
)

// Ordering is the display order of a collection.
type Ordering int

const (
	// NewestFirst orders by server update time descending, ties broken by id.
	NewestFirst Ordering = iota
	// Chronological orders by creation time ascending, ties broken by id.
	Chronological
)

// CollectionKey names one paginated collection, e.g. "feed:all" or "chat:c-42".
type CollectionKey string

// ParseCollectionKey validates raw input and returns a CollectionKey.
func ParseCollectionKey(rawInput string) (CollectionKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	namespace, scope, found := strings.Cut(trimmed, ":")
	if !found || strings.TrimSpace(scope) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidCollectionKey, rawInput)
	}
	switch Namespace(namespace) {
	case NamespaceFeed, NamespaceChat, NamespaceNotifications:
		return CollectionKey(trimmed), nil
	default:
		return "", fmt.Errorf("%w: unknown namespace %q", ErrInvalidCollectionKey, namespace)
	}
}

// FeedKey returns the key of a feed filtered by filter.
func FeedKey(filter string) CollectionKey {
	return CollectionKey(string(NamespaceFeed) + ":" + filter)
}

// ChatKey returns the key of a chat thread.
func ChatKey(chatID string) CollectionKey {
	return CollectionKey(string(NamespaceChat) + ":" + chatID)
}

// NotificationsKey returns the key of a user's notification list.
func NotificationsKey(userID string) CollectionKey {
	return CollectionKey(string(NamespaceNotifications) + ":" + userID)
}

// String returns the raw key.
func (k CollectionKey) String() string {
	return string(k)
}

// Namespace returns the collection family.
func (k CollectionKey) Namespace() Namespace {
	namespace, _, _ := strings.Cut(string(k), ":")
	return Namespace(namespace)
}

// Scope returns the part after the namespace, e.g. the chat id.
func (k CollectionKey) Scope() string {
	_, scope, _ := strings.Cut(string(k), ":")
	return scope
}

// EntityKind returns the kind of entity the collection lists.
func (k CollectionKey) EntityKind() entity.Kind {
	switch k.Namespace() {
	case NamespaceChat:
		return entity.KindMessage
	case NamespaceNotifications:
		return entity.KindNotification
	default:
		return entity.KindPost
	}
}

// Ordering returns the display order of the collection.
func (k CollectionKey) Ordering() Ordering {
	if k.Namespace() == NamespaceChat {
		return Chronological
	}
	return NewestFirst
}
