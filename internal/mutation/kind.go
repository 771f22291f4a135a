package mutation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
)

// ErrUnknownKind indicates that a mutation kind is not supported.
var ErrUnknownKind = errors.New("mutation: unknown kind")

// Kind enumerates the optimistic mutation kinds.
type Kind string

const (
	KindLike        Kind = "like"
	KindSave        Kind = "save"
	KindRepost      Kind = "repost"
	KindMarkRead    Kind = "markRead"
	KindSendMessage Kind = "sendMessage"
	KindPublishPost Kind = "publishPost"
	KindAddReaction Kind = "addReaction"
	KindPin         Kind = "pin"
	KindMute        Kind = "mute"
	KindArchive     Kind = "archive"
)

var knownKinds = map[string]Kind{
	strings.ToLower(string(KindLike)):        KindLike,
	strings.ToLower(string(KindSave)):        KindSave,
	strings.ToLower(string(KindRepost)):      KindRepost,
	strings.ToLower(string(KindMarkRead)):    KindMarkRead,
	strings.ToLower(string(KindSendMessage)): KindSendMessage,
	strings.ToLower(string(KindPublishPost)): KindPublishPost,
	strings.ToLower(string(KindAddReaction)): KindAddReaction,
	strings.ToLower(string(KindPin)):         KindPin,
	strings.ToLower(string(KindMute)):        KindMute,
	strings.ToLower(string(KindArchive)):     KindArchive,
}

// ParseKind validates raw input case-insensitively and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	kind, ok := knownKinds[strings.ToLower(strings.TrimSpace(rawInput))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
	return kind, nil
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	known, ok := knownKinds[strings.ToLower(string(k))]
	return ok && known == k
}

// Creates reports whether the mutation creates its target entity. Rolling
// back a creation removes the entity instead of restoring a snapshot.
func (k Kind) Creates() bool {
	return k == KindSendMessage || k == KindPublishPost
}

func (k Kind) String() string {
	return string(k)
}

// Status is the lifecycle state of a mutation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Target addresses the entity a mutation acts on.
type Target struct {
	Kind entity.Kind
	ID   entity.ID
}

func (t Target) String() string {
	return t.Kind.String() + ":" + t.ID.String()
}
