package realtime

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const defaultTypingTTL = 6 * time.Second

type typingKey struct {
	chatID string
	userID string
}

// Presence keeps ephemeral typing indicators and availability. None of it is
// entity state, so it lives outside the store.
type Presence struct {
	typing   *xsync.MapOf[typingKey, time.Time]
	statuses *xsync.MapOf[string, PresenceStatus]
	ttl      time.Duration
	clock    func() time.Time
}

// NewPresence constructs a board whose typing indicators expire after ttl.
func NewPresence(ttl time.Duration, clock func() time.Time) *Presence {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Presence{
		typing:   xsync.NewMapOf[typingKey, time.Time](),
		statuses: xsync.NewMapOf[string, PresenceStatus](),
		ttl:      ttl,
		clock:    clock,
	}
}

// SetTyping starts or stops a typing indicator.
func (p *Presence) SetTyping(chatID, userID string, typing bool) {
	key := typingKey{chatID: chatID, userID: userID}
	if !typing {
		p.typing.Delete(key)
		return
	}
	p.typing.Store(key, p.clock().Add(p.ttl))
}

// Typing lists the users currently typing in a chat.
func (p *Presence) Typing(chatID string) []string {
	now := p.clock()
	users := make([]string, 0)
	p.typing.Range(func(key typingKey, expiry time.Time) bool {
		if key.chatID == chatID && expiry.After(now) {
			users = append(users, key.userID)
		}
		return true
	})
	sort.Strings(users)
	return users
}

// SetStatus records a user's availability.
func (p *Presence) SetStatus(userID string, status PresenceStatus) {
	if status == PresenceOffline {
		p.statuses.Delete(userID)
		return
	}
	p.statuses.Store(userID, status)
}

// Status returns a user's availability, offline when unknown.
func (p *Presence) Status(userID string) PresenceStatus {
	status, ok := p.statuses.Load(userID)
	if !ok {
		return PresenceOffline
	}
	return status
}

// Prune drops expired typing indicators and returns how many were removed.
func (p *Presence) Prune() int {
	now := p.clock()
	removed := 0
	p.typing.Range(func(key typingKey, expiry time.Time) bool {
		if !expiry.After(now) {
			p.typing.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Reset forgets every indicator, e.g. after the realtime channel dropped.
func (p *Presence) Reset() {
	p.typing.Clear()
	p.statuses.Clear()
}
