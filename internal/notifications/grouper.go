package notifications

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"go.uber.org/zap"
)

// ErrMissingStore indicates that a Grouper was constructed without a store.
var ErrMissingStore = errors.New("notifications: store is required")

// Config describes the dependencies of a Grouper.
type Config struct {
	Store *store.Store
	// RecipientID restricts grouping to one user's notifications when set.
	RecipientID string
	Logger      *zap.Logger
}

// Grouper keeps the derived groups current with the store's notification
// slice. It recomputes once per coalesced store notification.
type Grouper struct {
	store       *store.Store
	recipientID string
	logger      *zap.Logger

	// recomputing serializes recomputes so listeners observe them in order.
	recomputing sync.Mutex
	mu          sync.RWMutex
	groups      []Group
	listeners   map[uint64]func([]Group)
	nextID      uint64
	unsubscribe func()
}

// NewGrouper constructs a Grouper and computes the initial groups.
func NewGrouper(cfg Config) (*Grouper, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Grouper{
		store:       cfg.Store,
		recipientID: strings.TrimSpace(cfg.RecipientID),
		logger:      logger,
		listeners:   make(map[uint64]func([]Group)),
	}
	g.recompute()
	g.unsubscribe = cfg.Store.Subscribe(store.KindSelector(entity.KindNotification), g.recompute)
	return g, nil
}

// Groups returns the current groups.
func (g *Grouper) Groups() []Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyGroups(g.groups)
}

// UnreadTotal returns the unread count across every group.
func (g *Grouper) UnreadTotal() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return UnreadTotal(g.groups)
}

// Subscribe registers fn to receive the groups after every recompute.
func (g *Grouper) Subscribe(fn func([]Group)) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Close detaches the grouper from the store.
func (g *Grouper) Close() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.listeners = make(map[uint64]func([]Group))
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (g *Grouper) recompute() {
	g.recomputing.Lock()
	defer g.recomputing.Unlock()

	slice := g.store.List(entity.KindNotification)
	if g.recipientID != "" {
		filtered := slice[:0]
		for _, candidate := range slice {
			if candidate.Notification != nil && candidate.Notification.RecipientID == g.recipientID {
				filtered = append(filtered, candidate)
			}
		}
		slice = filtered
	}
	groups := DeriveGroups(slice)

	g.mu.Lock()
	g.groups = groups
	ids := make([]uint64, 0, len(g.listeners))
	for id := range g.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func([]Group), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, g.listeners[id])
	}
	g.mu.Unlock()

	g.logger.Debug("notification groups recomputed",
		zap.Int("groups", len(groups)),
		zap.Int("unread", UnreadTotal(groups)))
	for _, listener := range listeners {
		listener(copyGroups(groups))
	}
}

func copyGroups(groups []Group) []Group {
	copied := make([]Group, len(groups))
	for i, group := range groups {
		copied[i] = group
		copied[i].Notifications = make([]entity.Entity, len(group.Notifications))
		for j, notification := range group.Notifications {
			copied[i].Notifications[j] = notification.Clone()
		}
	}
	return copied
}
