// Package store holds the normalized entity cache that every other component
// reads from and writes to. It is the single shared mutable resource of the
// client: mutations are serialized under one lock and subscribers are notified
// after the lock is released, coalesced per operation or per Batch.
package store

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that the addressed entity is not cached.
	ErrNotFound = errors.New("store: entity not found")
	// ErrKindMismatch indicates that an entity was written under a different kind than it declares.
	ErrKindMismatch = errors.New("store: entity kind mismatch")
	noOpLogger      = zap.NewNop()
)

// UpsertOutcome reports what Upsert did with the incoming entity.
type UpsertOutcome int

const (
	// Unchanged means the incoming entity was deep-equal to the stored one.
	Unchanged UpsertOutcome = iota
	// Stored means the incoming entity replaced (or created) the row.
	Stored
	// RejectedStale means the incoming confirmed version was older than the stored one.
	RejectedStale
)

func (o UpsertOutcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case RejectedStale:
		return "rejected_stale"
	default:
		return "unchanged"
	}
}

// Config describes the dependencies of a Store.
type Config struct {
	Logger *zap.Logger
}

type rowKey struct {
	kind entity.Kind
	id   entity.ID
}

type membership struct {
	kind entity.Kind
	ids  []entity.ID
}

type subscription struct {
	id       uint64
	selector Selector
	callback func()
	active   atomic.Bool
}

// Store is the normalized, keyed cache for posts, messages and notifications.
type Store struct {
	mu sync.Mutex

	rows        map[entity.Kind]map[entity.ID]entity.Entity
	memberships map[string]membership
	reverse     map[rowKey]map[string]struct{}

	subscriptions map[uint64]*subscription
	byEntity      map[rowKey]map[uint64]struct{}
	byKind        map[entity.Kind]map[uint64]struct{}
	byCollection  map[string]map[uint64]struct{}
	nextID        uint64

	batchDepth int
	dirty      map[uint64]struct{}

	logger *zap.Logger
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		rows:          make(map[entity.Kind]map[entity.ID]entity.Entity),
		memberships:   make(map[string]membership),
		reverse:       make(map[rowKey]map[string]struct{}),
		subscriptions: make(map[uint64]*subscription),
		byEntity:      make(map[rowKey]map[uint64]struct{}),
		byKind:        make(map[entity.Kind]map[uint64]struct{}),
		byCollection:  make(map[string]map[uint64]struct{}),
		dirty:         make(map[uint64]struct{}),
		logger:        logger,
	}
}

// Upsert merges the entity by id. A confirmed incoming version older than the
// stored confirmed version is a no-op; anything else replaces the row.
func (s *Store) Upsert(kind entity.Kind, incoming entity.Entity) (UpsertOutcome, error) {
	candidate := incoming.Clone()
	if candidate.Kind == "" {
		candidate.Kind = kind
	}
	if candidate.Kind != kind {
		return Unchanged, fmt.Errorf("%w: wrote %s as %s", ErrKindMismatch, candidate.Kind, kind)
	}
	if err := candidate.Validate(); err != nil {
		return Unchanged, err
	}

	s.mu.Lock()
	key := rowKey{kind: kind, id: candidate.ID}
	existing, found := s.rows[kind][candidate.ID]
	if found {
		if isStale(existing, candidate) {
			s.mu.Unlock()
			s.logger.Debug("stale upsert ignored",
				zap.String("kind", kind.String()),
				zap.String("entity_id", candidate.ID.String()),
				zap.Int64p("stored_version", existing.Version),
				zap.Int64p("incoming_version", candidate.Version))
			return RejectedStale, nil
		}
		if reflect.DeepEqual(existing, candidate) {
			s.mu.Unlock()
			return Unchanged, nil
		}
	}
	s.putLocked(key, candidate)
	pending := s.commitLocked()
	s.mu.Unlock()

	s.fire(pending)
	return Stored, nil
}

// Get returns a copy of the cached entity.
func (s *Store) Get(kind entity.Kind, id entity.ID) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[kind][id]
	if !ok {
		return entity.Entity{}, false
	}
	return row.Clone(), true
}

// Has reports whether the entity is cached.
func (s *Store) Has(kind entity.Kind, id entity.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[kind][id]
	return ok
}

// PatchInteraction shallow-merges the patch into the entity's interaction
// state. The version is left untouched.
func (s *Store) PatchInteraction(kind entity.Kind, id entity.ID, patch entity.InteractionPatch) error {
	s.mu.Lock()
	row, ok := s.rows[kind][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	next := patch.Apply(row.Interaction)
	if reflect.DeepEqual(next, row.Interaction) {
		s.mu.Unlock()
		return nil
	}
	row.Interaction = next
	s.putLocked(rowKey{kind: kind, id: id}, row)
	pending := s.commitLocked()
	s.mu.Unlock()

	s.fire(pending)
	return nil
}

// Remove deletes the entity. It reports whether a row existed.
func (s *Store) Remove(kind entity.Kind, id entity.ID) bool {
	s.mu.Lock()
	if _, ok := s.rows[kind][id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.rows[kind], id)
	s.markRowLocked(rowKey{kind: kind, id: id})
	pending := s.commitLocked()
	s.mu.Unlock()

	s.fire(pending)
	return true
}

// Restore writes a previously captured snapshot back verbatim, bypassing the
// version ordering check. It is reserved for rolling back optimistic state.
func (s *Store) Restore(snapshot entity.Entity) {
	row := snapshot.Clone()
	s.mu.Lock()
	existing, found := s.rows[row.Kind][row.ID]
	if found && reflect.DeepEqual(existing, row) {
		s.mu.Unlock()
		return
	}
	s.putLocked(rowKey{kind: row.Kind, id: row.ID}, row)
	pending := s.commitLocked()
	s.mu.Unlock()

	s.fire(pending)
}

// List returns copies of every cached entity of the kind, ordered by id.
func (s *Store) List(kind entity.Kind) []entity.Entity {
	s.mu.Lock()
	rows := make([]entity.Entity, 0, len(s.rows[kind]))
	for _, row := range s.rows[kind] {
		rows = append(rows, row.Clone())
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// Len returns the number of cached entities of the kind.
func (s *Store) Len(kind entity.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[kind])
}

// SetMembership records which entity ids currently belong to a collection so
// that entity changes also notify the collection's subscribers.
func (s *Store) SetMembership(collection string, kind entity.Kind, ids []entity.ID) {
	s.mu.Lock()
	s.dropMembershipLocked(collection)
	copied := make([]entity.ID, len(ids))
	copy(copied, ids)
	s.memberships[collection] = membership{kind: kind, ids: copied}
	for _, id := range copied {
		key := rowKey{kind: kind, id: id}
		if s.reverse[key] == nil {
			s.reverse[key] = make(map[string]struct{})
		}
		s.reverse[key][collection] = struct{}{}
	}
	s.markCollectionLocked(collection)
	pending := s.commitLocked()
	s.mu.Unlock()

	s.fire(pending)
}

// DropMembership forgets a collection's membership.
func (s *Store) DropMembership(collection string) {
	s.mu.Lock()
	if _, ok := s.memberships[collection]; !ok {
		s.mu.Unlock()
		return
	}
	s.dropMembershipLocked(collection)
	s.markCollectionLocked(collection)
	pending := s.commitLocked()
	s.mu.Unlock()

	s.fire(pending)
}

// Batch runs fn and defers subscriber notifications until it returns, so each
// affected subscriber fires at most once for the whole batch.
func (s *Store) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batchDepth--
		pending := s.commitLocked()
		s.mu.Unlock()
		s.fire(pending)
	}()
	fn()
}

func (s *Store) putLocked(key rowKey, row entity.Entity) {
	if s.rows[key.kind] == nil {
		s.rows[key.kind] = make(map[entity.ID]entity.Entity)
	}
	s.rows[key.kind][key.id] = row
	s.markRowLocked(key)
}

func (s *Store) dropMembershipLocked(collection string) {
	previous, ok := s.memberships[collection]
	if !ok {
		return
	}
	for _, id := range previous.ids {
		key := rowKey{kind: previous.kind, id: id}
		delete(s.reverse[key], collection)
		if len(s.reverse[key]) == 0 {
			delete(s.reverse, key)
		}
	}
	delete(s.memberships, collection)
}

func (s *Store) markRowLocked(key rowKey) {
	for id := range s.byEntity[key] {
		s.dirty[id] = struct{}{}
	}
	for id := range s.byKind[key.kind] {
		s.dirty[id] = struct{}{}
	}
	for collection := range s.reverse[key] {
		s.markCollectionLocked(collection)
	}
}

func (s *Store) markCollectionLocked(collection string) {
	for id := range s.byCollection[collection] {
		s.dirty[id] = struct{}{}
	}
}

func (s *Store) commitLocked() []*subscription {
	if s.batchDepth > 0 || len(s.dirty) == 0 {
		return nil
	}
	pending := make([]*subscription, 0, len(s.dirty))
	for id := range s.dirty {
		if sub, ok := s.subscriptions[id]; ok {
			pending = append(pending, sub)
		}
	}
	s.dirty = make(map[uint64]struct{})
	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	return pending
}

func (s *Store) fire(pending []*subscription) {
	for _, sub := range pending {
		if !sub.active.Load() {
			continue
		}
		s.invoke(sub)
	}
}

func (s *Store) invoke(sub *subscription) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("store subscriber panicked",
				zap.Uint64("subscription_id", sub.id),
				zap.Any("panic", recovered))
		}
	}()
	sub.callback()
}

func isStale(existing, incoming entity.Entity) bool {
	if existing.Version == nil || incoming.Version == nil {
		return false
	}
	return *incoming.Version < *existing.Version
}
