// Package pagination keeps one ordered, deduplicated id window per collection
// and merges fetched pages into the entity store.
package pagination

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownCollection indicates that no window exists for the key yet.
	ErrUnknownCollection = errors.New("pagination: collection not loaded")
	// ErrSuperseded indicates that a fetch resolved after a newer first-page fetch or an unsubscribe.
	ErrSuperseded = errors.New("pagination: fetch superseded")
	// ErrMissingStore indicates that the manager was built without a store.
	ErrMissingStore = errors.New("pagination: store is required")
	noOpLogger      = zap.NewNop()
)

const (
	resultOK         = "ok"
	resultError      = "error"
	resultSuperseded = "superseded"
)

// Page is one fetched page.
type Page struct {
	Items      []entity.Entity
	NextCursor *string
}

// Fetcher loads the page that starts at cursor; a nil cursor requests the first page.
type Fetcher func(ctx context.Context, cursor *string) (Page, error)

// Observer receives fetch outcomes, e.g. for metrics.
type Observer interface {
	ObservePageFetch(namespace string, result string)
}

// Window is a read-only snapshot of a collection's pagination state.
type Window struct {
	Key           CollectionKey
	Items         []entity.ID
	Cursor        *string
	IsLoadingMore bool
}

// Exhausted reports whether the server has no further pages.
func (w Window) Exhausted() bool {
	return w.Cursor == nil
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store    *store.Store
	Logger   *zap.Logger
	Observer Observer
}

type window struct {
	key         CollectionKey
	items       []entity.ID
	index       map[entity.ID]struct{}
	cursor      *string
	loadingMore bool
}

// Manager owns every PageWindow of the client.
type Manager struct {
	mu          sync.Mutex
	store       *store.Store
	windows     map[CollectionKey]*window
	generations map[CollectionKey]uint64
	flights     singleflight.Group
	logger      *zap.Logger
	observer    Observer
}

// NewManager constructs a Manager bound to the store.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:       cfg.Store,
		windows:     make(map[CollectionKey]*window),
		generations: make(map[CollectionKey]uint64),
		logger:      logger,
		observer:    cfg.Observer,
	}, nil
}

// FetchFirstPage loads the first page and replaces the window. Concurrent
// calls for the same key share one in-flight request.
func (m *Manager) FetchFirstPage(ctx context.Context, key CollectionKey, fetcher Fetcher) (Window, error) {
	m.mu.Lock()
	generation := m.generations[key]
	m.mu.Unlock()
	return m.awaitFirstPage(ctx, key, generation, fetcher)
}

// ReplaceFirstPage supersedes any in-flight fetch for the key (for example
// after a filter change) and loads the first page again. Responses of the
// superseded fetches are discarded when they arrive.
func (m *Manager) ReplaceFirstPage(ctx context.Context, key CollectionKey, fetcher Fetcher) (Window, error) {
	m.mu.Lock()
	m.generations[key]++
	generation := m.generations[key]
	m.mu.Unlock()
	return m.awaitFirstPage(ctx, key, generation, fetcher)
}

func (m *Manager) awaitFirstPage(ctx context.Context, key CollectionKey, generation uint64, fetcher Fetcher) (Window, error) {
	flightKey := key.String() + "#" + strconv.FormatUint(generation, 10)
	detached := context.WithoutCancel(ctx)
	results := m.flights.DoChan(flightKey, func() (any, error) {
		return m.loadFirstPage(detached, key, generation, fetcher)
	})

	select {
	case <-ctx.Done():
		return Window{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return Window{}, result.Err
		}
		return result.Val.(Window), nil
	}
}

func (m *Manager) loadFirstPage(ctx context.Context, key CollectionKey, generation uint64, fetcher Fetcher) (Window, error) {
	page, fetchErr := fetcher(ctx, nil)

	var (
		snapshot Window
		err      error
	)
	m.mutate(func() {
		if m.generations[key] != generation {
			err = ErrSuperseded
			return
		}
		if fetchErr != nil {
			err = fetchErr
			return
		}
		// Bumping the generation invalidates next-page fetches issued against the old window.
		m.generations[key]++
		previous := m.windows[key]
		w := &window{key: key, index: make(map[entity.ID]struct{})}
		m.windows[key] = w
		m.appendLocked(w, m.mergeLocked(key, page.Items))
		m.carryOptimisticLocked(previous, w)
		w.cursor = copyCursor(page.NextCursor)
		m.store.SetMembership(key.String(), key.EntityKind(), w.items)
		snapshot = m.snapshotLocked(w)
	})

	m.observe(key, err)
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			m.logger.Warn("first page fetch failed",
				zap.String("collection", key.String()),
				zap.Error(err))
		}
		return Window{}, err
	}
	return snapshot, nil
}

// FetchNextPage appends the next page. It resolves immediately without
// fetching when the collection is exhausted or a next-page fetch is already
// in flight.
func (m *Manager) FetchNextPage(ctx context.Context, key CollectionKey, fetcher Fetcher) (Window, error) {
	var (
		cursor     *string
		generation uint64
		current    *window
		snapshot   Window
		skip       bool
		err        error
	)
	m.mutate(func() {
		current = m.windows[key]
		if current == nil {
			err = ErrUnknownCollection
			return
		}
		if current.cursor == nil || current.loadingMore {
			skip = true
			snapshot = m.snapshotLocked(current)
			return
		}
		current.loadingMore = true
		cursor = copyCursor(current.cursor)
		generation = m.generations[key]
		m.store.SetMembership(key.String(), key.EntityKind(), current.items)
	})
	if err != nil {
		return Window{}, err
	}
	if skip {
		return snapshot, nil
	}

	page, fetchErr := fetcher(ctx, cursor)

	m.mutate(func() {
		if m.generations[key] != generation || m.windows[key] != current {
			err = ErrSuperseded
			return
		}
		current.loadingMore = false
		if fetchErr != nil {
			err = fetchErr
			m.store.SetMembership(key.String(), key.EntityKind(), current.items)
			return
		}
		m.appendLocked(current, m.mergeLocked(key, page.Items))
		current.cursor = copyCursor(page.NextCursor)
		m.store.SetMembership(key.String(), key.EntityKind(), current.items)
		snapshot = m.snapshotLocked(current)
	})

	m.observe(key, err)
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			m.logger.Warn("next page fetch failed",
				zap.String("collection", key.String()),
				zap.Error(err))
		}
		return Window{}, err
	}
	return snapshot, nil
}

// PrependLocal makes a locally created entity visible without a re-fetch: at
// the head of newest-first collections, at the tail of chronological ones. It
// reports false when the window does not exist or already lists the id.
func (m *Manager) PrependLocal(key CollectionKey, id entity.ID) bool {
	inserted := false
	m.mutate(func() {
		w := m.windows[key]
		if w == nil {
			return
		}
		if _, exists := w.index[id]; exists {
			return
		}
		if key.Ordering() == Chronological {
			m.insertAtLocked(w, len(w.items), id)
		} else {
			m.insertAtLocked(w, 0, id)
		}
		m.store.SetMembership(key.String(), key.EntityKind(), w.items)
		inserted = true
	})
	return inserted
}

// InsertOrdered places a pushed entity into its timestamp slot according to
// the collection ordering. The entity must already be in the store. It
// reports false when the window does not exist, the entity is unknown or the
// id is already listed.
func (m *Manager) InsertOrdered(key CollectionKey, id entity.ID) bool {
	inserted := false
	m.mutate(func() {
		w := m.windows[key]
		if w == nil {
			return
		}
		if _, exists := w.index[id]; exists {
			return
		}
		target, ok := m.store.Get(key.EntityKind(), id)
		if !ok {
			return
		}
		m.insertAtLocked(w, m.slotLocked(key, w, target), id)
		m.store.SetMembership(key.String(), key.EntityKind(), w.items)
		inserted = true
	})
	return inserted
}

// Unsubscribe destroys the window. Fetches still in flight for the key are
// discarded when they resolve.
func (m *Manager) Unsubscribe(key CollectionKey) {
	m.mutate(func() {
		m.generations[key]++
		if _, ok := m.windows[key]; !ok {
			return
		}
		delete(m.windows, key)
		m.store.DropMembership(key.String())
	})
}

// Window returns the current snapshot of the collection. Ids whose entity
// is no longer cached (rolled back or deleted) are omitted.
func (m *Manager) Window(key CollectionKey) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[key]
	if w == nil {
		return Window{}, false
	}
	return m.snapshotLocked(w), true
}

// OpenKeys lists every collection that currently has a window.
func (m *Manager) OpenKeys() []CollectionKey {
	m.mu.Lock()
	keys := make([]CollectionKey, 0, len(m.windows))
	for key := range m.windows {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// mutate runs fn under the manager lock inside a store batch so subscriber
// callbacks fire only after the lock is released.
func (m *Manager) mutate(fn func()) {
	m.store.Batch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
	})
}

func (m *Manager) mergeLocked(key CollectionKey, items []entity.Entity) []entity.ID {
	kind := key.EntityKind()
	ids := make([]entity.ID, 0, len(items))
	for _, item := range items {
		if _, err := m.store.Upsert(kind, item); err != nil {
			m.logger.Warn("page item rejected",
				zap.String("collection", key.String()),
				zap.String("entity_id", item.ID.String()),
				zap.Error(err))
			continue
		}
		ids = append(ids, item.ID)
	}
	return ids
}

func (m *Manager) appendLocked(w *window, ids []entity.ID) {
	for _, id := range ids {
		if _, exists := w.index[id]; exists {
			continue
		}
		w.index[id] = struct{}{}
		w.items = append(w.items, id)
	}
}

// carryOptimisticLocked keeps rows the server has not confirmed yet when a
// window is rebuilt, placing each into its ordering slot.
func (m *Manager) carryOptimisticLocked(previous, next *window) {
	if previous == nil {
		return
	}
	kind := next.key.EntityKind()
	for _, id := range previous.items {
		if _, exists := next.index[id]; exists {
			continue
		}
		current, ok := m.store.Get(kind, id)
		if !ok || !current.IsOptimistic() {
			continue
		}
		m.insertAtLocked(next, m.slotLocked(next.key, next, current), id)
	}
}

func (m *Manager) insertAtLocked(w *window, position int, id entity.ID) {
	w.items = append(w.items, "")
	copy(w.items[position+1:], w.items[position:])
	w.items[position] = id
	w.index[id] = struct{}{}
}

func (m *Manager) slotLocked(key CollectionKey, w *window, target entity.Entity) int {
	kind := key.EntityKind()
	if key.Ordering() == Chronological {
		for position := len(w.items) - 1; position >= 0; position-- {
			existing, ok := m.store.Get(kind, w.items[position])
			if !ok {
				continue
			}
			if !chronologicalBefore(target, existing) {
				return position + 1
			}
		}
		return 0
	}
	for position, id := range w.items {
		existing, ok := m.store.Get(kind, id)
		if !ok {
			continue
		}
		if newestFirstBefore(target, existing) {
			return position
		}
	}
	return len(w.items)
}

func (m *Manager) snapshotLocked(w *window) Window {
	kind := w.key.EntityKind()
	items := make([]entity.ID, 0, len(w.items))
	for _, id := range w.items {
		if m.store.Has(kind, id) {
			items = append(items, id)
		}
	}
	return Window{
		Key:           w.key,
		Items:         items,
		Cursor:        copyCursor(w.cursor),
		IsLoadingMore: w.loadingMore,
	}
}

func (m *Manager) observe(key CollectionKey, err error) {
	if m.observer == nil {
		return
	}
	result := resultOK
	if errors.Is(err, ErrSuperseded) {
		result = resultSuperseded
	} else if err != nil {
		result = resultError
	}
	m.observer.ObservePageFetch(string(key.Namespace()), result)
}

func chronologicalBefore(a, b entity.Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func newestFirstBefore(a, b entity.Entity) bool {
	at, bt := a.SortTime(), b.SortTime()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID < b.ID
}

func copyCursor(cursor *string) *string {
	if cursor == nil {
		return nil
	}
	value := *cursor
	return &value
}
