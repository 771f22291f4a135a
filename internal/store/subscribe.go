package store

import "github.com/MarcoPoloResearchLab/tradewind/internal/entity"

type selectorScope int

const (
	scopeEntity selectorScope = iota + 1
	scopeKind
	scopeCollection
)

// Selector addresses what a subscriber wants to hear about.
type Selector struct {
	scope      selectorScope
	kind       entity.Kind
	id         entity.ID
	collection string
}

// EntitySelector selects a single entity.
func EntitySelector(kind entity.Kind, id entity.ID) Selector {
	return Selector{scope: scopeEntity, kind: kind, id: id}
}

// KindSelector selects every entity of a kind.
func KindSelector(kind entity.Kind) Selector {
	return Selector{scope: scopeKind, kind: kind}
}

// CollectionSelector selects a collection: membership changes and changes to
// any entity that is a member.
func CollectionSelector(collection string) Selector {
	return Selector{scope: scopeCollection, collection: collection}
}

// Subscribe registers callback for changes matching selector. The callback
// runs outside the store lock and may read from or write to the store.
func (s *Store) Subscribe(selector Selector, callback func()) (unsubscribe func()) {
	if callback == nil || selector.scope == 0 {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	sub := &subscription{id: s.nextID, selector: selector, callback: callback}
	sub.active.Store(true)
	s.subscriptions[sub.id] = sub
	switch selector.scope {
	case scopeEntity:
		key := rowKey{kind: selector.kind, id: selector.id}
		if s.byEntity[key] == nil {
			s.byEntity[key] = make(map[uint64]struct{})
		}
		s.byEntity[key][sub.id] = struct{}{}
	case scopeKind:
		if s.byKind[selector.kind] == nil {
			s.byKind[selector.kind] = make(map[uint64]struct{})
		}
		s.byKind[selector.kind][sub.id] = struct{}{}
	case scopeCollection:
		if s.byCollection[selector.collection] == nil {
			s.byCollection[selector.collection] = make(map[uint64]struct{})
		}
		s.byCollection[selector.collection][sub.id] = struct{}{}
	}
	s.mu.Unlock()

	return func() {
		s.unsubscribe(sub)
	}
}

func (s *Store) unsubscribe(sub *subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, sub.id)
	delete(s.dirty, sub.id)
	switch sub.selector.scope {
	case scopeEntity:
		key := rowKey{kind: sub.selector.kind, id: sub.selector.id}
		delete(s.byEntity[key], sub.id)
		if len(s.byEntity[key]) == 0 {
			delete(s.byEntity, key)
		}
	case scopeKind:
		delete(s.byKind[sub.selector.kind], sub.id)
		if len(s.byKind[sub.selector.kind]) == 0 {
			delete(s.byKind, sub.selector.kind)
		}
	case scopeCollection:
		delete(s.byCollection[sub.selector.collection], sub.id)
		if len(s.byCollection[sub.selector.collection]) == 0 {
			delete(s.byCollection, sub.selector.collection)
		}
	}
}
