package pagination

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
)

var baseTime = time.Unix(1700000000, 0).UTC()

func post(id string, offset time.Duration) entity.Entity {
	updated := baseTime.Add(offset)
	return entity.Entity{
		Kind:            entity.KindPost,
		ID:              entity.ID(id),
		Version:         entity.VersionPtr(1),
		ServerUpdatedAt: &updated,
		CreatedAt:       updated,
		Post:            &entity.PostPayload{AuthorID: "author-1", Content: id},
	}
}

func message(id string, offset time.Duration) entity.Entity {
	created := baseTime.Add(offset)
	return entity.Entity{
		Kind:      entity.KindMessage,
		ID:        entity.ID(id),
		Version:   entity.VersionPtr(1),
		CreatedAt: created,
		Message: &entity.MessagePayload{
			ChatID:   "c1",
			ChatType: entity.ChatTypeDirect,
			SenderID: "u2",
			Content:  id,
		},
	}
}

func cursor(value string) *string {
	return &value
}

func staticFetcher(items []entity.Entity, next *string) Fetcher {
	return func(context.Context, *string) (Page, error) {
		return Page{Items: items, NextCursor: next}, nil
	}
}

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s := store.New(store.Config{})
	manager, err := NewManager(ManagerConfig{Store: s})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	return manager, s
}

func assertItems(t *testing.T, window Window, expected ...entity.ID) {
	t.Helper()
	if len(expected) == 0 {
		expected = []entity.ID{}
	}
	if !reflect.DeepEqual(window.Items, expected) {
		t.Fatalf("expected items %v, got %v", expected, window.Items)
	}
}

func TestFeedPaginationDeduplicatesAcrossPages(t *testing.T) {
	manager, s := newManager(t)
	ctx := context.Background()
	key := FeedKey("all")

	first, err := manager.FetchFirstPage(ctx, key, staticFetcher([]entity.Entity{post("p1", 2), post("p2", 1)}, cursor("c1")))
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	assertItems(t, first, "p1", "p2")
	if first.Cursor == nil || *first.Cursor != "c1" {
		t.Fatalf("expected cursor c1, got %v", first.Cursor)
	}

	var requestedCursor string
	next, err := manager.FetchNextPage(ctx, key, func(_ context.Context, c *string) (Page, error) {
		requestedCursor = *c
		return Page{Items: []entity.Entity{post("p2", 1), post("p3", 0)}}, nil
	})
	if err != nil {
		t.Fatalf("next page failed: %v", err)
	}
	if requestedCursor != "c1" {
		t.Fatalf("expected fetch with cursor c1, got %q", requestedCursor)
	}
	assertItems(t, next, "p1", "p2", "p3")
	if !next.Exhausted() {
		t.Fatalf("expected exhausted window")
	}

	calls := 0
	again, err := manager.FetchNextPage(ctx, key, func(context.Context, *string) (Page, error) {
		calls++
		return Page{}, nil
	})
	if err != nil {
		t.Fatalf("exhausted next page should not fail: %v", err)
	}
	if calls != 0 {
		t.Fatalf("exhausted collection must not fetch")
	}
	assertItems(t, again, "p1", "p2", "p3")
	if s.Len(entity.KindPost) != 3 {
		t.Fatalf("expected 3 cached posts, got %d", s.Len(entity.KindPost))
	}
}

func TestFirstPageRequestsAreCoalesced(t *testing.T) {
	manager, _ := newManager(t)
	key := FeedKey("all")
	release := make(chan struct{})
	var calls atomic.Int32
	fetcher := func(context.Context, *string) (Page, error) {
		calls.Add(1)
		<-release
		return Page{Items: []entity.Entity{post("p1", 0)}}, nil
	}

	var wg sync.WaitGroup
	results := make([]Window, 3)
	for i := range results {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			window, err := manager.FetchFirstPage(context.Background(), key, fetcher)
			if err != nil {
				t.Errorf("fetch %d failed: %v", index, err)
			}
			results[index] = window
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected one fetch, got %d", calls.Load())
	}
	for _, window := range results {
		assertItems(t, window, "p1")
	}
}

func TestReplaceFirstPageDiscardsSupersededResponse(t *testing.T) {
	manager, _ := newManager(t)
	key := FeedKey("all")
	release := make(chan struct{})

	staleDone := make(chan error, 1)
	go func() {
		_, err := manager.FetchFirstPage(context.Background(), key, func(context.Context, *string) (Page, error) {
			<-release
			return Page{Items: []entity.Entity{post("stale", 0)}}, nil
		})
		staleDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	fresh, err := manager.ReplaceFirstPage(context.Background(), key, staticFetcher([]entity.Entity{post("fresh", 0)}, nil))
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	assertItems(t, fresh, "fresh")

	close(release)
	if err := <-staleDone; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected superseded error, got %v", err)
	}
	window, _ := manager.Window(key)
	assertItems(t, window, "fresh")
}

func TestFailedFetchLeavesWindowUntouched(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()
	key := FeedKey("all")
	fetchErr := errors.New("boom")

	if _, err := manager.FetchFirstPage(ctx, FeedKey("empty"), func(context.Context, *string) (Page, error) {
		return Page{}, fetchErr
	}); !errors.Is(err, fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if _, ok := manager.Window(FeedKey("empty")); ok {
		t.Fatalf("failed first fetch must not create a window")
	}

	if _, err := manager.FetchFirstPage(ctx, key, staticFetcher([]entity.Entity{post("p1", 0)}, cursor("c1"))); err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if _, err := manager.FetchNextPage(ctx, key, func(context.Context, *string) (Page, error) {
		return Page{Items: []entity.Entity{post("p9", 0)}}, fetchErr
	}); !errors.Is(err, fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	window, _ := manager.Window(key)
	assertItems(t, window, "p1")
	if window.Cursor == nil || *window.Cursor != "c1" || window.IsLoadingMore {
		t.Fatalf("window state changed after failure: %#v", window)
	}
}

func TestNextPageIsNoOpWhileLoading(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()
	key := FeedKey("all")
	if _, err := manager.FetchFirstPage(ctx, key, staticFetcher([]entity.Entity{post("p1", 0)}, cursor("c1"))); err != nil {
		t.Fatalf("first page failed: %v", err)
	}

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = manager.FetchNextPage(ctx, key, func(context.Context, *string) (Page, error) {
			<-release
			return Page{Items: []entity.Entity{post("p2", 0)}}, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	calls := 0
	window, err := manager.FetchNextPage(ctx, key, func(context.Context, *string) (Page, error) {
		calls++
		return Page{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 || !window.IsLoadingMore {
		t.Fatalf("expected no-op while loading, calls=%d window=%#v", calls, window)
	}
	close(release)
	<-done

	final, _ := manager.Window(key)
	assertItems(t, final, "p1", "p2")
}

func TestNextPageRequiresLoadedCollection(t *testing.T) {
	manager, _ := newManager(t)
	_, err := manager.FetchNextPage(context.Background(), FeedKey("all"), staticFetcher(nil, nil))
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
}

func TestPrependLocalRespectsOrdering(t *testing.T) {
	manager, s := newManager(t)
	ctx := context.Background()

	feed := FeedKey("all")
	if _, err := manager.FetchFirstPage(ctx, feed, staticFetcher([]entity.Entity{post("p1", 0)}, nil)); err != nil {
		t.Fatalf("feed fetch failed: %v", err)
	}
	chat := ChatKey("c1")
	if _, err := manager.FetchFirstPage(ctx, chat, staticFetcher([]entity.Entity{message("m1", 0)}, nil)); err != nil {
		t.Fatalf("chat fetch failed: %v", err)
	}

	if _, err := s.Upsert(entity.KindPost, post("own", time.Minute)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.Upsert(entity.KindMessage, message("mine", time.Minute)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if !manager.PrependLocal(feed, "own") || manager.PrependLocal(feed, "own") {
		t.Fatalf("expected first prepend to insert and second to dedupe")
	}
	if !manager.PrependLocal(chat, "mine") {
		t.Fatalf("expected chat prepend to insert")
	}
	if manager.PrependLocal(ChatKey("unopened"), "mine") {
		t.Fatalf("prepend must not create windows")
	}

	feedWindow, _ := manager.Window(feed)
	assertItems(t, feedWindow, "own", "p1")
	chatWindow, _ := manager.Window(chat)
	assertItems(t, chatWindow, "m1", "mine")
}

func TestInsertOrderedPlacesOutOfOrderPush(t *testing.T) {
	manager, s := newManager(t)
	ctx := context.Background()
	chat := ChatKey("c1")
	if _, err := manager.FetchFirstPage(ctx, chat, staticFetcher([]entity.Entity{
		message("m1", time.Second),
		message("m2", 2*time.Second),
	}, nil)); err != nil {
		t.Fatalf("chat fetch failed: %v", err)
	}

	if _, err := s.Upsert(entity.KindMessage, message("m3", 1500*time.Millisecond)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if !manager.InsertOrdered(chat, "m3") {
		t.Fatalf("expected insert")
	}
	window, _ := manager.Window(chat)
	assertItems(t, window, "m1", "m3", "m2")

	if _, err := s.Upsert(entity.KindMessage, message("m0", 0)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	manager.InsertOrdered(chat, "m0")
	window, _ = manager.Window(chat)
	assertItems(t, window, "m0", "m1", "m3", "m2")

	feed := FeedKey("all")
	if _, err := manager.FetchFirstPage(ctx, feed, staticFetcher([]entity.Entity{post("p3", 3), post("p1", 1)}, nil)); err != nil {
		t.Fatalf("feed fetch failed: %v", err)
	}
	if _, err := s.Upsert(entity.KindPost, post("p2", 2)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	manager.InsertOrdered(feed, "p2")
	feedWindow, _ := manager.Window(feed)
	assertItems(t, feedWindow, "p3", "p2", "p1")
}

func TestWindowOmitsRemovedEntities(t *testing.T) {
	manager, s := newManager(t)
	key := FeedKey("all")
	if _, err := manager.FetchFirstPage(context.Background(), key, staticFetcher([]entity.Entity{post("p1", 1), post("p2", 0)}, nil)); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	fired := 0
	defer s.Subscribe(store.CollectionSelector(key.String()), func() { fired++ })()
	s.Remove(entity.KindPost, "p1")

	window, _ := manager.Window(key)
	assertItems(t, window, "p2")
	if fired != 1 {
		t.Fatalf("expected collection subscribers to hear about removal, got %d", fired)
	}
}

func TestUnsubscribeDiscardsLateResponses(t *testing.T) {
	manager, s := newManager(t)
	ctx := context.Background()
	key := ChatKey("c1")
	if _, err := manager.FetchFirstPage(ctx, key, staticFetcher([]entity.Entity{message("m1", 0)}, cursor("c1"))); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := manager.FetchNextPage(ctx, key, func(context.Context, *string) (Page, error) {
			<-release
			return Page{Items: []entity.Entity{message("late", 0)}}, nil
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	manager.Unsubscribe(key)
	close(release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	if _, ok := manager.Window(key); ok {
		t.Fatalf("expected window to be destroyed")
	}
	if s.Has(entity.KindMessage, "late") {
		t.Fatalf("late response must not be merged")
	}
	if len(manager.OpenKeys()) != 0 {
		t.Fatalf("expected no open keys")
	}
}

func TestParseCollectionKey(t *testing.T) {
	tests := []struct {
		raw       string
		wantErr   bool
		kind      entity.Kind
		ordering  Ordering
		namespace Namespace
	}{
		{raw: "feed:all", kind: entity.KindPost, ordering: NewestFirst, namespace: NamespaceFeed},
		{raw: "chat:c-42", kind: entity.KindMessage, ordering: Chronological, namespace: NamespaceChat},
		{raw: "notifications:u1", kind: entity.KindNotification, ordering: NewestFirst, namespace: NamespaceNotifications},
		{raw: "feed:", wantErr: true},
		{raw: "inbox:u1", wantErr: true},
		{raw: "feed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			key, err := ParseCollectionKey(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCollectionKey) {
					t.Fatalf("expected invalid key error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key.EntityKind() != tt.kind || key.Ordering() != tt.ordering || key.Namespace() != tt.namespace {
				t.Fatalf("unexpected key properties for %s", key)
			}
		})
	}
}

func TestReplaceFirstPageKeepsOptimisticRows(t *testing.T) {
	manager, s := newManager(t)
	ctx := context.Background()
	key := ChatKey("c1")

	if _, err := manager.FetchFirstPage(ctx, key, staticFetcher([]entity.Entity{
		message("m0", 0),
		message("m1", time.Second),
	}, nil)); err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	pending := message("local-1", 5*time.Second)
	pending.Version = nil
	if _, err := s.Upsert(entity.KindMessage, pending); err != nil {
		t.Fatalf("upsert optimistic: %v", err)
	}
	manager.PrependLocal(key, "local-1")

	refreshed, err := manager.ReplaceFirstPage(ctx, key, staticFetcher([]entity.Entity{
		message("m1", time.Second),
		message("m2", 2*time.Second),
	}, nil))
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	assertItems(t, refreshed, "m1", "m2", "local-1")

	emptied, err := manager.ReplaceFirstPage(ctx, key, staticFetcher(nil, nil))
	if err != nil {
		t.Fatalf("replace with empty page failed: %v", err)
	}
	assertItems(t, emptied, "local-1")
}
