package server

import (
	"context"
	"sync"
	"testing"
	"time"
)

type watchRecorder struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
	notify  map[string]func()
}

func newWatchRecorder() *watchRecorder {
	return &watchRecorder{
		started: make(map[string]int),
		stopped: make(map[string]int),
		notify:  make(map[string]func()),
	}
}

func (w *watchRecorder) watch(topic string, notify func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started[topic]++
	w.notify[topic] = notify
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.stopped[topic]++
	}
}

func (w *watchRecorder) fire(topic string) {
	w.mu.Lock()
	notify := w.notify[topic]
	w.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (w *watchRecorder) counts(topic string) (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started[topic], w.stopped[topic]
}

func TestChangeFeedDeliversWatchedTopic(t *testing.T) {
	watches := newWatchRecorder()
	feed := NewChangeFeed(watches.watch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := feed.Subscribe(ctx, "feed:all")
	defer cleanup()

	watches.fire("feed:all")

	select {
	case message := <-stream:
		if message.Topic != "feed:all" || message.EventType != ChangeEventCollection {
			t.Fatalf("unexpected message %#v", message)
		}
		if message.Timestamp.IsZero() {
			t.Fatalf("expected timestamp")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change message within deadline")
	}
}

func TestChangeFeedIsolatesTopics(t *testing.T) {
	watches := newWatchRecorder()
	feed := NewChangeFeed(watches.watch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chatStream, chatCleanup := feed.Subscribe(ctx, "chat:c1")
	defer chatCleanup()
	groupStream, groupCleanup := feed.Subscribe(ctx, TopicGroups)
	defer groupCleanup()

	feed.Publish(TopicGroups)

	select {
	case message := <-groupStream:
		if message.EventType != ChangeEventGroups {
			t.Fatalf("expected %s, got %s", ChangeEventGroups, message.EventType)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected groups message within deadline")
	}
	select {
	case message := <-chatStream:
		t.Fatalf("unexpected message for chat subscriber: %#v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChangeFeedSharesOneWatchPerTopic(t *testing.T) {
	watches := newWatchRecorder()
	feed := NewChangeFeed(watches.watch)

	_, first := feed.Subscribe(context.Background(), "feed:all")
	_, second := feed.Subscribe(context.Background(), "feed:all")

	if started, stopped := watches.counts("feed:all"); started != 1 || stopped != 0 {
		t.Fatalf("expected one running watch, got started=%d stopped=%d", started, stopped)
	}
	first()
	if _, stopped := watches.counts("feed:all"); stopped != 0 {
		t.Fatalf("expected watch to survive while a subscriber remains")
	}
	second()
	second()
	if started, stopped := watches.counts("feed:all"); started != 1 || stopped != 1 {
		t.Fatalf("expected watch stopped once, got started=%d stopped=%d", started, stopped)
	}

	_, third := feed.Subscribe(context.Background(), "feed:all")
	defer third()
	if started, _ := watches.counts("feed:all"); started != 2 {
		t.Fatalf("expected a fresh watch after restart, got %d", started)
	}
}

func TestChangeFeedCleansUpOnContextCancel(t *testing.T) {
	watches := newWatchRecorder()
	feed := NewChangeFeed(watches.watch)
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := feed.Subscribe(ctx, "chat:c2")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, stopped := watches.counts("chat:c2"); stopped == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected watch to stop after context cancellation")
}

func TestChangeFeedDropsForSlowSubscribers(t *testing.T) {
	feed := NewChangeFeed(nil)
	stream, cleanup := feed.Subscribe(context.Background(), "feed:all")
	defer cleanup()

	for i := 0; i < feed.bufferSize*2; i++ {
		feed.Publish("feed:all")
	}
	if len(stream) != feed.bufferSize {
		t.Fatalf("expected buffered messages capped at %d, got %d", feed.bufferSize, len(stream))
	}
}

func TestChangeFeedEmptyTopicIsClosed(t *testing.T) {
	feed := NewChangeFeed(nil)
	stream, cleanup := feed.Subscribe(context.Background(), "")
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatalf("expected closed stream for empty topic")
	}
}
