package server

import (
	"context"
	"sync"
	"time"
)

const (
	ChangeEventCollection = "collection-changed"
	ChangeEventGroups     = "groups-changed"
	changeEventHeartbeat  = "heartbeat"

	// TopicGroups is the topic of notification group changes.
	TopicGroups = "notifications:groups"
)

// ChangeMessage tells stream subscribers that a topic changed. Subscribers
// read the new state through the regular endpoints.
type ChangeMessage struct {
	Topic     string
	EventType string
	Timestamp time.Time
}

// WatchFunc starts watching topic and calls notify after every change. It
// returns a function that stops watching.
type WatchFunc func(topic string, notify func()) (stop func())

// ChangeFeed fans topic changes out to stream subscribers. It keeps one
// watch per topic, started with the first subscriber and stopped with the last.
type ChangeFeed struct {
	mu          sync.Mutex
	subscribers map[string]map[int64]*changeSubscriber
	watches     map[string]*topicWatch
	watch       WatchFunc
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type topicWatch struct {
	stop func()
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeMessage
}

// NewChangeFeed constructs a feed backed by watch.
func NewChangeFeed(watch WatchFunc) *ChangeFeed {
	return &ChangeFeed{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		watches:     make(map[string]*topicWatch),
		watch:       watch,
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers for changes of topic until ctx ends or cleanup runs.
func (f *ChangeFeed) Subscribe(ctx context.Context, topic string) (<-chan ChangeMessage, func()) {
	if topic == "" {
		ch := make(chan ChangeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{stream: make(chan ChangeMessage, f.bufferSize)}

	f.mu.Lock()
	f.nextID++
	subscriber.id = f.nextID
	if _, ok := f.subscribers[topic]; !ok {
		f.subscribers[topic] = make(map[int64]*changeSubscriber)
	}
	f.subscribers[topic][subscriber.id] = subscriber
	var started *topicWatch
	if f.watches[topic] == nil && f.watch != nil {
		started = &topicWatch{}
		f.watches[topic] = started
	}
	f.mu.Unlock()

	if started != nil {
		stop := f.watch(topic, func() { f.Publish(topic) })
		f.mu.Lock()
		current := f.watches[topic] == started
		if current {
			started.stop = stop
		}
		f.mu.Unlock()
		if !current {
			// Every subscriber left while the watch was starting.
			stop()
		}
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.unregister(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish notifies every subscriber of topic. Slow subscribers miss the
// message instead of blocking the publisher.
func (f *ChangeFeed) Publish(topic string) {
	f.mu.Lock()
	subscribers := f.subscribers[topic]
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.Unlock()
	if len(copies) == 0 {
		return
	}

	message := ChangeMessage{Topic: topic, EventType: eventTypeFor(topic), Timestamp: f.clock().UTC()}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (f *ChangeFeed) unregister(topic string, subscriberID int64) {
	var stop func()
	f.mu.Lock()
	subscribers := f.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, topic)
			if watch := f.watches[topic]; watch != nil {
				stop = watch.stop
			}
			delete(f.watches, topic)
		}
	}
	f.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func eventTypeFor(topic string) string {
	if topic == TopicGroups {
		return ChangeEventGroups
	}
	return ChangeEventCollection
}
