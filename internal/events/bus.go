// Package events provides the in-process pub/sub bus and the append-only
// JSONL audit log that records every scan and run transition.
package events

import (
	"sync"
	"time"
)

// EventType identifies a bus event.
type EventType string

const (
	// EventScanCompleted is published after every scheduled scan.
	EventScanCompleted EventType = "scan_completed"
	// EventRunStarted is published when a launch persists a new run.
	EventRunStarted EventType = "run_started"
	// EventReminderSent is published after a successful delivery.
	EventReminderSent EventType = "reminder_sent"
	// EventRunAborted is published when a re-check finds the task completed
	// or deleted.
	EventRunAborted EventType = "run_aborted"
	// EventRunCompleted is published when the escalation level is delivered.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed is published when step retries exhaust or a step hits a
	// non-retryable error.
	EventRunFailed EventType = "run_failed"
	// EventLaunchFailed is published when a run cannot be persisted.
	EventLaunchFailed EventType = "launch_failed"
	// EventBatchRetry is published when the coordinator retries failed
	// launches after the delay.
	EventBatchRetry EventType = "batch_retry"
)

// eventTypeAll is the internal key for SubscribeAll subscribers.
const eventTypeAll EventType = "*"

// Event is one published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events asynchronously.
type Subscriber func(Event)

// Bus is a non-blocking pub/sub bus. Delivery is asynchronous over buffered
// channels; when a subscriber's buffer is full the event is dropped for that
// subscriber rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe(eventType, fn)
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(eventTypeAll, fn)
}

func (b *Bus) subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				// A panicking subscriber must not take down the bus.
				defer func() { recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to the type's subscribers and to SubscribeAll
// subscribers. Never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Buffer full, drop for this subscriber.
		}
	}
	for _, ch := range b.subscribers[eventTypeAll] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
