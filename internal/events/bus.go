// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (engine
// pipeline, reply gate, memory extraction, continuation watcher) to
// subscribers (admin console, future metrics collector). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the inbound message pipeline.
	SourceEngine = "engine"
	// SourceGate identifies events from the reply gate.
	SourceGate = "gate"
	// SourceMemory identifies events from the memory extraction pipeline.
	SourceMemory = "memory"
	// SourceContinuation identifies events from the continuation watcher.
	SourceContinuation = "continuation"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals an inbound message entered the
	// pipeline. Data: session, sender, message_len.
	KindMessageReceived = "message_received"
	// KindMessageDropped signals an inbound message was rejected
	// before gating. Data: session, reason.
	KindMessageDropped = "message_dropped"
	// KindDecision signals a gate decision. Data: session, decision.
	KindDecision = "decision"
	// KindReplySent signals a reply was delivered.
	// Data: session, reply_len.
	KindReplySent = "reply_sent"
	// KindSendFailed signals delivery to the platform adapter failed.
	// Data: session, error.
	KindSendFailed = "send_failed"
	// KindFactsSaved signals the extraction pipeline stored facts.
	// Data: user, count.
	KindFactsSaved = "facts_saved"
	// KindWatchStarted signals a continuation watcher began polling.
	// Data: session, run_id.
	KindWatchStarted = "watch_started"
	// KindWatchReply signals the watcher sent a follow-up reply.
	// Data: session, run_id, consecutive.
	KindWatchReply = "watch_reply"
	// KindWatchStopped signals the watcher terminated.
	// Data: session, run_id, reason.
	KindWatchStopped = "watch_stopped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block the publisher.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
