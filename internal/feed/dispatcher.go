// Package feed delivers row-change notifications to open document sessions.
// Delivery is at-least-once and unordered relative to other writers; consumers
// must tolerate duplicates (the reconciler's hash guard and the presence
// tracker's read-after-notify pattern both do).
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
)

const subscriberBufferSize = 16

// DocumentEvent announces that a document row changed; it carries the updated row.
type DocumentEvent struct {
	Document  document.Document
	Timestamp time.Time
}

// PresenceEvent announces that presence rows for a document changed. It
// carries no payload; consumers re-fetch the roster from the store.
type PresenceEvent struct {
	DocumentID document.DocumentID
	Timestamp  time.Time
}

// Dispatcher fans change notifications out to per-document subscribers.
type Dispatcher struct {
	mu              sync.RWMutex
	documentStreams map[string]map[int64]chan DocumentEvent
	presenceStreams map[string]map[int64]chan PresenceEvent
	nextID          int64
	clock           func() time.Time
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		documentStreams: make(map[string]map[int64]chan DocumentEvent),
		presenceStreams: make(map[string]map[int64]chan PresenceEvent),
		clock:           time.Now,
	}
}

// SubscribeDocumentChanges registers for updates to one document row. The
// returned cleanup is idempotent and also runs when ctx is cancelled.
func (d *Dispatcher) SubscribeDocumentChanges(ctx context.Context, documentID document.DocumentID) (<-chan DocumentEvent, func()) {
	stream := make(chan DocumentEvent, subscriberBufferSize)
	key := documentID.String()

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	if _, ok := d.documentStreams[key]; !ok {
		d.documentStreams[key] = make(map[int64]chan DocumentEvent)
	}
	d.documentStreams[key][subscriberID] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			if subscribers := d.documentStreams[key]; subscribers != nil {
				delete(subscribers, subscriberID)
				if len(subscribers) == 0 {
					delete(d.documentStreams, key)
				}
			}
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// SubscribePresenceChanges registers for presence changes on one document.
func (d *Dispatcher) SubscribePresenceChanges(ctx context.Context, documentID document.DocumentID) (<-chan PresenceEvent, func()) {
	stream := make(chan PresenceEvent, subscriberBufferSize)
	key := documentID.String()

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	if _, ok := d.presenceStreams[key]; !ok {
		d.presenceStreams[key] = make(map[int64]chan PresenceEvent)
	}
	d.presenceStreams[key][subscriberID] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			if subscribers := d.presenceStreams[key]; subscribers != nil {
				delete(subscribers, subscriberID)
				if len(subscribers) == 0 {
					delete(d.presenceStreams, key)
				}
			}
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// PublishDocumentChange notifies subscribers of the updated document row.
// Slow subscribers are skipped rather than blocked on.
func (d *Dispatcher) PublishDocumentChange(doc document.Document) {
	if doc.DocumentID == "" {
		return
	}
	event := DocumentEvent{Document: doc, Timestamp: d.clock().UTC()}

	d.mu.RLock()
	streams := make([]chan DocumentEvent, 0, len(d.documentStreams[doc.DocumentID]))
	for _, stream := range d.documentStreams[doc.DocumentID] {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// PublishPresenceChange notifies subscribers that presence rows changed.
func (d *Dispatcher) PublishPresenceChange(documentID document.DocumentID) {
	if documentID == "" {
		return
	}
	event := PresenceEvent{DocumentID: documentID, Timestamp: d.clock().UTC()}

	d.mu.RLock()
	streams := make([]chan PresenceEvent, 0, len(d.presenceStreams[documentID.String()]))
	for _, stream := range d.presenceStreams[documentID.String()] {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}
