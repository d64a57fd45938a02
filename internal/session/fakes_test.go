package session

import (
	"context"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/identity"
)

type fixedIDProvider struct {
	id string
}

func (provider fixedIDProvider) NewID() (string, error) {
	return provider.id, nil
}

func newTestIdentity(t *testing.T, userID string, nameSuffix int) *identity.Session {
	t.Helper()
	session, err := identity.NewSession(identity.SessionConfig{
		IDProvider: fixedIDProvider{id: userID},
		NamePicker: func() int { return nameSuffix },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session
}

// memoryStore is an in-memory Store with per-operation error injection and
// call counting.
type memoryStore struct {
	mu       sync.Mutex
	doc      document.Document
	presence map[string]document.PresenceRecord

	getErr    error
	updateErr error
	upsertErr error
	deleteErr error
	listErr   error

	getCalls    int
	updateCalls int
	upsertCalls int
	deleteCalls int
	listCalls   int

	lastUpdate document.DocumentUpdate
}

func newMemoryStore(doc document.Document) *memoryStore {
	return &memoryStore{
		doc:      doc,
		presence: map[string]document.PresenceRecord{},
	}
}

func (store *memoryStore) GetDocument(_ context.Context, documentID document.DocumentID) (document.Document, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.getCalls++
	if store.getErr != nil {
		return document.Document{}, store.getErr
	}
	if store.doc.DocumentID != documentID.String() {
		return document.Document{}, document.ErrDocumentNotFound
	}
	return store.doc, nil
}

func (store *memoryStore) UpdateDocument(_ context.Context, documentID document.DocumentID, update document.DocumentUpdate) (document.Document, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.updateCalls++
	store.lastUpdate = update
	if store.updateErr != nil {
		return document.Document{}, store.updateErr
	}
	if store.doc.DocumentID != documentID.String() {
		return document.Document{}, document.ErrDocumentNotFound
	}
	if update.Title != nil {
		store.doc.Title = update.Title.String()
	}
	if update.Content != nil {
		store.doc.ContentB64 = update.Content.String()
	}
	return store.doc, nil
}

func (store *memoryStore) UpsertPresence(_ context.Context, record document.PresenceRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.upsertCalls++
	if store.upsertErr != nil {
		return store.upsertErr
	}
	store.presence[record.UserID] = record
	return nil
}

func (store *memoryStore) DeletePresence(_ context.Context, _ document.DocumentID, userID document.UserID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.deleteCalls++
	if store.deleteErr != nil {
		return store.deleteErr
	}
	delete(store.presence, userID.String())
	return nil
}

func (store *memoryStore) ListPresence(_ context.Context, _ document.DocumentID, excludingUserID document.UserID) ([]document.PresenceRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.listCalls++
	if store.listErr != nil {
		return nil, store.listErr
	}
	records := make([]document.PresenceRecord, 0, len(store.presence))
	for userID, record := range store.presence {
		if userID == excludingUserID.String() {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *memoryStore) snapshotUpdateCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.updateCalls
}

func (store *memoryStore) currentDocument() document.Document {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.doc
}

// stubFeed is a Feed whose channels the test pushes into directly.
type stubFeed struct {
	mu                sync.Mutex
	documentEvents    chan feed.DocumentEvent
	presenceEvents    chan feed.PresenceEvent
	documentUnsubs    int
	presenceUnsubs    int
	documentSubscribe int
	presenceSubscribe int
}

func newStubFeed() *stubFeed {
	return &stubFeed{
		documentEvents: make(chan feed.DocumentEvent, 16),
		presenceEvents: make(chan feed.PresenceEvent, 16),
	}
}

func (f *stubFeed) SubscribeDocumentChanges(_ context.Context, _ document.DocumentID) (<-chan feed.DocumentEvent, func()) {
	f.mu.Lock()
	f.documentSubscribe++
	f.mu.Unlock()
	return f.documentEvents, func() {
		f.mu.Lock()
		f.documentUnsubs++
		f.mu.Unlock()
	}
}

func (f *stubFeed) SubscribePresenceChanges(_ context.Context, _ document.DocumentID) (<-chan feed.PresenceEvent, func()) {
	f.mu.Lock()
	f.presenceSubscribe++
	f.mu.Unlock()
	return f.presenceEvents, func() {
		f.mu.Lock()
		f.presenceUnsubs++
		f.mu.Unlock()
	}
}

func (f *stubFeed) unsubscribeCounts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.documentUnsubs, f.presenceUnsubs
}
