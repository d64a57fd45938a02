package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	mu  sync.Mutex
	ids []string
}

func (generator *staticIDGenerator) NewID() (string, error) {
	generator.mu.Lock()
	defer generator.mu.Unlock()
	if len(generator.ids) == 0 {
		return "", errors.New("id generator exhausted")
	}
	next := generator.ids[0]
	generator.ids = generator.ids[1:]
	return next, nil
}

type recordingNotifier struct {
	mu              sync.Mutex
	documentChanges []Document
	presenceChanges []DocumentID
}

func (notifier *recordingNotifier) PublishDocumentChange(doc Document) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.documentChanges = append(notifier.documentChanges, doc)
}

func (notifier *recordingNotifier) PublishPresenceChange(documentID DocumentID) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.presenceChanges = append(notifier.presenceChanges, documentID)
}

func newTestStore(t *testing.T, ids []string) (*Store, *recordingNotifier, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:coedit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &PresenceRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	notifier := &recordingNotifier{}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: ids},
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, notifier, db
}

func mustInsertDocument(t *testing.T, store *Store, title, content, createdBy string) Document {
	t.Helper()
	titleValue, err := NewTitle(title)
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	contentValue, err := NewSnapshotBase64(content)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	creator, err := NewUserID(createdBy)
	if err != nil {
		t.Fatalf("creator: %v", err)
	}
	doc, err := store.InsertDocument(context.Background(), NewDocumentRequest{
		Title:     titleValue,
		Content:   contentValue,
		CreatedBy: creator,
	})
	if err != nil {
		t.Fatalf("insert document: %v", err)
	}
	return doc
}

func TestInsertAndGetDocumentRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t, []string{"doc-1"})

	inserted := mustInsertDocument(t, store, "Untitled", "AQID", "user-1")
	if inserted.DocumentID != "doc-1" {
		t.Fatalf("expected generated id doc-1, got %q", inserted.DocumentID)
	}
	if inserted.CreatedAtSeconds != 1700000600 || inserted.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("unexpected timestamps: %+v", inserted)
	}

	id, err := NewDocumentID("doc-1")
	if err != nil {
		t.Fatalf("document id: %v", err)
	}
	loaded, err := store.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if loaded.Title != "Untitled" || loaded.ContentB64 != "AQID" || loaded.CreatedBy != "user-1" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestGetDocumentMissingReturnsNotFound(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	id, err := NewDocumentID("missing")
	if err != nil {
		t.Fatalf("document id: %v", err)
	}
	if _, err := store.GetDocument(context.Background(), id); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDocumentsOrdersByMostRecentUpdate(t *testing.T) {
	store, _, db := newTestStore(t, []string{"doc-1", "doc-2"})
	mustInsertDocument(t, store, "First", "AQID", "user-1")
	mustInsertDocument(t, store, "Second", "AQID", "user-1")

	if err := db.Model(&Document{}).
		Where("document_id = ?", "doc-1").
		Update("updated_at_s", 1700009999).Error; err != nil {
		t.Fatalf("bump update time: %v", err)
	}

	docs, err := store.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].DocumentID != "doc-1" {
		t.Fatalf("expected most recently updated first, got %+v", docs)
	}
}

func TestUpdateDocumentAppliesPartialMutationAndNotifies(t *testing.T) {
	store, notifier, _ := newTestStore(t, []string{"doc-1"})
	mustInsertDocument(t, store, "Untitled", "AQID", "user-1")

	id, _ := NewDocumentID("doc-1")
	newTitle, err := NewTitle("Renamed")
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	updated, err := store.UpdateDocument(context.Background(), id, DocumentUpdate{Title: &newTitle})
	if err != nil {
		t.Fatalf("update document: %v", err)
	}
	if updated.Title != "Renamed" {
		t.Fatalf("title not updated: %+v", updated)
	}
	if updated.ContentB64 != "AQID" {
		t.Fatalf("content must be untouched by title-only update: %+v", updated)
	}

	notifier.mu.Lock()
	changes := len(notifier.documentChanges)
	notifier.mu.Unlock()
	if changes != 1 {
		t.Fatalf("expected one document-change notification, got %d", changes)
	}
}

func TestUpdateDocumentMissingRowReturnsNotFound(t *testing.T) {
	store, notifier, _ := newTestStore(t, nil)
	id, _ := NewDocumentID("missing")
	content := EncodeSnapshot([]byte{1, 2, 3})
	if _, err := store.UpdateDocument(context.Background(), id, DocumentUpdate{Content: &content}); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	notifier.mu.Lock()
	changes := len(notifier.documentChanges)
	notifier.mu.Unlock()
	if changes != 0 {
		t.Fatalf("missing row must not notify, got %d", changes)
	}
}

func TestUpdateDocumentRejectsEmptyUpdate(t *testing.T) {
	store, _, _ := newTestStore(t, []string{"doc-1"})
	mustInsertDocument(t, store, "Untitled", "AQID", "user-1")
	id, _ := NewDocumentID("doc-1")
	if _, err := store.UpdateDocument(context.Background(), id, DocumentUpdate{}); err == nil {
		t.Fatal("expected empty update rejection")
	}
}

func TestUpsertPresenceKeepsOneRowPerUser(t *testing.T) {
	store, notifier, db := newTestStore(t, nil)

	first := PresenceRecord{
		DocumentID:      "doc-1",
		UserID:          "user-1",
		Username:        "User_1",
		CursorPosition:  5,
		LastSeenSeconds: 1700000100,
	}
	if err := store.UpsertPresence(context.Background(), first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := first
	second.CursorPosition = 42
	second.LastSeenSeconds = 1700000200
	if err := store.UpsertPresence(context.Background(), second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var rows []PresenceRecord
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one presence row after repeated heartbeats, got %d", len(rows))
	}
	if rows[0].CursorPosition != 42 || rows[0].LastSeenSeconds != 1700000200 {
		t.Fatalf("later heartbeat did not supersede: %+v", rows[0])
	}

	notifier.mu.Lock()
	changes := len(notifier.presenceChanges)
	notifier.mu.Unlock()
	if changes != 2 {
		t.Fatalf("expected a presence notification per upsert, got %d", changes)
	}
}

func TestListPresenceExcludesCallerAndOrdersByUsername(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	records := []PresenceRecord{
		{DocumentID: "doc-1", UserID: "user-a", Username: "User_9", LastSeenSeconds: 100},
		{DocumentID: "doc-1", UserID: "user-b", Username: "User_1", LastSeenSeconds: 100},
		{DocumentID: "doc-1", UserID: "user-c", Username: "User_5", LastSeenSeconds: 100},
		{DocumentID: "doc-2", UserID: "user-d", Username: "User_2", LastSeenSeconds: 100},
	}
	for _, record := range records {
		if err := store.UpsertPresence(context.Background(), record); err != nil {
			t.Fatalf("upsert %s: %v", record.UserID, err)
		}
	}

	id, _ := NewDocumentID("doc-1")
	self, _ := NewUserID("user-a")
	listed, err := store.ListPresence(context.Background(), id, self)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(listed))
	}
	if listed[0].Username != "User_1" || listed[1].Username != "User_5" {
		t.Fatalf("unexpected order: %+v", listed)
	}
}

func TestDeletePresenceRemovesRowAndNotifies(t *testing.T) {
	store, notifier, db := newTestStore(t, nil)
	record := PresenceRecord{DocumentID: "doc-1", UserID: "user-1", Username: "User_1", LastSeenSeconds: 100}
	if err := store.UpsertPresence(context.Background(), record); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	id, _ := NewDocumentID("doc-1")
	user, _ := NewUserID("user-1")
	if err := store.DeletePresence(context.Background(), id, user); err != nil {
		t.Fatalf("delete presence: %v", err)
	}

	var count int64
	if err := db.Model(&PresenceRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no presence rows, got %d", count)
	}

	// Deleting an absent row is not an error; teardown is best-effort.
	if err := store.DeletePresence(context.Background(), id, user); err != nil {
		t.Fatalf("delete of missing row: %v", err)
	}

	notifier.mu.Lock()
	changes := len(notifier.presenceChanges)
	notifier.mu.Unlock()
	if changes != 3 {
		t.Fatalf("expected notification per write, got %d", changes)
	}
}

func TestSnapshotHashMatchesAcrossEncodings(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	encoded := EncodeSnapshot(raw)
	parsed, err := NewSnapshotBase64(encoded.String())
	if err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	first, err := encoded.Hash()
	if err != nil {
		t.Fatalf("hash encoded: %v", err)
	}
	second, err := parsed.Hash()
	if err != nil {
		t.Fatalf("hash parsed: %v", err)
	}
	if first != second {
		t.Fatalf("hash mismatch: %q vs %q", first, second)
	}
}
