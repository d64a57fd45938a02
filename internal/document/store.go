package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/identity"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrDocumentNotFound indicates that no document row exists for the identifier.
	ErrDocumentNotFound = errors.New("document: not found")
	noOpLogger          = zap.NewNop()
)

const (
	opStoreNew        = "documents.store.new"
	opGetDocument     = "documents.get"
	opListDocuments   = "documents.list"
	opInsertDocument  = "documents.insert"
	opUpdateDocument  = "documents.update"
	opUpsertPresence  = "presence.upsert"
	opDeletePresence  = "presence.delete"
	opListPresence    = "presence.list"
	fieldDocumentID   = "document_id"
	fieldUserID       = "user_id"
	queryDocumentID   = fieldDocumentID + " = ?"
	queryPresenceKey  = fieldDocumentID + " = ? AND " + fieldUserID + " = ?"
	queryPresenceList = fieldDocumentID + " = ? AND " + fieldUserID + " <> ?"
	orderUpdatedDesc  = "updated_at_s DESC"
	orderUsernameAsc  = "username ASC"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonQueryFailed        = "query_failed"
	reasonInsertFailed       = "insert_failed"
	reasonUpdateFailed       = "update_failed"
	reasonDeleteFailed       = "delete_failed"
	reasonEmptyUpdate        = "empty_update"
)

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// Notifier receives change notifications after successful store writes. The
// feed dispatcher implements it; delivery is best-effort and at-least-once.
type Notifier interface {
	PublishDocumentChange(doc Document)
	PublishPresenceChange(documentID DocumentID)
}

// StoreConfig describes the dependencies required to build a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identity.IDProvider
	Notifier   Notifier
	Logger     *zap.Logger
}

// Store persists documents and presence rows and emits change notifications.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identity.IDProvider
	notifier   Notifier
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		logger:     logger,
	}, nil
}

// GetDocument returns the document row for the identifier.
func (store *Store) GetDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	var doc Document
	err := store.db.WithContext(ctx).
		Where(queryDocumentID, documentID.String()).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		store.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newStoreError(opGetDocument, reasonQueryFailed, err)
	}
	return doc, nil
}

// ListDocuments returns all documents ordered by most recent update.
func (store *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := store.db.WithContext(ctx).
		Order(orderUpdatedDesc).
		Find(&docs).Error; err != nil {
		store.logError(opListDocuments, reasonQueryFailed, err)
		return nil, newStoreError(opListDocuments, reasonQueryFailed, err)
	}
	return docs, nil
}

// InsertDocument creates a new document row with a generated identifier.
func (store *Store) InsertDocument(ctx context.Context, request NewDocumentRequest) (Document, error) {
	documentID, err := store.idProvider.NewID()
	if err != nil {
		store.logError(opInsertDocument, reasonIDGenerationFailed, err)
		return Document{}, newStoreError(opInsertDocument, reasonIDGenerationFailed, err)
	}

	nowSeconds := store.clock().UTC().Unix()
	doc := Document{
		DocumentID:       documentID,
		Title:            request.Title.String(),
		ContentB64:       request.Content.String(),
		CreatedBy:        request.CreatedBy.String(),
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	if err := store.db.WithContext(ctx).Create(&doc).Error; err != nil {
		store.logError(opInsertDocument, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID))
		return Document{}, newStoreError(opInsertDocument, reasonInsertFailed, err)
	}
	return doc, nil
}

// UpdateDocument applies a partial mutation to the document row and notifies
// subscribers with the updated row. Last writer wins at the row level; merge
// fidelity is the replica's concern, not the store's.
func (store *Store) UpdateDocument(ctx context.Context, documentID DocumentID, update DocumentUpdate) (Document, error) {
	columns := map[string]interface{}{
		"updated_at_s": store.clock().UTC().Unix(),
	}
	if update.Title != nil {
		columns["title"] = update.Title.String()
	}
	if update.Content != nil {
		columns["content_b64"] = update.Content.String()
	}
	if len(columns) == 1 {
		return Document{}, newStoreError(opUpdateDocument, reasonEmptyUpdate, nil)
	}

	result := store.db.WithContext(ctx).
		Model(&Document{}).
		Where(queryDocumentID, documentID.String()).
		Updates(columns)
	if result.Error != nil {
		store.logError(opUpdateDocument, reasonUpdateFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newStoreError(opUpdateDocument, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Document{}, ErrDocumentNotFound
	}

	doc, err := store.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if store.notifier != nil {
		store.notifier.PublishDocumentChange(doc)
	}
	return doc, nil
}

// UpsertPresence writes or refreshes the presence row for its
// (document_id, user_id) key and notifies presence subscribers.
func (store *Store) UpsertPresence(ctx context.Context, record PresenceRecord) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: fieldDocumentID}, {Name: fieldUserID}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "cursor_position", "last_seen_s",
			}),
		}).
		Create(&record).Error
	if err != nil {
		store.logError(opUpsertPresence, reasonInsertFailed, err,
			zap.String(fieldDocumentID, record.DocumentID),
			zap.String(fieldUserID, record.UserID))
		return newStoreError(opUpsertPresence, reasonInsertFailed, err)
	}
	if store.notifier != nil {
		store.notifier.PublishPresenceChange(DocumentID(record.DocumentID))
	}
	return nil
}

// DeletePresence removes the presence row for the key. Missing rows are not
// an error; session teardown is best-effort.
func (store *Store) DeletePresence(ctx context.Context, documentID DocumentID, userID UserID) error {
	err := store.db.WithContext(ctx).
		Where(queryPresenceKey, documentID.String(), userID.String()).
		Delete(&PresenceRecord{}).Error
	if err != nil {
		store.logError(opDeletePresence, reasonDeleteFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, userID.String()))
		return newStoreError(opDeletePresence, reasonDeleteFailed, err)
	}
	if store.notifier != nil {
		store.notifier.PublishPresenceChange(documentID)
	}
	return nil
}

// ListPresence returns presence rows for the document excluding the caller,
// ordered by username for stable rendering.
func (store *Store) ListPresence(ctx context.Context, documentID DocumentID, excludingUserID UserID) ([]PresenceRecord, error) {
	var records []PresenceRecord
	if err := store.db.WithContext(ctx).
		Where(queryPresenceList, documentID.String(), excludingUserID.String()).
		Order(orderUsernameAsc).
		Find(&records).Error; err != nil {
		store.logError(opListPresence, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newStoreError(opListPresence, reasonQueryFailed, err)
	}
	return records, nil
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("document store error", attrs...)
}
