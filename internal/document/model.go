package document

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("document: invalid user id")
	// ErrInvalidUsername indicates that a presence display name is empty or exceeds storage bounds.
	ErrInvalidUsername = errors.New("document: invalid username")
	// ErrInvalidTitle indicates that a document title is empty after trimming.
	ErrInvalidTitle = errors.New("document: invalid title")
	// ErrInvalidSnapshot indicates that a snapshot payload is not valid base64.
	ErrInvalidSnapshot = errors.New("document: invalid snapshot")
	// ErrInvalidCursorPosition indicates a negative cursor position.
	ErrInvalidCursorPosition = errors.New("document: invalid cursor position")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Username represents a validated presence display name.
type Username string

// NewUsername validates raw input and returns a Username.
func NewUsername(rawInput string) (Username, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxIdentifierLength)
	}
	return Username(trimmed), nil
}

// String returns the underlying display name.
func (name Username) String() string {
	return string(name)
}

// Title represents a validated document title.
type Title string

// NewTitle validates raw input and returns a Title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	return Title(trimmed), nil
}

// String returns the underlying title.
func (title Title) String() string {
	return string(title)
}

// SnapshotBase64 stores a validated base64-encoded replica snapshot. The
// payload is opaque to storage; only the replica can interpret it.
type SnapshotBase64 string

// NewSnapshotBase64 validates raw input and returns a SnapshotBase64.
func NewSnapshotBase64(rawInput string) (SnapshotBase64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSnapshot)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidSnapshot)
	}
	return SnapshotBase64(trimmed), nil
}

// EncodeSnapshot wraps raw replica bytes as a SnapshotBase64.
func EncodeSnapshot(raw []byte) SnapshotBase64 {
	return SnapshotBase64(base64.StdEncoding.EncodeToString(raw))
}

// String returns the snapshot payload as a string.
func (payload SnapshotBase64) String() string {
	return string(payload)
}

// Raw decodes the snapshot payload back into replica bytes.
func (payload SnapshotBase64) Raw() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidSnapshot)
	}
	return raw, nil
}

// Hash returns the hex-encoded sha256 digest of the decoded snapshot bytes.
// The digest over raw bytes, not the base64 text, keeps it stable across
// encoders.
func (payload SnapshotBase64) Hash() (string, error) {
	raw, err := payload.Raw()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CursorPosition represents a validated cursor offset within a document.
type CursorPosition int64

// NewCursorPosition validates the value and returns a CursorPosition.
func NewCursorPosition(value int64) (CursorPosition, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCursorPosition, value)
	}
	return CursorPosition(value), nil
}

// Int64 returns the cursor offset as an int64.
func (position CursorPosition) Int64() int64 {
	return int64(position)
}

// Document models the persisted document row. Content is an opaque
// base64-encoded replica snapshot.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:512;not null"`
	ContentB64       string `gorm:"column:content_b64;type:text;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// PresenceRecord models the persisted per-user, per-document liveness row.
// The (document_id, user_id) primary key gives upsert semantics: a later
// heartbeat supersedes the prior row rather than appending.
type PresenceRecord struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username        string `gorm:"column:username;size:190;not null"`
	CursorPosition  int64  `gorm:"column:cursor_position;not null;default:0"`
	LastSeenSeconds int64  `gorm:"column:last_seen_s;not null;index:idx_presence_last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (PresenceRecord) TableName() string {
	return "user_presence"
}

// DocumentUpdate describes a partial document mutation. Nil fields are left
// untouched.
type DocumentUpdate struct {
	Title   *Title
	Content *SnapshotBase64
}

// NewDocumentRequest describes the inputs required to insert a document.
type NewDocumentRequest struct {
	Title     Title
	Content   SnapshotBase64
	CreatedBy UserID
}
