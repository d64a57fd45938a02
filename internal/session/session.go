// Package session implements the per-document synchronization core: a
// debounced persistence scheduler, a snapshot reconciler with an echo-hash
// guard, a presence tracker, and the controller that ties their lifecycles
// together.
package session

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/feed"
)

// State enumerates the controller lifecycle states.
type State string

const (
	// StateLoading covers the initial document fetch.
	StateLoading State = "loading"
	// StateReady means the session is idle and synchronized.
	StateReady State = "ready"
	// StateEditing covers application of a local edit.
	StateEditing State = "editing"
	// StateSaving covers an in-flight persistence flush.
	StateSaving State = "saving"
	// StateError is terminal and only reachable from a failed load.
	StateError State = "error"
)

// FailureKind classifies session failures per their recovery path.
type FailureKind string

const (
	// FailureFetch is fatal to the session; the controller stays in StateError.
	FailureFetch FailureKind = "fetch"
	// FailurePersist is transient; the next edit re-schedules a flush.
	FailurePersist FailureKind = "persist"
	// FailurePresence is transient; the next heartbeat tick retries naturally.
	FailurePresence FailureKind = "presence"
)

// Failure wraps an underlying error with its session failure kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("session %s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(kind FailureKind, err error) error {
	return &Failure{Kind: kind, Err: err}
}

// Store is the persistent store collaborator the session core writes through.
type Store interface {
	GetDocument(ctx context.Context, documentID document.DocumentID) (document.Document, error)
	UpdateDocument(ctx context.Context, documentID document.DocumentID, update document.DocumentUpdate) (document.Document, error)
	UpsertPresence(ctx context.Context, record document.PresenceRecord) error
	DeletePresence(ctx context.Context, documentID document.DocumentID, userID document.UserID) error
	ListPresence(ctx context.Context, documentID document.DocumentID, excludingUserID document.UserID) ([]document.PresenceRecord, error)
}

// Feed is the change-notification collaborator. Delivery is at-least-once and
// unordered; everything downstream of these channels must tolerate duplicates.
type Feed interface {
	SubscribeDocumentChanges(ctx context.Context, documentID document.DocumentID) (<-chan feed.DocumentEvent, func())
	SubscribePresenceChanges(ctx context.Context, documentID document.DocumentID) (<-chan feed.PresenceEvent, func())
}
