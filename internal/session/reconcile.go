package session

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/replica"
)

var errMissingReplica = errors.New("session: replica is required")

// ReconcilerConfig describes the inputs required to build a Reconciler.
type ReconcilerConfig struct {
	Replica *replica.Replica
	Logger  *zap.Logger
}

// Reconciler applies externally observed document rows to the local replica.
// The hash comparison is the echo guard: a notification whose snapshot digest
// matches the digest of the content most recently written to the replica is
// the client's own write (or a duplicate delivery) and is discarded, which is
// what breaks the apply → notify → apply loop. Hashes, unlike sequence
// numbers, need no ordering assumptions from the feed.
type Reconciler struct {
	replica *replica.Replica
	logger  *zap.Logger
	applied atomic.Int64
	skipped atomic.Int64
}

// NewReconciler constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{replica: cfg.Replica, logger: logger}, nil
}

// OnExternalChange reconciles one document-change notification. It reports
// whether the snapshot reached the replica, so the caller can re-persist the
// merged state; echoes and duplicates report false.
func (r *Reconciler) OnExternalChange(doc document.Document) (bool, error) {
	content, err := document.NewSnapshotBase64(doc.ContentB64)
	if err != nil {
		return false, err
	}
	incomingHash, err := content.Hash()
	if err != nil {
		return false, err
	}

	if incomingHash == r.replica.CurrentHash() {
		r.skipped.Add(1)
		r.logger.Debug("discarded echoed snapshot",
			zap.String("document_id", doc.DocumentID),
			zap.String("snapshot_hash", incomingHash))
		return false, nil
	}

	raw, err := content.Raw()
	if err != nil {
		return false, err
	}
	if err := r.replica.ApplyRemoteSnapshot(raw); err != nil {
		r.logger.Error("failed to apply remote snapshot",
			zap.String("document_id", doc.DocumentID),
			zap.Error(err))
		return false, err
	}
	r.applied.Add(1)
	return true, nil
}

// AppliedCount reports how many notifications reached the replica.
func (r *Reconciler) AppliedCount() int64 {
	return r.applied.Load()
}

// SkippedCount reports how many notifications were discarded as echoes.
func (r *Reconciler) SkippedCount() int64 {
	return r.skipped.Load()
}
