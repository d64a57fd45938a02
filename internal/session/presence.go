package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/identity"
)

const (
	defaultHeartbeatInterval   = 30 * time.Second
	defaultStalenessMultiplier = 3
)

var (
	errMissingStore    = errors.New("session: store is required")
	errMissingIdentity = errors.New("session: identity is required")
)

// RosterEntry is one remote collaborator visible in the presence roster.
type RosterEntry struct {
	UserID         string
	Username       string
	Color          identity.Color
	CursorPosition int64
}

// TrackerConfig describes the inputs required to build a Tracker.
type TrackerConfig struct {
	Store               Store
	DocumentID          document.DocumentID
	Identity            *identity.Session
	Interval            time.Duration
	StalenessMultiplier int
	Clock               func() time.Time
	OnFailure           func(error)
	Logger              *zap.Logger
}

// Tracker maintains this client's heartbeat row and a time-bounded view of
// the other collaborators. Records are never expired by a timer here; Roster
// filters by last-seen age at read time, since the store cannot push expiry.
type Tracker struct {
	store      Store
	documentID document.DocumentID
	identity   *identity.Session
	interval   time.Duration
	staleAfter time.Duration
	clock      func() time.Time
	onFailure  func(error)
	logger     *zap.Logger

	mu     sync.Mutex
	cursor int64
	others []document.PresenceRecord
}

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.DocumentID == "" {
		return nil, document.ErrInvalidDocumentID
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	multiplier := cfg.StalenessMultiplier
	if multiplier <= 0 {
		multiplier = defaultStalenessMultiplier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:      cfg.Store,
		documentID: cfg.DocumentID,
		identity:   cfg.Identity,
		interval:   interval,
		staleAfter: interval * time.Duration(multiplier),
		clock:      clock,
		onFailure:  cfg.OnFailure,
		logger:     logger,
	}, nil
}

// Heartbeat upserts this client's presence row with the current timestamp and
// cursor position. One row per (document, user): a later heartbeat supersedes
// the prior one.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	record := document.PresenceRecord{
		DocumentID:      t.documentID.String(),
		UserID:          t.identity.UserID(),
		Username:        t.identity.DisplayName(),
		CursorPosition:  cursor,
		LastSeenSeconds: t.clock().UTC().Unix(),
	}
	if err := t.store.UpsertPresence(ctx, record); err != nil {
		t.reportFailure(err)
		return newFailure(FailurePresence, err)
	}
	return nil
}

// SetCursor records a local cursor move and refreshes the heartbeat row so
// other clients see the new position without waiting for the next tick.
func (t *Tracker) SetCursor(ctx context.Context, position document.CursorPosition) error {
	t.mu.Lock()
	t.cursor = position.Int64()
	t.mu.Unlock()
	return t.Heartbeat(ctx)
}

// Refresh re-fetches all presence rows for the document excluding self. It is
// driven by presence-change notifications; the notification itself carries no
// payload, so the store is the source of truth.
func (t *Tracker) Refresh(ctx context.Context) error {
	selfID, err := document.NewUserID(t.identity.UserID())
	if err != nil {
		return newFailure(FailurePresence, err)
	}
	records, err := t.store.ListPresence(ctx, t.documentID, selfID)
	if err != nil {
		t.reportFailure(err)
		return newFailure(FailurePresence, err)
	}
	t.mu.Lock()
	t.others = records
	t.mu.Unlock()
	return nil
}

// Roster returns the remote collaborators whose presence rows are fresh,
// colored deterministically and ordered by username.
func (t *Tracker) Roster() []RosterEntry {
	cutoff := t.clock().UTC().Add(-t.staleAfter).Unix()

	t.mu.Lock()
	records := make([]document.PresenceRecord, len(t.others))
	copy(records, t.others)
	t.mu.Unlock()

	entries := make([]RosterEntry, 0, len(records))
	for _, record := range records {
		if record.LastSeenSeconds < cutoff {
			continue
		}
		entries = append(entries, RosterEntry{
			UserID:         record.UserID,
			Username:       record.Username,
			Color:          identity.ColorFor(record.UserID),
			CursorPosition: record.CursorPosition,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Username == entries[j].Username {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].Username < entries[j].Username
	})
	return entries
}

// Run sends an immediate heartbeat and then one per interval until ctx is
// cancelled. Heartbeat errors are reported and swallowed; the next tick is
// the retry path.
func (t *Tracker) Run(ctx context.Context) {
	if err := t.Heartbeat(ctx); err != nil {
		t.logger.Warn("initial heartbeat failed", zap.Error(err))
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Heartbeat(ctx); err != nil {
				t.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown deletes this client's presence row. Best effort: a failure leaves
// a row that goes stale and is filtered out by readers.
func (t *Tracker) Shutdown(ctx context.Context) error {
	selfID, err := document.NewUserID(t.identity.UserID())
	if err != nil {
		return newFailure(FailurePresence, err)
	}
	if err := t.store.DeletePresence(ctx, t.documentID, selfID); err != nil {
		t.reportFailure(err)
		return newFailure(FailurePresence, err)
	}
	return nil
}

func (t *Tracker) reportFailure(err error) {
	if t.onFailure != nil {
		t.onFailure(err)
	}
}
