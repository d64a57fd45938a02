package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/replica"
)

var (
	errMissingFeed    = errors.New("session: feed is required")
	errSessionNotOpen = errors.New("session: not open")
	errAlreadyOpen    = errors.New("session: already open")
)

// ControllerConfig describes the inputs required to build a Controller.
type ControllerConfig struct {
	Store               Store
	Feed                Feed
	Identity            *identity.Session
	DocumentID          document.DocumentID
	DebounceWindow      time.Duration
	HeartbeatInterval   time.Duration
	StalenessMultiplier int
	Clock               func() time.Time
	// OnPersistFailure surfaces transient flush/title-save failures, e.g. as
	// a toast. No automatic retry follows; the next edit re-schedules.
	OnPersistFailure func(error)
	// OnPresenceFailure surfaces transient heartbeat/delete failures.
	OnPresenceFailure func(error)
	Logger            *zap.Logger
}

// Controller orchestrates one open-document session: load, subscriptions,
// heartbeat, local edits, debounced persistence, and guaranteed teardown.
type Controller struct {
	store      Store
	feed       Feed
	identity   *identity.Session
	documentID document.DocumentID
	clock      func() time.Time
	logger     *zap.Logger

	debounceWindow      time.Duration
	heartbeatInterval   time.Duration
	stalenessMultiplier int
	onPersistFailure    func(error)
	onPresenceFailure   func(error)

	mu                  sync.Mutex
	state               State
	title               document.Title
	alive               bool
	opened              bool
	rep                 *replica.Replica
	cancel              context.CancelFunc
	unsubscribeDocument func()
	unsubscribePresence func()

	debouncer  *Debouncer
	reconciler *Reconciler
	tracker    *Tracker

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewController constructs a Controller in StateLoading.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.DocumentID == "" {
		return nil, document.ErrInvalidDocumentID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:               cfg.Store,
		feed:                cfg.Feed,
		identity:            cfg.Identity,
		documentID:          cfg.DocumentID,
		clock:               clock,
		logger:              logger,
		debounceWindow:      cfg.DebounceWindow,
		heartbeatInterval:   cfg.HeartbeatInterval,
		stalenessMultiplier: cfg.StalenessMultiplier,
		onPersistFailure:    cfg.OnPersistFailure,
		onPresenceFailure:   cfg.OnPresenceFailure,
		state:               StateLoading,
	}, nil
}

// Open fetches the document, seeds the replica, starts both subscriptions and
// the heartbeat loop. A fetch or decode failure leaves the controller in
// StateError; the session never becomes live.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return errAlreadyOpen
	}
	c.opened = true
	c.state = StateLoading
	c.mu.Unlock()

	doc, err := c.store.GetDocument(ctx, c.documentID)
	if err != nil {
		c.setState(StateError)
		return newFailure(FailureFetch, err)
	}
	content, err := document.NewSnapshotBase64(doc.ContentB64)
	if err != nil {
		c.setState(StateError)
		return newFailure(FailureFetch, err)
	}
	raw, err := content.Raw()
	if err != nil {
		c.setState(StateError)
		return newFailure(FailureFetch, err)
	}
	rep, err := replica.Load(raw)
	if err != nil {
		c.setState(StateError)
		return newFailure(FailureFetch, err)
	}

	reconciler, err := NewReconciler(ReconcilerConfig{Replica: rep, Logger: c.logger})
	if err != nil {
		c.setState(StateError)
		return err
	}
	debouncer, err := NewDebouncer(DebouncerConfig{
		Window:       c.debounceWindow,
		Snapshot:     rep.Serialize,
		Flush:        c.persistSnapshot,
		OnFlushError: c.reportPersistFailure,
		Logger:       c.logger,
	})
	if err != nil {
		c.setState(StateError)
		return err
	}
	tracker, err := NewTracker(TrackerConfig{
		Store:               c.store,
		DocumentID:          c.documentID,
		Identity:            c.identity,
		Interval:            c.heartbeatInterval,
		StalenessMultiplier: c.stalenessMultiplier,
		Clock:               c.clock,
		OnFailure:           c.onPresenceFailure,
		Logger:              c.logger,
	})
	if err != nil {
		c.setState(StateError)
		return err
	}

	// The session outlives the Open call; its context is cancelled by Close.
	sessionCtx, cancel := context.WithCancel(context.Background())
	documentEvents, unsubscribeDocument := c.feed.SubscribeDocumentChanges(sessionCtx, c.documentID)
	presenceEvents, unsubscribePresence := c.feed.SubscribePresenceChanges(sessionCtx, c.documentID)

	c.mu.Lock()
	title, titleErr := document.NewTitle(doc.Title)
	if titleErr == nil {
		c.title = title
	}
	c.rep = rep
	c.reconciler = reconciler
	c.debouncer = debouncer
	c.tracker = tracker
	c.cancel = cancel
	c.unsubscribeDocument = unsubscribeDocument
	c.unsubscribePresence = unsubscribePresence
	c.alive = true
	c.state = StateReady
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		tracker.Run(sessionCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.eventLoop(sessionCtx, documentEvents, presenceEvents)
	}()

	if err := tracker.Refresh(sessionCtx); err != nil {
		c.logger.Warn("initial presence fetch failed", zap.Error(err))
	}
	return nil
}

// Edit applies one local edit to the replica and schedules a debounced flush.
// The flush serializes the replica when it fires, so remote changes reconciled
// in the meantime are persisted alongside the local edit.
func (c *Controller) Edit(edit replica.Edit) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return errSessionNotOpen
	}
	rep := c.rep
	debouncer := c.debouncer
	c.state = StateEditing
	c.mu.Unlock()

	if err := rep.ApplyLocalEdit(edit); err != nil {
		c.setAliveState(StateReady)
		return err
	}
	debouncer.Schedule()
	c.setAliveState(StateReady)
	return nil
}

// SaveNow bypasses the debounce window and persists the current replica
// state immediately, cancelling any pending scheduled flush.
func (c *Controller) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return errSessionNotOpen
	}
	debouncer := c.debouncer
	c.mu.Unlock()
	return debouncer.FlushNow(ctx)
}

// SaveTitle persists a title change immediately; titles are not debounced.
func (c *Controller) SaveTitle(ctx context.Context, title document.Title) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return errSessionNotOpen
	}
	c.title = title
	c.mu.Unlock()

	if _, err := c.store.UpdateDocument(ctx, c.documentID, document.DocumentUpdate{Title: &title}); err != nil {
		c.reportPersistFailure(err)
		return newFailure(FailurePersist, err)
	}
	return nil
}

// SetCursor records a local cursor move into the presence row.
func (c *Controller) SetCursor(ctx context.Context, position document.CursorPosition) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return errSessionNotOpen
	}
	tracker := c.tracker
	c.mu.Unlock()
	return tracker.SetCursor(ctx, position)
}

// Roster returns the fresh remote collaborators for this document.
func (c *Controller) Roster() []RosterEntry {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.Roster()
}

// Replica exposes the session's replica for rendering.
func (c *Controller) Replica() *replica.Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rep
}

// Reconciler exposes the session's reconciler counters.
func (c *Controller) Reconciler() *Reconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Title reports the working copy's title.
func (c *Controller) Title() document.Title {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// Close tears the session down: stop the heartbeat loop, cancel any pending
// debounce timer, drop both subscriptions, and best-effort delete the own
// presence row. Every step runs even when an earlier one fails; only the
// presence deletion can fail, and its error is returned for visibility.
func (c *Controller) Close(ctx context.Context) error {
	var deleteErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if !c.opened {
			c.mu.Unlock()
			return
		}
		c.alive = false
		cancel := c.cancel
		debouncer := c.debouncer
		unsubscribeDocument := c.unsubscribeDocument
		unsubscribePresence := c.unsubscribePresence
		tracker := c.tracker
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if debouncer != nil {
			debouncer.Close()
		}
		if unsubscribeDocument != nil {
			unsubscribeDocument()
		}
		if unsubscribePresence != nil {
			unsubscribePresence()
		}
		if tracker != nil {
			if err := tracker.Shutdown(ctx); err != nil {
				c.logger.Warn("presence cleanup failed", zap.Error(err))
				deleteErr = err
			}
		}
		c.wg.Wait()
	})
	return deleteErr
}

func (c *Controller) eventLoop(ctx context.Context, documentEvents <-chan feed.DocumentEvent, presenceEvents <-chan feed.PresenceEvent) {
	for {
		select {
		case event, ok := <-documentEvents:
			if !ok {
				return
			}
			c.handleDocumentEvent(event)
		case _, ok := <-presenceEvents:
			if !ok {
				return
			}
			c.handlePresenceEvent(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleDocumentEvent(event feed.DocumentEvent) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	reconciler := c.reconciler
	debouncer := c.debouncer
	if title, err := document.NewTitle(event.Document.Title); err == nil {
		c.title = title
	}
	c.mu.Unlock()

	applied, err := reconciler.OnExternalChange(event.Document)
	if err != nil {
		c.logger.Warn("reconcile failed",
			zap.String("document_id", event.Document.DocumentID),
			zap.Error(err))
		return
	}
	if applied {
		// Re-persist so the stored row carries the merged state even when
		// the remote snapshot arrived after this client's own flush. The
		// echo guard discards the resulting notification on the other side.
		debouncer.Schedule()
	}
}

func (c *Controller) handlePresenceEvent(ctx context.Context) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	tracker := c.tracker
	c.mu.Unlock()

	if err := tracker.Refresh(ctx); err != nil {
		c.logger.Warn("presence refresh failed", zap.Error(err))
	}
}

// persistSnapshot is the debouncer's flush target. A stale timer firing after
// teardown finds the session not alive and is a no-op.
func (c *Controller) persistSnapshot(ctx context.Context, snapshot []byte) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateSaving
	c.mu.Unlock()

	content := document.EncodeSnapshot(snapshot)
	_, err := c.store.UpdateDocument(ctx, c.documentID, document.DocumentUpdate{Content: &content})

	// Saving failure is recoverable; the session returns to Ready either way.
	c.setAliveState(StateReady)
	if err != nil {
		return newFailure(FailurePersist, err)
	}
	return nil
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) setAliveState(state State) {
	c.mu.Lock()
	if c.alive {
		c.state = state
	}
	c.mu.Unlock()
}

func (c *Controller) reportPersistFailure(err error) {
	if c.onPersistFailure != nil {
		c.onPersistFailure(err)
	}
}
