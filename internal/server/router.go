package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/replica"
)

const (
	userIDContextKey      = "coedit_user_id"
	displayNameContextKey = "coedit_display_name"

	defaultTitle               = "Untitled"
	defaultHeartbeatInterval   = 30 * time.Second
	defaultStalenessMultiplier = 3
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("document store dependency required")
	errMissingFeed          = errors.New("change feed dependency required")
	errMissingIDProvider    = errors.New("id provider dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates anonymous session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, session *identity.Session) (string, int64, error)
	ValidateToken(token string) (string, string, error)
}

// Dependencies lists the collaborators the HTTP surface is built from.
type Dependencies struct {
	TokenManager SessionTokenManager
	Store        *document.Store
	Feed         *feed.Dispatcher
	IDProvider   identity.IDProvider
	// HeartbeatInterval and StalenessMultiplier bound roster freshness; rows
	// older than interval times multiplier are filtered from roster reads.
	HeartbeatInterval   time.Duration
	StalenessMultiplier int
	Clock               func() time.Time
	Logger              *zap.Logger
}

// NewHTTPHandler builds the gin router with the full API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := deps.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	multiplier := deps.StalenessMultiplier
	if multiplier <= 0 {
		multiplier = defaultStalenessMultiplier
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		store:      deps.Store,
		changeFeed: deps.Feed,
		ids:        deps.IDProvider,
		staleAfter: interval * time.Duration(multiplier),
		clock:      clock,
		logger:     logger,
	}

	router.POST("/session/anonymous", handler.handleAnonymousSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.POST("/documents/:id", handler.handleUpdateDocument)
	protected.GET("/documents/:id/stream", handler.handleDocumentStream)
	protected.GET("/presence/:id", handler.handleListPresence)
	protected.PUT("/presence/:id", handler.handleHeartbeat)
	protected.DELETE("/presence/:id", handler.handleLeave)
	protected.GET("/presence/:id/stream", handler.handlePresenceStream)

	return router, nil
}

type httpHandler struct {
	tokens     SessionTokenManager
	store      *document.Store
	changeFeed *feed.Dispatcher
	ids        identity.IDProvider
	staleAfter time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

func (h *httpHandler) handleAnonymousSession(c *gin.Context) {
	session, err := identity.NewSession(identity.SessionConfig{IDProvider: h.ids})
	if err != nil {
		h.logger.Error("failed to generate session identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), session)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      session.UserID(),
		DisplayName: session.DisplayName(),
		Color:       session.Color().String(),
	})
}

type documentSummaryPayload struct {
	DocumentID       string `json:"document_id"`
	Title            string `json:"title"`
	CreatedBy        string `json:"created_by"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	docs, err := h.store.ListDocuments(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	summaries := make([]documentSummaryPayload, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, documentSummaryPayload{
			DocumentID:       doc.DocumentID,
			Title:            doc.Title,
			CreatedBy:        doc.CreatedBy,
			UpdatedAtSeconds: doc.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": summaries})
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

type documentResponsePayload struct {
	DocumentID       string `json:"document_id"`
	Title            string `json:"title"`
	ContentB64       string `json:"content_b64"`
	CreatedBy        string `json:"created_by"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func documentResponse(doc document.Document) documentResponsePayload {
	return documentResponsePayload{
		DocumentID:       doc.DocumentID,
		Title:            doc.Title,
		ContentB64:       doc.ContentB64,
		CreatedBy:        doc.CreatedBy,
		CreatedAtSeconds: doc.CreatedAtSeconds,
		UpdatedAtSeconds: doc.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	// An empty or absent body is fine; the document gets the default title.
	var request createDocumentPayload
	_ = c.ShouldBindJSON(&request)
	titleText := strings.TrimSpace(request.Title)
	if titleText == "" {
		titleText = defaultTitle
	}
	title, err := document.NewTitle(titleText)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return
	}
	creator, err := document.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	seeded, err := replica.NewSeeded()
	if err != nil {
		h.logger.Error("failed to seed document content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	doc, err := h.store.InsertDocument(c.Request.Context(), document.NewDocumentRequest{
		Title:     title,
		Content:   document.EncodeSnapshot(seeded.Serialize()),
		CreatedBy: creator,
	})
	if err != nil {
		h.logger.Error("failed to insert document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, documentResponse(doc))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	doc, err := h.store.GetDocument(c.Request.Context(), documentID)
	if errors.Is(err, document.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, documentResponse(doc))
}

type updateDocumentPayload struct {
	Title      *string `json:"title"`
	ContentB64 *string `json:"content_b64"`
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	var request updateDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Title == nil && request.ContentB64 == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_update"})
		return
	}

	var update document.DocumentUpdate
	if request.Title != nil {
		title, err := document.NewTitle(*request.Title)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
			return
		}
		update.Title = &title
	}
	if request.ContentB64 != nil {
		content, err := document.NewSnapshotBase64(*request.ContentB64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
			return
		}
		update.Content = &content
	}

	doc, err := h.store.UpdateDocument(c.Request.Context(), documentID, update)
	if errors.Is(err, document.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to update document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, documentResponse(doc))
}

type heartbeatPayload struct {
	CursorPosition int64 `json:"cursor_position"`
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	var request heartbeatPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		request.CursorPosition = 0
	}
	if _, err := document.NewCursorPosition(request.CursorPosition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor_position"})
		return
	}

	record := document.PresenceRecord{
		DocumentID:      documentID.String(),
		UserID:          c.GetString(userIDContextKey),
		Username:        c.GetString(displayNameContextKey),
		CursorPosition:  request.CursorPosition,
		LastSeenSeconds: h.clock().UTC().Unix(),
	}
	if err := h.store.UpsertPresence(c.Request.Context(), record); err != nil {
		h.logger.Error("failed to upsert presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	userID, err := document.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.store.DeletePresence(c.Request.Context(), documentID, userID); err != nil {
		h.logger.Error("failed to delete presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type rosterEntryPayload struct {
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	Color          string `json:"color"`
	CursorPosition int64  `json:"cursor_position"`
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	userID, err := document.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	records, err := h.store.ListPresence(c.Request.Context(), documentID, userID)
	if err != nil {
		h.logger.Error("failed to list presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}

	cutoff := h.clock().UTC().Add(-h.staleAfter).Unix()
	entries := make([]rosterEntryPayload, 0, len(records))
	for _, record := range records {
		if record.LastSeenSeconds < cutoff {
			continue
		}
		entries = append(entries, rosterEntryPayload{
			UserID:         record.UserID,
			Username:       record.Username,
			Color:          identity.ColorFor(record.UserID).String(),
			CursorPosition: record.CursorPosition,
		})
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": entries})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, displayName, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Set(displayNameContextKey, displayName)
	c.Next()
}

// bearerToken accepts the Authorization header or, for EventSource clients
// that cannot set headers, the access_token query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}
