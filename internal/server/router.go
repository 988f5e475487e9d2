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

	"github.com/MarcoPoloResearchLab/quill/internal/auth"
	"github.com/MarcoPoloResearchLab/quill/internal/doclist"
	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	syncpkg "github.com/MarcoPoloResearchLab/quill/internal/sync"
)

const userIDContextKey = "quill_user_id"

const (
	errorBodyNotFound       = "not_found"
	errorBodyForbidden      = "forbidden"
	errorBodyUnauthorized   = "unauthorized"
	errorBodyInvalidRequest = "invalid_request"
)

var (
	errMissingIdentityVerifier = errors.New("identity verifier dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingDocumentsService = errors.New("documents service dependency required")
	errMissingProjection       = errors.New("doclist service dependency required")
	errMissingGateway          = errors.New("session gateway dependency required")
)

// IdentityVerifier validates provider-issued ID tokens at login.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdentityClaims, error)
}

// AccessTokenIssuer issues backend access tokens after identity verification.
type AccessTokenIssuer interface {
	IssueAccessToken(ctx context.Context, subject string) (string, int64, error)
}

// IdentityResolver maps verified claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.IdentityClaims) (string, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	IdentityVerifier IdentityVerifier
	TokenIssuer      AccessTokenIssuer
	Credentials      *auth.CredentialResolver
	Users            IdentityResolver
	Documents        *documents.Service
	Projections      *doclist.Service
	Gateway          *syncpkg.Gateway
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router exposing login, the document
// lifecycle API, and the websocket sync endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IdentityVerifier == nil {
		return nil, errMissingIdentityVerifier
	}
	if deps.TokenIssuer == nil || deps.Credentials == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Projections == nil {
		return nil, errMissingProjection
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.IdentityVerifier,
		tokens:      deps.TokenIssuer,
		credentials: deps.Credentials,
		users:       deps.Users,
		documents:   deps.Documents,
		projections: deps.Projections,
		gateway:     deps.Gateway,
		logger:      logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.GET("/documents/:id/sync", handler.resolveOptionalIdentity, handler.handleDocumentSync)

	protected := router.Group("/")
	protected.Use(handler.requireIdentity)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PATCH("/documents/:id", handler.handlePatchDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.PUT("/documents/:id/grants/:userID", handler.handleUpsertGrant)
	protected.DELETE("/documents/:id/grants/:userID", handler.handleRevokeGrant)

	return router, nil
}

type httpHandler struct {
	verifier    IdentityVerifier
	tokens      AccessTokenIssuer
	credentials *auth.CredentialResolver
	users       IdentityResolver
	documents   *documents.Service
	projections *doclist.Service
	gateway     *syncpkg.Gateway
	logger      *zap.Logger
}

type loginRequestPayload struct {
	IDToken string `json:"id_token"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorBodyUnauthorized})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAccessToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// requireIdentity rejects requests without a valid access token.
func (h *httpHandler) requireIdentity(c *gin.Context) {
	userID, err := h.credentials.ResolveUserID(c.Request)
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorBodyUnauthorized})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// resolveOptionalIdentity admits anonymous callers but still rejects
// presented-and-invalid credentials.
func (h *httpHandler) resolveOptionalIdentity(c *gin.Context) {
	userID, err := h.credentials.ResolveUserID(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorBodyUnauthorized})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type documentPayload struct {
	DocumentID       string `json:"document_id"`
	OwnerID          string `json:"owner_id"`
	DocumentType     string `json:"type"`
	Title            string `json:"title"`
	Public           bool   `json:"public"`
	MetadataJSON     string `json:"metadata_json"`
	BaseDocumentID   string `json:"base_document_id,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func toDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		DocumentID:       document.DocumentID,
		OwnerID:          document.OwnerID,
		DocumentType:     document.DocumentType,
		Title:            document.Title,
		Public:           document.Public,
		MetadataJSON:     document.MetadataJSON,
		BaseDocumentID:   document.BaseDocumentID,
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
}

type createDocumentPayload struct {
	DocumentType   string `json:"type"`
	Title          string `json:"title"`
	Public         bool   `json:"public"`
	BaseDocumentID string `json:"base_document_id"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}
	documentType, err := documents.NewDocumentType(request.DocumentType)
	if err != nil || documentType == documents.DocumentTypeDocumentList {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}

	document, err := h.documents.CreateDocument(c.Request.Context(), documents.CreateDocumentRequest{
		OwnerID:        documents.UserID(userID),
		DocumentType:   documentType,
		Title:          request.Title,
		Public:         request.Public,
		BaseDocumentID: documents.DocumentID(strings.TrimSpace(request.BaseDocumentID)),
	})
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
			return
		}
		h.logger.Error("document creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	h.projectDocumentChange(c, document, []documents.UserID{documents.UserID(userID)})
	c.JSON(http.StatusCreated, toDocumentPayload(document))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	visible, err := h.documents.ListVisibleDocuments(c.Request.Context(), documents.UserID(userID))
	if err != nil {
		h.logger.Error("document list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]documentPayload, 0, len(visible))
	for _, document := range visible {
		payloads = append(payloads, toDocumentPayload(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payloads})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := documents.DocumentID(c.Param("id"))

	level, err := h.documents.ResolvePermission(c.Request.Context(), documentID, documents.UserID(userID))
	if err != nil || level == documents.PermissionNone {
		h.respondNotFound(c, err)
		return
	}
	document, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondNotFound(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

type patchDocumentPayload struct {
	Title          *string `json:"title"`
	Public         *bool   `json:"public"`
	BaseDocumentID *string `json:"base_document_id"`
}

func (h *httpHandler) handlePatchDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := documents.DocumentID(c.Param("id"))
	if !h.requireOwner(c, documentID, userID) {
		return
	}

	var request patchDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}

	var document documents.Document
	var err error
	applied := false
	if request.Title != nil {
		document, err = h.documents.RenameDocument(c.Request.Context(), documentID, *request.Title)
		applied = true
	}
	if err == nil && request.Public != nil {
		document, err = h.documents.SetDocumentPublic(c.Request.Context(), documentID, *request.Public)
		applied = true
	}
	if err == nil && request.BaseDocumentID != nil {
		document, err = h.documents.SetBaseDocument(c.Request.Context(), documentID, documents.DocumentID(strings.TrimSpace(*request.BaseDocumentID)), documents.UserID(userID))
		applied = true
	}
	if !applied {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}
	if errors.Is(err, documents.ErrInheritanceCycle) {
		c.JSON(http.StatusConflict, gin.H{"error": "inheritance_cycle"})
		return
	}
	if errors.Is(err, documents.ErrDocumentNotFound) {
		h.respondNotFound(c, err)
		return
	}
	if err != nil {
		h.logger.Error("document patch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "patch_failed"})
		return
	}

	affected, affErr := h.projections.AffectedUsers(c.Request.Context(), document)
	if affErr != nil {
		h.logger.Error("affected user resolution failed", zap.Error(affErr))
	} else {
		h.projectDocumentChange(c, document, affected)
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := documents.DocumentID(c.Param("id"))
	if !h.requireOwner(c, documentID, userID) {
		return
	}

	// Capture the visibility set before the delete hides the grants.
	current, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondNotFound(c, err)
		return
	}
	affected, err := h.projections.AffectedUsers(c.Request.Context(), current)
	if err != nil {
		h.logger.Error("affected user resolution failed", zap.Error(err))
		affected = []documents.UserID{documents.UserID(current.OwnerID)}
	}

	document, err := h.documents.SoftDeleteDocument(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		h.respondNotFound(c, err)
		return
	}
	if err != nil {
		h.logger.Error("document delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	h.projectDocumentChange(c, document, affected)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type grantRequestPayload struct {
	CanWrite bool `json:"can_write"`
}

func (h *httpHandler) handleUpsertGrant(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := documents.DocumentID(c.Param("id"))
	granteeID, err := documents.NewUserID(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}
	if !h.requireOwner(c, documentID, userID) {
		return
	}
	if granteeID.String() == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}

	var request grantRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}

	grant, err := h.documents.UpsertGrant(c.Request.Context(), documentID, granteeID, request.CanWrite)
	if err != nil {
		h.logger.Error("grant upsert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant_failed"})
		return
	}

	document, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err == nil {
		h.projectDocumentChange(c, document, []documents.UserID{granteeID})
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": grant.DocumentID,
		"user_id":     grant.UserID,
		"can_write":   grant.CanWrite,
	})
}

func (h *httpHandler) handleRevokeGrant(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := documents.DocumentID(c.Param("id"))
	granteeID, err := documents.NewUserID(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}
	if !h.requireOwner(c, documentID, userID) {
		return
	}

	if err := h.documents.RevokeGrant(c.Request.Context(), documentID, granteeID); err != nil {
		h.logger.Error("grant revoke failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke_failed"})
		return
	}

	document, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err == nil {
		h.projectDocumentChange(c, document, []documents.UserID{granteeID})
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// requireOwner enforces lifecycle control. Callers the document is hidden
// from get the same not-found shape as a missing document; callers who can
// already see the document get a plain forbidden.
func (h *httpHandler) requireOwner(c *gin.Context, documentID documents.DocumentID, userID string) bool {
	level, err := h.documents.ResolvePermission(c.Request.Context(), documentID, documents.UserID(userID))
	if err != nil || level == documents.PermissionNone {
		h.respondNotFound(c, err)
		return false
	}
	if level != documents.PermissionOwner {
		c.JSON(http.StatusForbidden, gin.H{"error": errorBodyForbidden})
		return false
	}
	return true
}

func (h *httpHandler) respondNotFound(c *gin.Context, err error) {
	if err != nil && !errors.Is(err, documents.ErrDocumentNotFound) {
		h.logger.Error("document lookup failed", zap.Error(err))
	}
	c.JSON(http.StatusNotFound, gin.H{"error": errorBodyNotFound})
}

func (h *httpHandler) projectDocumentChange(c *gin.Context, document documents.Document, affected []documents.UserID) {
	if err := h.projections.ApplyDocumentChange(c.Request.Context(), document, affected); err != nil {
		h.logger.Error("document list projection failed",
			zap.String("document_id", document.DocumentID),
			zap.Error(err))
	}
}
