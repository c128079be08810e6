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

	"signsync/internal/documents"
	"signsync/internal/signing"
	"signsync/internal/users"
)

const userIDContextKey = "signsync_user_id"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingDocumentService = errors.New("documents service dependency required")
	errMissingHub             = errors.New("hub dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

type TokenManager interface {
	Validate(token string) (string, error)
	Refresh(ctx context.Context, token string) (string, int64, error)
}

type Dependencies struct {
	TokenManager TokenManager
	Documents    *documents.Service
	Signers      *users.Service
	Hub          *Hub
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		documents: deps.Documents,
		signers:   deps.Signers,
		hub:       deps.Hub,
		logger:    logger,
	}

	router.POST("/api/auth/refresh", handler.handleTokenRefresh)
	router.GET("/ws", handler.handleSocket)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:documentId", handler.handleGetDocument)
	protected.POST("/signatures/draft/:documentId", handler.handleCreateDraft)
	protected.PATCH("/signatures/:signatureId/position", handler.handleUpdatePosition)
	protected.DELETE("/signatures/:signatureId", handler.handleDeleteDraft)
	protected.POST("/signatures/:documentId/sign", handler.handleFinalize)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	documents *documents.Service
	signers   *users.Service
	hub       *Hub
	logger    *zap.Logger
}

type refreshRequestPayload struct {
	Token string `json:"token"`
}

type refreshResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenRefresh(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.Refresh(c.Request.Context(), request.Token)
	if err != nil {
		h.logger.Warn("token refresh rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, refreshResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	subject, err := h.subjectFromHeader(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.hub.Serve(c.Writer, c.Request, subject)
}

type signaturePayload struct {
	ID                string  `json:"id"`
	DocumentID        string  `json:"documentId"`
	DocumentVersionID string  `json:"documentVersionId,omitempty"`
	SignerID          string  `json:"signerId"`
	SignerName        string  `json:"signerName,omitempty"`
	SignatureImageURL string  `json:"signatureImageUrl,omitempty"`
	PageNumber        int     `json:"pageNumber"`
	PositionX         float64 `json:"positionX"`
	PositionY         float64 `json:"positionY"`
	Width             float64 `json:"width"`
	Height            float64 `json:"height"`
	Status            string  `json:"status"`
}

func (h *httpHandler) signaturePayloadFrom(ctx context.Context, record documents.SignatureRecord) signaturePayload {
	name := record.SignerName
	if name == "" && h.signers != nil {
		if signer, found := h.signers.Lookup(ctx, record.SignerID); found {
			name = signer.DisplayName
		}
	}
	return signaturePayload{
		ID:                record.ID,
		DocumentID:        record.DocumentID,
		DocumentVersionID: record.DocumentVersionID,
		SignerID:          record.SignerID,
		SignerName:        name,
		SignatureImageURL: record.SignatureImageURL,
		PageNumber:        record.PageNumber,
		PositionX:         record.PositionX,
		PositionY:         record.PositionY,
		Width:             record.Width,
		Height:            record.Height,
		Status:            record.Status,
	}
}

type documentVersionPayload struct {
	ID                 string             `json:"id"`
	SignaturesPersonal []signaturePayload `json:"signaturesPersonal"`
	SignaturesGroup    []signaturePayload `json:"signaturesGroup"`
}

type documentResponsePayload struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	CurrentVersion documentVersionPayload `json:"currentVersion"`
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	view, err := h.documents.GetDocument(c.Request.Context(), c.Param("documentId"))
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("document fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	response := documentResponsePayload{
		ID:     view.Document.ID,
		Status: view.Document.Status,
		CurrentVersion: documentVersionPayload{
			ID:                 view.Document.CurrentVersionID,
			SignaturesPersonal: make([]signaturePayload, 0, len(view.Finals)),
			SignaturesGroup:    make([]signaturePayload, 0, len(view.Drafts)),
		},
	}
	for _, record := range view.Finals {
		response.CurrentVersion.SignaturesPersonal = append(
			response.CurrentVersion.SignaturesPersonal,
			h.signaturePayloadFrom(c.Request.Context(), record))
	}
	for _, record := range view.Drafts {
		response.CurrentVersion.SignaturesGroup = append(
			response.CurrentVersion.SignaturesGroup,
			h.signaturePayloadFrom(c.Request.Context(), record))
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateDraft(c *gin.Context) {
	signerID := c.GetString(userIDContextKey)
	var wire signing.WireSignature
	if err := c.ShouldBindJSON(&wire); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.documents.CreateDraft(c.Request.Context(), documents.DraftInput{
		DocumentID:        c.Param("documentId"),
		ClientID:          wire.ID.String(),
		SignerID:          signerID,
		SignerName:        wire.SignerName,
		SignatureImageURL: wire.SignatureImageURL,
		PageNumber:        wire.PageNumber,
		PositionX:         wire.PositionX,
		PositionY:         wire.PositionY,
		Width:             wire.Width,
		Height:            wire.Height,
	})
	if err != nil {
		switch {
		case errors.Is(err, documents.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		case errors.Is(err, documents.ErrDocumentClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "document_closed"})
		case errors.Is(err, documents.ErrAlreadySigned):
			c.JSON(http.StatusConflict, gin.H{"error": "already_signed"})
		case errors.Is(err, documents.ErrInvalidDocumentID), errors.Is(err, documents.ErrInvalidSignerID):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Error("draft create failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		}
		return
	}

	if h.signers != nil {
		if err := h.signers.RecordSigner(c.Request.Context(), signerID, wire.SignerName, wire.SignatureImageURL); err != nil {
			h.logger.Warn("signer identity record failed", zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, h.signaturePayloadFrom(c.Request.Context(), record))
}

type positionRequestPayload struct {
	PositionX  float64 `json:"positionX"`
	PositionY  float64 `json:"positionY"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	PageNumber int     `json:"pageNumber"`
}

func (h *httpHandler) handleUpdatePosition(c *gin.Context) {
	signerID := c.GetString(userIDContextKey)
	var request positionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.documents.UpdatePosition(c.Request.Context(), c.Param("signatureId"), signerID, documents.PositionInput{
		PageNumber: request.PageNumber,
		PositionX:  request.PositionX,
		PositionY:  request.PositionY,
		Width:      request.Width,
		Height:     request.Height,
	})
	if err != nil {
		switch {
		case errors.Is(err, documents.ErrSignatureNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "signature_not_found"})
		case errors.Is(err, documents.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		case errors.Is(err, documents.ErrSignatureFinal):
			c.JSON(http.StatusConflict, gin.H{"error": "signature_final"})
		default:
			h.logger.Error("position update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		}
		return
	}

	c.JSON(http.StatusOK, h.signaturePayloadFrom(c.Request.Context(), record))
}

func (h *httpHandler) handleDeleteDraft(c *gin.Context) {
	signerID := c.GetString(userIDContextKey)
	err := h.documents.DeleteDraft(c.Request.Context(), c.Param("signatureId"), signerID)
	if err != nil {
		switch {
		case errors.Is(err, documents.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		case errors.Is(err, documents.ErrSignatureFinal):
			c.JSON(http.StatusConflict, gin.H{"error": "signature_final"})
		default:
			h.logger.Error("draft delete failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

type finalizeRequestPayload struct {
	SignatureID string `json:"signatureId"`
}

func (h *httpHandler) handleFinalize(c *gin.Context) {
	signerID := c.GetString(userIDContextKey)
	var request finalizeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SignatureID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.documents.Finalize(c.Request.Context(), c.Param("documentId"), request.SignatureID, signerID)
	if err != nil {
		switch {
		case errors.Is(err, documents.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		case errors.Is(err, documents.ErrSignatureNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "signature_not_found"})
		case errors.Is(err, documents.ErrDocumentClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "document_closed"})
		case errors.Is(err, documents.ErrAlreadySigned):
			c.JSON(http.StatusConflict, gin.H{"error": "already_signed"})
		case errors.Is(err, documents.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		case errors.Is(err, documents.ErrSignatureFinal):
			c.JSON(http.StatusConflict, gin.H{"error": "signature_final"})
		default:
			h.logger.Error("finalize failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "finalize_failed"})
		}
		return
	}

	c.JSON(http.StatusOK, h.signaturePayloadFrom(c.Request.Context(), record))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.subjectFromHeader(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) subjectFromHeader(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errInvalidAuthorization
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errInvalidAuthorization
	}
	subject, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		return "", err
	}
	return subject, nil
}
