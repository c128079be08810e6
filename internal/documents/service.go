package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrDocumentNotFound indicates the document id matches no stored row.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrSignatureNotFound indicates the signature id matches no stored row.
	ErrSignatureNotFound = errors.New("documents: signature not found")
	// ErrDocumentClosed indicates the document left the active signing state.
	ErrDocumentClosed = errors.New("documents: document closed")
	// ErrNotOwner indicates the caller does not own the signature row.
	ErrNotOwner = errors.New("documents: signature owned by another signer")
	// ErrAlreadySigned indicates the signer already holds a final signature.
	ErrAlreadySigned = errors.New("documents: signer already finalized")
	// ErrSignatureFinal indicates a mutation targeted a finalized row.
	ErrSignatureFinal = errors.New("documents: signature already final")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "documents.service.new"
	opCreateDraft    = "documents.create_draft"
	opUpdatePosition = "documents.update_position"
	opDeleteDraft    = "documents.delete_draft"
	opFinalize       = "documents.finalize"
	opGetDocument    = "documents.get_document"
	opEnsureDocument = "documents.ensure_document"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns document and signature placement persistence.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// DraftInput describes a draft placement submitted by a client.
type DraftInput struct {
	DocumentID        string
	ClientID          string
	SignerID          string
	SignerName        string
	SignatureImageURL string
	PageNumber        int
	PositionX         float64
	PositionY         float64
	Width             float64
	Height            float64
}

// PositionInput carries a geometry update for an existing placement.
type PositionInput struct {
	PageNumber int
	PositionX  float64
	PositionY  float64
	Width      float64
	Height     float64
}

// EnsureDocument creates the document row when absent. Existing rows are
// left untouched.
func (s *Service) EnsureDocument(ctx context.Context, record DocumentRecord) error {
	documentID, err := validIdentifier(record.ID, ErrInvalidDocumentID)
	if err != nil {
		return newServiceError(opEnsureDocument, "invalid_document_id", err)
	}
	record.ID = documentID
	if record.Status == "" {
		record.Status = string(StatusInProgress)
	}
	now := s.clock().UTC().Unix()
	record.CreatedAtSeconds = now
	record.UpdatedAtSeconds = now

	var existing DocumentRecord
	err = s.db.WithContext(ctx).Where("id = ?", documentID).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opEnsureDocument, "lookup_failed", err)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return newServiceError(opEnsureDocument, "create_failed", err)
	}
	return nil
}

// CreateDraft stores a draft placement. A client-supplied UUID is adopted as
// the canonical id; any earlier draft by the same signer on the document is
// replaced so each signer holds at most one slot.
func (s *Service) CreateDraft(ctx context.Context, input DraftInput) (SignatureRecord, error) {
	documentID, err := validIdentifier(input.DocumentID, ErrInvalidDocumentID)
	if err != nil {
		return SignatureRecord{}, newServiceError(opCreateDraft, "invalid_document_id", err)
	}
	signerID, err := validIdentifier(input.SignerID, ErrInvalidSignerID)
	if err != nil {
		return SignatureRecord{}, newServiceError(opCreateDraft, "invalid_signer_id", err)
	}

	document, err := s.loadDocument(ctx, documentID, opCreateDraft)
	if err != nil {
		return SignatureRecord{}, err
	}
	if document.Terminal() {
		return SignatureRecord{}, newServiceError(opCreateDraft, "document_closed", ErrDocumentClosed)
	}

	var finalCount int64
	err = s.db.WithContext(ctx).Model(&SignatureRecord{}).
		Where("document_id = ? AND signer_id = ? AND status = ?", documentID, signerID, SignatureFinal).
		Count(&finalCount).Error
	if err != nil {
		return SignatureRecord{}, newServiceError(opCreateDraft, "lookup_failed", err)
	}
	if finalCount > 0 {
		return SignatureRecord{}, newServiceError(opCreateDraft, "already_signed", ErrAlreadySigned)
	}

	id := strings.TrimSpace(input.ClientID)
	if id == "" || len(id) > maxIdentifierLength {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return SignatureRecord{}, newServiceError(opCreateDraft, "id_generation_failed", err)
		}
		id = generated
	}

	page := input.PageNumber
	if page < 1 {
		page = 1
	}
	now := s.clock().UTC().Unix()
	record := SignatureRecord{
		ID:                id,
		DocumentID:        documentID,
		DocumentVersionID: document.CurrentVersionID,
		SignerID:          signerID,
		SignerName:        strings.TrimSpace(input.SignerName),
		SignatureImageURL: strings.TrimSpace(input.SignatureImageURL),
		PageNumber:        page,
		PositionX:         input.PositionX,
		PositionY:         input.PositionY,
		Width:             input.Width,
		Height:            input.Height,
		Status:            SignatureDraft,
		CreatedAtSeconds:  now,
		UpdatedAtSeconds:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("document_id = ? AND signer_id = ? AND status = ?", documentID, signerID, SignatureDraft).
			Delete(&SignatureRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return SignatureRecord{}, newServiceError(opCreateDraft, "create_failed", err)
	}

	s.logger.Info("draft placement created",
		zap.String("document_id", documentID),
		zap.String("signature_id", record.ID),
		zap.String("signer_id", signerID))
	return record, nil
}

// UpdatePosition moves or resizes an existing placement owned by the signer.
func (s *Service) UpdatePosition(ctx context.Context, signatureID, signerID string, input PositionInput) (SignatureRecord, error) {
	record, err := s.loadSignature(ctx, signatureID, opUpdatePosition)
	if err != nil {
		return SignatureRecord{}, err
	}
	if record.SignerID != signerID {
		return SignatureRecord{}, newServiceError(opUpdatePosition, "not_owner", ErrNotOwner)
	}
	if record.Status == SignatureFinal {
		return SignatureRecord{}, newServiceError(opUpdatePosition, "signature_final", ErrSignatureFinal)
	}

	record.PositionX = input.PositionX
	record.PositionY = input.PositionY
	record.Width = input.Width
	record.Height = input.Height
	if input.PageNumber >= 1 {
		record.PageNumber = input.PageNumber
	}
	record.UpdatedAtSeconds = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return SignatureRecord{}, newServiceError(opUpdatePosition, "save_failed", err)
	}
	return record, nil
}

// DeleteDraft removes a draft placement owned by the signer. Deleting an
// already deleted row is not an error.
func (s *Service) DeleteDraft(ctx context.Context, signatureID, signerID string) error {
	record, err := s.loadSignature(ctx, signatureID, opDeleteDraft)
	if err != nil {
		if errors.Is(err, ErrSignatureNotFound) {
			return nil
		}
		return err
	}
	if record.SignerID != signerID {
		return newServiceError(opDeleteDraft, "not_owner", ErrNotOwner)
	}
	if record.Status == SignatureFinal {
		return newServiceError(opDeleteDraft, "signature_final", ErrSignatureFinal)
	}
	if err := s.db.WithContext(ctx).Delete(&SignatureRecord{}, "id = ?", record.ID).Error; err != nil {
		return newServiceError(opDeleteDraft, "delete_failed", err)
	}
	return nil
}

// Finalize promotes the signer's draft to a final signature. At most one
// final per signer per document is admitted.
func (s *Service) Finalize(ctx context.Context, documentID, draftID, signerID string) (SignatureRecord, error) {
	document, err := s.loadDocument(ctx, documentID, opFinalize)
	if err != nil {
		return SignatureRecord{}, err
	}
	if document.Terminal() {
		return SignatureRecord{}, newServiceError(opFinalize, "document_closed", ErrDocumentClosed)
	}

	record, err := s.loadSignature(ctx, draftID, opFinalize)
	if err != nil {
		return SignatureRecord{}, err
	}
	if record.SignerID != signerID {
		return SignatureRecord{}, newServiceError(opFinalize, "not_owner", ErrNotOwner)
	}
	if record.Status == SignatureFinal {
		return SignatureRecord{}, newServiceError(opFinalize, "signature_final", ErrSignatureFinal)
	}

	now := s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var finalCount int64
		if err := tx.Model(&SignatureRecord{}).
			Where("document_id = ? AND signer_id = ? AND status = ?", documentID, signerID, SignatureFinal).
			Count(&finalCount).Error; err != nil {
			return err
		}
		if finalCount > 0 {
			return ErrAlreadySigned
		}
		record.Status = SignatureFinal
		record.UpdatedAtSeconds = now
		return tx.Save(&record).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadySigned) {
			return SignatureRecord{}, newServiceError(opFinalize, "already_signed", err)
		}
		return SignatureRecord{}, newServiceError(opFinalize, "save_failed", err)
	}

	s.logger.Info("signature finalized",
		zap.String("document_id", documentID),
		zap.String("signature_id", record.ID),
		zap.String("signer_id", signerID))
	return record, nil
}

// GetDocument loads the document with its signature rows partitioned into
// finals and drafts.
func (s *Service) GetDocument(ctx context.Context, documentID string) (DocumentView, error) {
	document, err := s.loadDocument(ctx, documentID, opGetDocument)
	if err != nil {
		return DocumentView{}, err
	}

	var rows []SignatureRecord
	err = s.db.WithContext(ctx).
		Where("document_id = ?", document.ID).
		Order("created_at_s ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return DocumentView{}, newServiceError(opGetDocument, "lookup_failed", err)
	}

	view := DocumentView{Document: document}
	for _, row := range rows {
		if row.Status == SignatureFinal {
			view.Finals = append(view.Finals, row)
		} else {
			view.Drafts = append(view.Drafts, row)
		}
	}
	return view, nil
}

func (s *Service) loadDocument(ctx context.Context, documentID, operation string) (DocumentRecord, error) {
	var document DocumentRecord
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentRecord{}, newServiceError(operation, "document_not_found", ErrDocumentNotFound)
	}
	if err != nil {
		return DocumentRecord{}, newServiceError(operation, "lookup_failed", err)
	}
	return document, nil
}

func (s *Service) loadSignature(ctx context.Context, signatureID, operation string) (SignatureRecord, error) {
	var record SignatureRecord
	err := s.db.WithContext(ctx).Where("id = ?", signatureID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SignatureRecord{}, newServiceError(operation, "signature_not_found", ErrSignatureNotFound)
	}
	if err != nil {
		return SignatureRecord{}, newServiceError(operation, "lookup_failed", err)
	}
	return record, nil
}
