package documents

import (
	"errors"
	"fmt"
	"strings"
)

// DocumentStatus enumerates the document lifecycle states the API exposes.
type DocumentStatus string

const (
	// StatusInProgress marks a document open for signature placement.
	StatusInProgress DocumentStatus = "in_progress"
	// StatusCompleted marks a document whose signing ceremony finished.
	StatusCompleted DocumentStatus = "completed"
	// StatusArchived marks a document put away after completion.
	StatusArchived DocumentStatus = "archived"
)

// Signature row statuses.
const (
	SignatureDraft = "draft"
	SignatureFinal = "final"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidSignerID indicates an empty or oversized signer identifier.
	ErrInvalidSignerID = errors.New("documents: invalid signer id")
)

func validIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// DocumentRecord is the stored document row.
type DocumentRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Status           string `gorm:"column:status;size:32;not null;default:in_progress"`
	CurrentVersionID string `gorm:"column:current_version_id;size:190"`
	GroupID          string `gorm:"column:group_id;size:190;index"`
	Title            string `gorm:"column:title;size:320"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing documents.
func (DocumentRecord) TableName() string {
	return "documents"
}

// Terminal reports whether the document no longer accepts placements.
func (d DocumentRecord) Terminal() bool {
	switch DocumentStatus(d.Status) {
	case StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// SignatureRecord is a stored signature placement, draft or final.
type SignatureRecord struct {
	ID                string  `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID        string  `gorm:"column:document_id;size:190;not null;index"`
	DocumentVersionID string  `gorm:"column:document_version_id;size:190"`
	SignerID          string  `gorm:"column:signer_id;size:190;not null;index"`
	SignerName        string  `gorm:"column:signer_name;size:320"`
	SignatureImageURL string  `gorm:"column:signature_image_url;size:512"`
	PageNumber        int     `gorm:"column:page_number;not null;default:1"`
	PositionX         float64 `gorm:"column:position_x;not null"`
	PositionY         float64 `gorm:"column:position_y;not null"`
	Width             float64 `gorm:"column:width;not null"`
	Height            float64 `gorm:"column:height;not null"`
	Status            string  `gorm:"column:status;size:16;not null;default:draft"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64   `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing signature placements.
func (SignatureRecord) TableName() string {
	return "document_signatures"
}

// DocumentView bundles a document with its partitioned signature rows.
type DocumentView struct {
	Document DocumentRecord
	Finals   []SignatureRecord
	Drafts   []SignatureRecord
}
