package signing

import (
	"errors"
	"fmt"
	"strings"

	"signsync/internal/geometry"
)

// PlacementStatus enumerates the lifecycle states of a signature placement.
type PlacementStatus string

const (
	// StatusDraft marks an in-progress placement not yet committed.
	StatusDraft PlacementStatus = "draft"
	// StatusFinal marks a completed, server-persisted signature.
	StatusFinal PlacementStatus = "final"
)

const maxIdentifierLength = 190

// Default display labels used when the signer relation is absent.
const (
	SignerNameSelf  = "Saya"
	SignerNameOther = "User Lain"
)

var (
	// ErrInvalidPlacementID indicates that a placement identifier is empty or exceeds storage bounds.
	ErrInvalidPlacementID = errors.New("signing: invalid placement id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("signing: invalid user id")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("signing: invalid document id")
	// ErrInvalidPageNumber indicates that a page index is not positive.
	ErrInvalidPageNumber = errors.New("signing: invalid page number")
)

// PlacementID represents a validated placement identifier. It is either a
// server-issued persistent ID or a client-generated UUID pending confirmation.
type PlacementID string

// NewPlacementID validates raw input and returns a PlacementID.
func NewPlacementID(rawInput string) (PlacementID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlacementID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlacementID, maxIdentifierLength)
	}
	return PlacementID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PlacementID) String() string {
	return string(id)
}

// UserID represents a canonical string-normalized user identifier. Source
// identifiers travel both as numbers and as strings; every ingress path must
// go through NewUserID so slot comparisons never mix representations.
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

// SignaturePlacement is a positioned signature on a document page. Normalized
// coordinates describe the inner image relative to the page dimensions; the
// Display cache carries the last rendered pixel box and is never persisted.
type SignaturePlacement struct {
	ID                PlacementID
	DocumentID        DocumentID
	DocumentVersionID string
	UserID            UserID
	SignerName        string
	SignatureImageURL string
	PageNumber        int
	PositionX         float64
	PositionY         float64
	Width             float64
	Height            float64
	Status            PlacementStatus

	// Display caches the pixel-space bounding box last computed for the
	// current viewport. Nil until the record has been laid out.
	Display *geometry.PixelBox
}

// NormalizedBox returns the placement's document-relative geometry.
func (p SignaturePlacement) NormalizedBox() geometry.NormalizedBox {
	return geometry.NormalizedBox{
		X:      p.PositionX,
		Y:      p.PositionY,
		Width:  p.Width,
		Height: p.Height,
	}
}

// SetNormalizedBox replaces the placement's document-relative geometry.
func (p *SignaturePlacement) SetNormalizedBox(box geometry.NormalizedBox) {
	p.PositionX = box.X
	p.PositionY = box.Y
	p.Width = box.Width
	p.Height = box.Height
}

// LockedFor reports whether the placement is immutable for the given viewer:
// final records and other users' records cannot be dragged or deleted.
func (p SignaturePlacement) LockedFor(viewer UserID) bool {
	if p.Status == StatusFinal {
		return true
	}
	return p.UserID != viewer
}

// DisplayLabelFor returns the signer label shown to the given viewer,
// defaulting when the signer relation carried no name.
func (p SignaturePlacement) DisplayLabelFor(viewer UserID) string {
	if p.SignerName != "" {
		return p.SignerName
	}
	if p.UserID == viewer {
		return SignerNameSelf
	}
	return SignerNameOther
}
