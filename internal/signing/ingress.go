package signing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingOwner indicates that a wire record carried no usable signer identifier.
var ErrMissingOwner = errors.New("signing: wire record has no signer identifier")

// FlexibleID accepts identifiers that travel either as JSON strings or as
// JSON numbers and canonicalizes them to a string.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(value))
		return nil
	}
	var value json.Number
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*f = FlexibleID(value.String())
	return nil
}

// String returns the canonical string form.
func (f FlexibleID) String() string {
	return string(f)
}

// WireSignature is the over-the-wire shape of a signature record. Backend
// endpoints disagree on field names (userId vs signerId vs signer.id), so the
// struct captures every spelling and Normalize resolves them once at ingress.
type WireSignature struct {
	ID                FlexibleID  `json:"id"`
	DocumentID        FlexibleID  `json:"documentId"`
	DocumentVersionID FlexibleID  `json:"documentVersionId"`
	UserID            FlexibleID  `json:"userId"`
	SignerID          FlexibleID  `json:"signerId"`
	Signer            *WireSigner `json:"signer,omitempty"`
	SignerName        string      `json:"signerName"`
	SignatureImageURL string      `json:"signatureImageUrl"`
	PageNumber        int         `json:"pageNumber"`
	PositionX         float64     `json:"positionX"`
	PositionY         float64     `json:"positionY"`
	Width             float64     `json:"width"`
	Height            float64     `json:"height"`
	Status            string      `json:"status"`
}

// WireSigner is the nested signer relation some endpoints embed.
type WireSigner struct {
	ID   FlexibleID `json:"id"`
	Name string     `json:"name"`
}

// OwnerID resolves the owning signer across the known field aliases.
func (w WireSignature) OwnerID() string {
	if w.UserID != "" {
		return w.UserID.String()
	}
	if w.SignerID != "" {
		return w.SignerID.String()
	}
	if w.Signer != nil {
		return w.Signer.ID.String()
	}
	return ""
}

// Normalize converts a wire record into the canonical SignaturePlacement
// shape. Records deeper in the core never branch on field-name ambiguity.
func (w WireSignature) Normalize(defaultStatus PlacementStatus) (SignaturePlacement, error) {
	id, err := NewPlacementID(w.ID.String())
	if err != nil {
		return SignaturePlacement{}, err
	}

	owner := w.OwnerID()
	if owner == "" {
		return SignaturePlacement{}, fmt.Errorf("%w: placement %s", ErrMissingOwner, id)
	}
	userID, err := NewUserID(owner)
	if err != nil {
		return SignaturePlacement{}, err
	}

	documentID := DocumentID(strings.TrimSpace(w.DocumentID.String()))

	name := strings.TrimSpace(w.SignerName)
	if name == "" && w.Signer != nil {
		name = strings.TrimSpace(w.Signer.Name)
	}

	status := defaultStatus
	switch strings.ToLower(strings.TrimSpace(w.Status)) {
	case string(StatusDraft):
		status = StatusDraft
	case string(StatusFinal):
		status = StatusFinal
	}

	page := w.PageNumber
	if page < 1 {
		page = 1
	}

	return SignaturePlacement{
		ID:                id,
		DocumentID:        documentID,
		DocumentVersionID: w.DocumentVersionID.String(),
		UserID:            userID,
		SignerName:        name,
		SignatureImageURL: w.SignatureImageURL,
		PageNumber:        page,
		PositionX:         w.PositionX,
		PositionY:         w.PositionY,
		Width:             w.Width,
		Height:            w.Height,
		Status:            status,
	}, nil
}

// ToWire converts a canonical placement back to the wire shape for outbound
// payloads. Both userId and signerId are populated for older consumers.
func ToWire(p SignaturePlacement) WireSignature {
	return WireSignature{
		ID:                FlexibleID(p.ID),
		DocumentID:        FlexibleID(p.DocumentID),
		DocumentVersionID: FlexibleID(p.DocumentVersionID),
		UserID:            FlexibleID(p.UserID),
		SignerID:          FlexibleID(p.UserID),
		SignerName:        p.SignerName,
		SignatureImageURL: p.SignatureImageURL,
		PageNumber:        p.PageNumber,
		PositionX:         p.PositionX,
		PositionY:         p.PositionY,
		Width:             p.Width,
		Height:            p.Height,
		Status:            string(p.Status),
	}
}
