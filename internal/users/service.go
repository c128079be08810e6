package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the record did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for signer identity storage.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages signer display identities. Names and signature image URLs
// are recorded on first sight and refreshed whenever a newer value arrives.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// RecordSigner upserts the signer's display identity. Blank incoming values
// never overwrite stored ones.
func (s *Service) RecordSigner(ctx context.Context, userID, displayName, signatureImageURL string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}

	var signer Signer
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&signer).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		signer = Signer{
			UserID:            userID,
			DisplayName:       normalize(displayName),
			SignatureImageURL: normalize(signatureImageURL),
			LastSeenAt:        s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&signer).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{}
		if name := normalize(displayName); name != "" && name != signer.DisplayName {
			updates["display_name"] = name
			signer.DisplayName = name
		}
		if image := normalize(signatureImageURL); image != "" && image != signer.SignatureImageURL {
			updates["signature_image_url"] = image
			signer.SignatureImageURL = image
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.WithContext(ctx).Model(&Signer{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error; err != nil {
			return err
		}
	}

	s.cache.Store(userID, signer)
	return nil
}

// Lookup returns the stored identity for the signer, consulting the
// in-process cache first.
func (s *Service) Lookup(ctx context.Context, userID string) (Signer, bool) {
	userID = normalize(userID)
	if userID == "" {
		return Signer{}, false
	}
	if cached, ok := s.cache.Load(userID); ok {
		if signer, ok := cached.(Signer); ok {
			return signer, true
		}
	}

	var signer Signer
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&signer).Error
	if err != nil {
		return Signer{}, false
	}
	s.cache.Store(userID, signer)
	return signer, true
}
