package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/models"
)

type Store interface {
	UpsertProfile(ctx context.Context, p *models.Profile, initialCredits int64) (*models.Profile, error)
	GetProfile(ctx context.Context, ownerID string) (*models.Profile, error)
}

// RegisterRequest is the identity data synced on every sign-in.
type RegisterRequest struct {
	OwnerID   string `json:"-"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	ImageURL  string `json:"imgURL"`
}

type Service struct {
	store          Store
	startingCredit int64
}

func NewService(store Store, startingCredit int64) *Service {
	return &Service{store: store, startingCredit: startingCredit}
}

// Register creates the profile with the starting credit on first call and
// refreshes the identity fields afterwards. Balance and plan are never
// touched by a repeat call.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Profile, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: missing owner", common.ErrInvalidInput)
	}
	p := &models.Profile{
		OwnerID:     req.OwnerID,
		Email:       strings.TrimSpace(req.Email),
		DisplayName: strings.TrimSpace(strings.TrimSpace(req.FirstName) + " " + strings.TrimSpace(req.LastName)),
		ImageURL:    req.ImageURL,
	}
	out, err := s.store.UpsertProfile(ctx, p, s.startingCredit)
	if err != nil {
		return nil, fmt.Errorf("failed to register profile: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, ownerID string) (*models.Profile, error) {
	p, err := s.store.GetProfile(ctx, ownerID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}
