package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create provisions a new account with an empty free-call counter and zero balance.
func (s *Service) Create(ctx context.Context, email, passwordHash string) (*Account, error) {
	now := time.Now()
	account := &Account{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return s.repo.GetByEmail(ctx, email)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.repo.ExistsByEmail(ctx, email)
}

// SetAPIKey stores an already-sealed gateway key, replacing any previous one.
func (s *Service) SetAPIKey(ctx context.Context, id uuid.UUID, sealed string) error {
	return s.repo.Update(ctx, id, Patch{APIKeySealed: &sealed}, 0)
}
