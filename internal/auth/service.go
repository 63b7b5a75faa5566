package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshRevoked means the refresh token was already used or logged out.
var ErrRefreshRevoked = errors.New("refresh token revoked")

const refreshKeyPrefix = "refresh:"

// Service issues token pairs and tracks live refresh tokens in Redis under
// refresh:{uid}:{tid}. The stored value is the user's email so a refresh can
// reissue a complete access token.
type Service struct {
	jwt *JWTManager
	rdb redis.Cmdable
}

func NewService(jwt *JWTManager, rdb redis.Cmdable) *Service {
	return &Service{jwt: jwt, rdb: rdb}
}

func (s *Service) GenerateTokens(ctx context.Context, userID, email string) (*TokenPair, error) {
	pair, tokenID, err := s.jwt.GenerateTokenPair(userID, email)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, refreshKey(userID, tokenID), email, s.jwt.RefreshExpiry()).Err(); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return pair, nil
}

// RefreshTokens rotates a refresh token. The old token stops working.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	// GETDEL makes rotation single-use even under concurrent refreshes.
	email, err := s.rdb.GetDel(ctx, refreshKey(claims.UserID, claims.TokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("checking refresh token: %w", err)
	}

	return s.GenerateTokens(ctx, claims.UserID, email)
}

// Logout revokes every refresh token of the user.
func (s *Service) Logout(ctx context.Context, userID string) error {
	iter := s.rdb.Scan(ctx, 0, refreshKey(userID, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("listing refresh tokens: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}

func (s *Service) JWT() *JWTManager {
	return s.jwt
}

func refreshKey(userID, tokenID string) string {
	return refreshKeyPrefix + userID + ":" + tokenID
}
