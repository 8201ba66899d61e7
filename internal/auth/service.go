// Package auth owns password verification, bearer-token issuance, and
// per-request identity resolution.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
	"github.com/voltguard/voltguard/internal/store"
)

// dummyHash is a bcrypt hash of a throwaway string, compared against
// when the username does not exist.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// Service composes the store and token issuer into the identity and
// access component.
type Service struct {
	store  *store.Store
	issuer *TokenIssuer
}

// NewService constructs the auth service.
func NewService(st *store.Store, issuer *TokenIssuer) *Service {
	return &Service{store: st, issuer: issuer}
}

// Credentials is the result of a successful login.
type Credentials struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	User         *models.User `json:"user,omitempty"`
}

// Authenticate verifies a username/password pair and mints a token pair.
// Inactive users and unknown users are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Credentials, error) {
	const op = "auth.authenticate"

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		// Burn a hash comparison anyway so missing users cost the same
		// as wrong passwords.
		CheckPasswordHash(password, dummyHash)
		return nil, apperrors.New(apperrors.KindUnauthorized, op, "Invalid username or password")
	}
	if !CheckPasswordHash(password, user.PasswordHash) {
		log.Warn().Str("username", username).Msg("Failed login attempt")
		return nil, apperrors.New(apperrors.KindUnauthorized, op, "Invalid username or password")
	}
	if !user.Active {
		log.Warn().Str("username", username).Msg("Login attempt for inactive user")
		return nil, apperrors.New(apperrors.KindUnauthorized, op, "Account is inactive")
	}

	access, err := s.issuer.Mint(user, models.TokenAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issuer.Mint(user, models.TokenRefresh)
	if err != nil {
		return nil, err
	}

	log.Info().Str("username", username).Str("role", string(user.Role)).Msg("User authenticated")
	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.issuer.AccessTTL().Seconds()),
		User:         user,
	}, nil
}

// Refresh mints a fresh access token from a valid refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	claims, err := s.issuer.Verify(refreshToken, models.TokenRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil || !user.Active {
		return nil, apperrors.New(apperrors.KindUnauthorized, "auth.refresh", "Invalid or expired token")
	}

	access, err := s.issuer.Mint(user, models.TokenAccess)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Resolve validates an access token and returns the subject user.
// Outstanding tokens are honored until natural expiry even if the user
// has since been deactivated, per the no-revocation-list policy.
func (s *Service) Resolve(ctx context.Context, accessToken string) (*models.User, error) {
	claims, err := s.issuer.Verify(accessToken, models.TokenAccess)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, apperrors.New(apperrors.KindUnauthorized, "auth.resolve", "Invalid or expired token")
	}
	return user, nil
}

// CreateUserParams are the inputs for admin user creation.
type CreateUserParams struct {
	Username string
	Email    string
	Password string
	Role     models.Role
}

// CreateUser provisions a new account.
func (s *Service) CreateUser(ctx context.Context, params CreateUserParams) (*models.User, error) {
	const op = "auth.create_user"

	username := strings.TrimSpace(params.Username)
	if username == "" {
		return nil, apperrors.New(apperrors.KindValidation, op, "Username is required")
	}
	if !params.Role.Valid() {
		return nil, apperrors.New(apperrors.KindValidation, op, fmt.Sprintf("Unknown role %q", params.Role))
	}
	if err := ValidatePasswordComplexity(params.Password); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err.Error(), err)
	}

	hash, err := HashPassword(params.Password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, op, "failed to hash password", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        params.Email,
		PasswordHash: hash,
		Role:         params.Role,
		Active:       true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	log.Info().Str("username", username).Str("role", string(params.Role)).Msg("User created")
	return user, nil
}

// ListUsers returns users with pagination.
func (s *Service) ListUsers(ctx context.Context, skip, limit int) ([]models.User, error) {
	return s.store.ListUsers(ctx, skip, limit)
}

// UpdateUser patches a user's email, role, or active flag.
func (s *Service) UpdateUser(ctx context.Context, id string, patch store.UserPatch) (*models.User, error) {
	return s.store.UpdateUser(ctx, id, patch)
}

// DeleteUser removes an account. Admins cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, actorID, targetID string) error {
	if actorID == targetID {
		return apperrors.New(apperrors.KindValidation, "auth.delete_user", "Cannot delete your own account")
	}
	return s.store.DeleteUser(ctx, targetID)
}

// ChangePassword verifies the current password before rehashing.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	const op = "auth.change_password"

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPasswordHash(current, user.PasswordHash) {
		return apperrors.New(apperrors.KindUnauthorized, op, "Current password is incorrect")
	}
	if err := ValidatePasswordComplexity(next); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, op, err.Error(), err)
	}

	hash, err := HashPassword(next)
	if err != nil {
		return apperrors.Wrap(apperrors.KindFatal, op, "failed to hash password", err)
	}
	if err := s.store.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	log.Info().Str("userID", userID).Msg("Password changed")
	return nil
}
