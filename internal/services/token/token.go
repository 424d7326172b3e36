package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jwtauth/internal/domain/models"
	"jwtauth/internal/lib/sl"
	"jwtauth/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service orchestrates token issuance, ledger-backed verification and
// rotation. The ledger is the source of truth for liveness; a valid
// signature alone never authenticates a request.
type Service struct {
	logger            *slog.Logger
	codec             TokenCodec
	users             UserProvider
	ledger            TokenLedger
	issuer            string
	defaultAccessTTL  *time.Duration
	defaultRefreshTTL *time.Duration
	newTokenID        func() string
}

type TokenCodec interface {
	Encode(tokenType models.TokenType, payload models.TokenPayload) (string, error)
	Decode(tokenType models.TokenType, raw string) *models.TokenPayload
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
}

type TokenLedger interface {
	SaveAuthToken(ctx context.Context, token *models.AuthToken) (*models.AuthToken, error)
	AuthTokenByAccessIDForUser(ctx context.Context, jti, userID string) (*models.AuthToken, error)
	AuthTokenByRefreshIDForUser(ctx context.Context, jti, userID string) (*models.AuthToken, error)
	DeleteAuthToken(ctx context.Context, id int64) error
	DeleteUserAuthTokens(ctx context.Context, userID string, exceptID *int64) error
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Identifier collisions are vanishingly rare; more than a couple of
// retries means something is broken, not unlucky.
const maxIssueAttempts = 3

// New returns a new instance of the token Service.
func New(
	logger *slog.Logger,
	codec TokenCodec,
	users UserProvider,
	ledger TokenLedger,
	issuer string,
	defaultAccessTTL *time.Duration,
	defaultRefreshTTL *time.Duration,
) *Service {
	return &Service{
		logger:            logger,
		codec:             codec,
		users:             users,
		ledger:            ledger,
		issuer:            issuer,
		defaultAccessTTL:  defaultAccessTTL,
		defaultRefreshTTL: defaultRefreshTTL,
		newTokenID:        uuid.NewString,
	}
}

// DefaultOptions returns per-issuance options seeded with the
// configured TTLs and no claims.
func (s *Service) DefaultOptions() models.TokenOptions {
	return models.TokenOptions{
		AccessTokenTTL:  s.defaultAccessTTL,
		RefreshTokenTTL: s.defaultRefreshTTL,
	}
}

// MakeTokens mints a fresh access/refresh pair for user and records it
// in the ledger, unless options request stealth issuance. A ledger
// identifier conflict regenerates both identifiers and retries.
func (s *Service) MakeTokens(ctx context.Context, user *models.User, options models.TokenOptions) (*models.TokenBag, error) {
	const op = "token.MakeTokens"
	log := s.logger.With(slog.String("op", op), slog.String("userID", user.ID))

	for attempt := 1; ; attempt++ {
		now := time.Now()
		snapshot := user.Public()

		atJTI := s.newTokenID()
		atExp := expiryAt(now, options.AccessTokenTTL)
		accessToken, err := s.codec.Encode(models.AccessToken, models.TokenPayload{
			Issuer:      s.issuer,
			Subject:     user.ID,
			TokenType:   models.AccessToken,
			JTI:         atJTI,
			IssuedAt:    now.Unix(),
			ExpiresAt:   atExp,
			User:        &snapshot,
			Roles:       options.Roles,
			Permissions: options.Permissions,
		})
		if err != nil {
			log.Error("failed to encode access token", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		// Refresh tokens carry minimal claims to limit blast radius
		// if leaked: no user snapshot, no roles, no permissions.
		rtJTI := s.newTokenID()
		rtExp := expiryAt(now, options.RefreshTokenTTL)
		refreshToken, err := s.codec.Encode(models.RefreshToken, models.TokenPayload{
			Issuer:    s.issuer,
			Subject:   user.ID,
			TokenType: models.RefreshToken,
			JTI:       rtJTI,
			IssuedAt:  now.Unix(),
			ExpiresAt: rtExp,
		})
		if err != nil {
			log.Error("failed to encode refresh token", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		bag := &models.TokenBag{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			Options:      options,
		}

		if options.Stealth {
			log.Info("issued stealth token pair")
			return bag, nil
		}

		saved, err := s.ledger.SaveAuthToken(ctx, &models.AuthToken{
			UserID:          user.ID,
			Roles:           options.Roles,
			Permissions:     options.Permissions,
			AccessTokenID:   atJTI,
			AccessTokenExp:  atExp,
			RefreshTokenID:  rtJTI,
			RefreshTokenExp: rtExp,
			IP:              options.IP,
			IPDetails:       options.IPDetails,
			UserAgent:       options.UserAgent,
		})
		if err != nil {
			if errors.Is(err, storage.ErrTokenIDConflict) && attempt < maxIssueAttempts {
				log.Warn("token identifier conflict, regenerating",
					slog.Int("attempt", attempt))
				continue
			}
			log.Error("failed to save auth token", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		log.Info("issued token pair", slog.Int64("authTokenID", saved.ID))
		bag.AuthToken = saved
		return bag, nil
	}
}

// Verify authenticates a bearer string of the given class: decode,
// then a fresh ledger lookup scoped to the payload subject, then the
// user itself. Every failure collapses to ErrInvalidToken; untrusted
// input is expected here, not exceptional.
func (s *Service) Verify(ctx context.Context, tokenType models.TokenType, raw string) (*models.User, *models.AuthToken, error) {
	const op = "token.Verify"
	log := s.logger.With(slog.String("op", op), slog.String("tokenType", string(tokenType)))

	payload := s.codec.Decode(tokenType, raw)
	if payload == nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	var (
		authToken *models.AuthToken
		err       error
	)
	switch tokenType {
	case models.RefreshToken:
		authToken, err = s.ledger.AuthTokenByRefreshIDForUser(ctx, payload.JTI, payload.Subject)
	default:
		authToken, err = s.ledger.AuthTokenByAccessIDForUser(ctx, payload.JTI, payload.Subject)
	}
	if err != nil {
		if errors.Is(err, storage.ErrAuthTokenNotFound) {
			log.Info("token not in ledger", slog.String("jti", payload.JTI))
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("ledger lookup failed", sl.Err(err))
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.users.UserByID(ctx, authToken.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("ledger record references missing user", slog.String("userID", authToken.UserID))
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, authToken, nil
}

// Login authenticates credentials and issues a token pair on success.
// A credentials mismatch never writes to the ledger.
func (s *Service) Login(ctx context.Context, email, password string, options models.TokenOptions) (*models.TokenBag, error) {
	const op = "token.Login"
	log := s.logger.With(slog.String("op", op))
	log.Info("login request")

	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	return s.MakeTokens(ctx, user, options)
}

// Refresh rotates a token pair: the current record is revoked first,
// then a new pair is issued carrying forward the stored roles and
// permissions (unless options override them). If issuance fails after
// the revoke the caller is left logged out, never holding two live
// pairs.
func (s *Service) Refresh(ctx context.Context, authToken *models.AuthToken, options *models.TokenOptions) (*models.TokenBag, error) {
	const op = "token.Refresh"
	log := s.logger.With(slog.String("op", op), slog.Int64("authTokenID", authToken.ID))

	if options == nil {
		opts := s.DefaultOptions()
		opts.Roles = authToken.Roles
		opts.Permissions = authToken.Permissions
		options = &opts
	}

	user, err := s.users.UserByID(ctx, authToken.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// A concurrent rotation or logout may have revoked the record
	// between lookup and revoke; the loser is left logged out rather
	// than holding a second live pair.
	if err := s.ledger.DeleteAuthToken(ctx, authToken.ID); err != nil {
		if errors.Is(err, storage.ErrAuthTokenNotFound) {
			log.Info("record already revoked")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to revoke auth token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	bag, err := s.MakeTokens(ctx, user, *options)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("token pair rotated")
	return bag, nil
}

// Logout revokes the record behind a token pair. Both sides become
// permanently unusable, whichever one was presented.
func (s *Service) Logout(ctx context.Context, authToken *models.AuthToken) error {
	const op = "token.Logout"

	if err := s.ledger.DeleteAuthToken(ctx, authToken.ID); err != nil {
		s.logger.Error("failed to delete auth token",
			slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("logged out",
		slog.String("op", op), slog.Int64("authTokenID", authToken.ID))
	return nil
}

// LogoutAll revokes every active record of a user, optionally sparing
// one record.
func (s *Service) LogoutAll(ctx context.Context, userID string, exceptID *int64) error {
	const op = "token.LogoutAll"

	if err := s.ledger.DeleteUserAuthTokens(ctx, userID, exceptID); err != nil {
		s.logger.Error("failed to delete user auth tokens",
			slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("logged out everywhere",
		slog.String("op", op), slog.String("userID", userID))
	return nil
}

func expiryAt(now time.Time, ttl *time.Duration) *int64 {
	if ttl == nil || *ttl <= 0 {
		return nil
	}
	exp := now.Add(*ttl).Unix()
	return &exp
}
