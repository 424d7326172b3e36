package models

import "time"

// TokenType distinguishes the two token classes. Each class signs and
// verifies with its own keypair.
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

// AuthToken represents an issued token pair stored in the ledger.
// The ledger is the source of truth for liveness: a token whose
// signature verifies is still rejected once its record is revoked.
type AuthToken struct {
	ID                  int64
	UserID              string
	Roles               []string
	Permissions         []string
	AccessTokenID       string
	AccessTokenExp      *int64
	AccessTokenRevoked  bool
	RefreshTokenID      string
	RefreshTokenExp     *int64
	RefreshTokenRevoked bool
	IP                  *string
	IPDetails           *string
	UserAgent           *string
	DeletedAt           *time.Time
}

// TokenPayload is the decoded claim set of a single token. It is
// rebuilt on every decode and never persisted.
type TokenPayload struct {
	Issuer    string
	Subject   string
	TokenType TokenType
	JTI       string
	IssuedAt  int64
	ExpiresAt *int64

	// Access tokens only.
	User        *PublicUser
	Roles       []string
	Permissions []string
}

// TokenBag is the result of one issuance: both encoded tokens, the
// ledger record backing them (nil under stealth issuance) and the
// options the pair was issued with.
type TokenBag struct {
	AccessToken  string
	RefreshToken string
	AuthToken    *AuthToken
	Options      TokenOptions
}

// TokenOptions controls a single issuance. A fresh value is built per
// call and never shared between requests. A nil TTL means the token
// never expires.
type TokenOptions struct {
	AccessTokenTTL  *time.Duration
	RefreshTokenTTL *time.Duration
	Roles           []string
	Permissions     []string

	// Stealth skips the ledger write: the pair is structurally valid
	// but can never pass ledger-backed verification.
	Stealth bool

	// Request origin metadata captured at issuance.
	IP        *string
	IPDetails *string
	UserAgent *string
}
