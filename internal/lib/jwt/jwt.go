// Package jwt encodes and decodes the signed tokens issued by the
// service. The two token classes are cryptographically independent:
// each has its own keypair, so a key compromise on one side never
// affects the other.
package jwt

import (
	"fmt"
	"os"
	"strings"

	"jwtauth/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	private any
	public  any
}

// Codec signs and verifies tokens with per-class asymmetric keypairs.
// It is immutable after construction and safe for concurrent use.
type Codec struct {
	alg     string
	method  jwt.SigningMethod
	access  keyPair
	refresh keyPair
}

// New loads all four PEM key files and returns a ready codec. Any
// missing or unparsable key is a construction error: the service must
// not start half-configured with only one keypair loaded.
func New(alg, accessPrivateKeyFile, accessPublicKeyFile, refreshPrivateKeyFile, refreshPublicKeyFile string) (*Codec, error) {
	const op = "jwt.New"

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("%s: unsupported algorithm %q", op, alg)
	}

	access, err := loadKeyPair(alg, accessPrivateKeyFile, accessPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%s: access keypair: %w", op, err)
	}

	refresh, err := loadKeyPair(alg, refreshPrivateKeyFile, refreshPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%s: refresh keypair: %w", op, err)
	}

	return &Codec{
		alg:     alg,
		method:  method,
		access:  access,
		refresh: refresh,
	}, nil
}

// Encode signs payload with the private key of its token class and
// returns the compact transport string. The payload is not mutated.
func (c *Codec) Encode(tokenType models.TokenType, payload models.TokenPayload) (string, error) {
	const op = "jwt.Encode"

	claims := jwt.MapClaims{
		"iss":        payload.Issuer,
		"sub":        payload.Subject,
		"token_type": string(tokenType),
		"jti":        payload.JTI,
		"iat":        payload.IssuedAt,
	}
	if payload.ExpiresAt != nil {
		claims["exp"] = *payload.ExpiresAt
	}

	if tokenType == models.AccessToken {
		claims["user"] = payload.User
		claims["roles"] = stringSet(payload.Roles)
		claims["permissions"] = stringSet(payload.Permissions)
	}

	token := jwt.NewWithClaims(c.method, claims)
	signed, err := token.SignedString(c.pair(tokenType).private)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// Decode verifies raw against the public key of tokenType and returns
// the payload, or nil on any failure (bad signature, malformed token,
// expired, wrong algorithm, wrong class). Untrusted bearer strings are
// expected input, so decode never surfaces an error.
func (c *Codec) Decode(tokenType models.TokenType, raw string) *models.TokenPayload {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{c.alg}))

	token, err := parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return c.pair(tokenType).public, nil
	})
	if err != nil || !token.Valid {
		return nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}

	if tt, _ := claims["token_type"].(string); tt != string(tokenType) {
		return nil
	}

	return payloadFromClaims(tokenType, claims)
}

func (c *Codec) pair(tokenType models.TokenType) keyPair {
	if tokenType == models.RefreshToken {
		return c.refresh
	}
	return c.access
}

func loadKeyPair(alg, privateKeyFile, publicKeyFile string) (keyPair, error) {
	privatePEM, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return keyPair{}, fmt.Errorf("read private key: %w", err)
	}

	publicPEM, err := os.ReadFile(publicKeyFile)
	if err != nil {
		return keyPair{}, fmt.Errorf("read public key: %w", err)
	}

	var private, public any
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		private, err = jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
		if err == nil {
			public, err = jwt.ParseRSAPublicKeyFromPEM(publicPEM)
		}
	case strings.HasPrefix(alg, "ES"):
		private, err = jwt.ParseECPrivateKeyFromPEM(privatePEM)
		if err == nil {
			public, err = jwt.ParseECPublicKeyFromPEM(publicPEM)
		}
	case alg == "EdDSA":
		private, err = jwt.ParseEdPrivateKeyFromPEM(privatePEM)
		if err == nil {
			public, err = jwt.ParseEdPublicKeyFromPEM(publicPEM)
		}
	default:
		return keyPair{}, fmt.Errorf("no key parser for algorithm %q", alg)
	}
	if err != nil {
		return keyPair{}, fmt.Errorf("parse key material: %w", err)
	}

	return keyPair{private: private, public: public}, nil
}

func payloadFromClaims(tokenType models.TokenType, claims jwt.MapClaims) *models.TokenPayload {
	sub, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	if sub == "" || jti == "" {
		return nil
	}

	payload := models.TokenPayload{
		Subject:   sub,
		TokenType: tokenType,
		JTI:       jti,
	}
	payload.Issuer, _ = claims["iss"].(string)

	if iat, ok := claims["iat"].(float64); ok {
		payload.IssuedAt = int64(iat)
	}
	if exp, ok := claims["exp"].(float64); ok {
		e := int64(exp)
		payload.ExpiresAt = &e
	}

	if tokenType == models.AccessToken {
		payload.Roles = stringsFromClaim(claims["roles"])
		payload.Permissions = stringsFromClaim(claims["permissions"])
		if user, ok := claims["user"].(map[string]interface{}); ok {
			snapshot := models.PublicUser{}
			snapshot.ID, _ = user["id"].(string)
			snapshot.Email, _ = user["email"].(string)
			snapshot.Name, _ = user["name"].(string)
			payload.User = &snapshot
		}
	}

	return &payload
}

func stringsFromClaim(value any) []string {
	items, ok := value.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringSet(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
