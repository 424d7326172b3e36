package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jwtauth/internal/domain/models"
	jwtcodec "jwtauth/internal/lib/jwt"
	"jwtauth/internal/storage"
	"jwtauth/internal/storage/sqlite"
	"jwtauth/migrations"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testIssuer = "http://localhost:8080"

type fixture struct {
	svc    *Service
	store  *sqlite.Storage
	codec  *jwtcodec.Codec
	dbPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "jwtauth.db")
	require.NoError(t, migrations.Up(dbPath))

	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	atPriv, atPub := writeKeyPair(t, dir, "access")
	rtPriv, rtPub := writeKeyPair(t, dir, "refresh")
	codec, err := jwtcodec.New("RS256", atPriv, atPub, rtPriv, rtPub)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accessTTL := time.Hour
	refreshTTL := 24 * time.Hour
	svc := New(logger, codec, store, store, testIssuer, &accessTTL, &refreshTTL)

	return &fixture{svc: svc, store: store, codec: codec, dbPath: dbPath}
}

func writeKeyPair(t *testing.T, dir, name string) (privPath, pubPath string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	privPath = filepath.Join(dir, name+"_private.pem")
	pubPath = filepath.Join(dir, name+"_public.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))
	return privPath, pubPath
}

func createUser(t *testing.T, f *fixture, password string) *models.User {
	t.Helper()

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := &models.User{
		ID:       uuid.NewString(),
		Email:    gofakeit.Email(),
		Name:     gofakeit.Name(),
		PassHash: passHash,
	}
	require.NoError(t, f.store.SaveUser(context.Background(), user))
	return user
}

func (f *fixture) authTokenCount(t *testing.T) int {
	t.Helper()

	db, err := sql.Open("sqlite3", f.dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM auth_tokens").Scan(&count))
	return count
}

func TestMakeTokensAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, bag.AuthToken)
	assert.Equal(t, user.ID, bag.AuthToken.UserID)
	assert.NotEqual(t, bag.AuthToken.AccessTokenID, bag.AuthToken.RefreshTokenID)

	verifiedUser, record, err := f.svc.Verify(ctx, models.AccessToken, bag.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verifiedUser.ID)
	assert.Equal(t, bag.AuthToken.ID, record.ID)

	verifiedUser, record, err = f.svc.Verify(ctx, models.RefreshToken, bag.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verifiedUser.ID)
	assert.Equal(t, bag.AuthToken.ID, record.ID)
}

func TestVerifyWrongClassFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)

	_, _, err = f.svc.Verify(ctx, models.RefreshToken, bag.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = f.svc.Verify(ctx, models.AccessToken, bag.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoginIssuesVerifiablePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "correct-horse")

	bag, err := f.svc.Login(ctx, user.Email, "correct-horse", f.svc.DefaultOptions())
	require.NoError(t, err)

	verifiedUser, _, err := f.svc.Verify(ctx, models.AccessToken, bag.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verifiedUser.ID)
}

func TestLoginInvalidPasswordWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "correct-horse")

	_, err := f.svc.Login(ctx, user.Email, "wrong-horse", f.svc.DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 0, f.authTokenCount(t))
}

func TestLoginUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), gofakeit.Email(), "whatever", f.svc.DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogoutKillsBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)

	_, _, err = f.svc.Verify(ctx, models.AccessToken, bag.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, bag.AuthToken))

	_, _, err = f.svc.Verify(ctx, models.AccessToken, bag.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = f.svc.Verify(ctx, models.RefreshToken, bag.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshPreservesClaimsAndRevokesOldPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	options := f.svc.DefaultOptions()
	options.Roles = []string{"admin", "editor"}
	options.Permissions = []string{"tokens:read"}

	bag, err := f.svc.MakeTokens(ctx, user, options)
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(ctx, bag.AuthToken, nil)
	require.NoError(t, err)
	require.NotNil(t, rotated.AuthToken)

	assert.Equal(t, options.Roles, rotated.AuthToken.Roles)
	assert.Equal(t, options.Permissions, rotated.AuthToken.Permissions)

	payload := f.codec.Decode(models.AccessToken, rotated.AccessToken)
	require.NotNil(t, payload)
	assert.Equal(t, options.Roles, payload.Roles)
	assert.Equal(t, options.Permissions, payload.Permissions)

	// Old pair is gone, new pair verifies.
	_, _, err = f.svc.Verify(ctx, models.AccessToken, bag.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = f.svc.Verify(ctx, models.RefreshToken, bag.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = f.svc.Verify(ctx, models.AccessToken, rotated.AccessToken)
	require.NoError(t, err)
}

func TestRefreshAfterLogoutUnauthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)

	// The record disappears between lookup and rotation, as when a
	// concurrent logout or rotation wins the race.
	require.NoError(t, f.svc.Logout(ctx, bag.AuthToken))

	_, err = f.svc.Refresh(ctx, bag.AuthToken, nil)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestStealthPairNeverVerifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	options := f.svc.DefaultOptions()
	options.Stealth = true

	bag, err := f.svc.MakeTokens(ctx, user, options)
	require.NoError(t, err)
	assert.Nil(t, bag.AuthToken)
	assert.Equal(t, 0, f.authTokenCount(t))

	// Structurally valid and signed, but unknown to the ledger.
	require.NotNil(t, f.codec.Decode(models.AccessToken, bag.AccessToken))
	_, _, err = f.svc.Verify(ctx, models.AccessToken, bag.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenFailsDespiteActiveLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	options := f.svc.DefaultOptions()
	options.AccessTokenTTL = nil

	bag, err := f.svc.MakeTokens(ctx, user, options)
	require.NoError(t, err)

	// Same identifier and subject as the live ledger record, but the
	// token itself is expired.
	past := time.Now().Add(-time.Hour).Unix()
	snapshot := user.Public()
	expired, err := f.codec.Encode(models.AccessToken, models.TokenPayload{
		Issuer:    testIssuer,
		Subject:   user.ID,
		TokenType: models.AccessToken,
		JTI:       bag.AuthToken.AccessTokenID,
		IssuedAt:  past,
		ExpiresAt: &past,
		User:      &snapshot,
	})
	require.NoError(t, err)

	_, _, err = f.svc.Verify(ctx, models.AccessToken, expired)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyScopedToSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userA := createUser(t, f, "password-a")
	userB := createUser(t, f, "password-b")

	bag, err := f.svc.MakeTokens(ctx, userA, f.svc.DefaultOptions())
	require.NoError(t, err)

	// A correctly signed token reusing A's identifier under B's
	// subject must not resolve A's ledger record.
	snapshot := userB.Public()
	forged, err := f.codec.Encode(models.AccessToken, models.TokenPayload{
		Issuer:    testIssuer,
		Subject:   userB.ID,
		TokenType: models.AccessToken,
		JTI:       bag.AuthToken.AccessTokenID,
		IssuedAt:  time.Now().Unix(),
		User:      &snapshot,
	})
	require.NoError(t, err)

	_, _, err = f.svc.Verify(ctx, models.AccessToken, forged)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutAllSparesExcludedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	var bags []*models.TokenBag
	for i := 0; i < 3; i++ {
		bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
		require.NoError(t, err)
		bags = append(bags, bag)
	}

	require.NoError(t, f.svc.LogoutAll(ctx, user.ID, &bags[1].AuthToken.ID))

	_, _, err := f.svc.Verify(ctx, models.AccessToken, bags[0].AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = f.svc.Verify(ctx, models.AccessToken, bags[1].AccessToken)
	require.NoError(t, err)
	_, _, err = f.svc.Verify(ctx, models.AccessToken, bags[2].AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestConcurrentIssuanceUniqueIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	const n = 20
	var (
		mu   sync.Mutex
		jtis []string
		wg   sync.WaitGroup
	)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			jtis = append(jtis, bag.AuthToken.AccessTokenID, bag.AuthToken.RefreshTokenID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, jtis, 2*n)
	seen := make(map[string]bool, len(jtis))
	for _, jti := range jtis {
		assert.False(t, seen[jti], "duplicate identifier %s", jti)
		seen[jti] = true
	}
}

func TestIdentifierConflictRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)

	// First attempt regenerates the already-used identifiers, later
	// attempts fall back to fresh ones.
	taken := []string{bag.AuthToken.AccessTokenID, bag.AuthToken.RefreshTokenID}
	var calls int
	f.svc.newTokenID = func() string {
		calls++
		if calls <= len(taken) {
			return taken[calls-1]
		}
		return uuid.NewString()
	}

	retried, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, bag.AuthToken.AccessTokenID, retried.AuthToken.AccessTokenID)
	assert.NotEqual(t, bag.AuthToken.RefreshTokenID, retried.AuthToken.RefreshTokenID)
}

func TestIdentifierConflictExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := createUser(t, f, "password-1")

	bag, err := f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.NoError(t, err)

	var flip bool
	f.svc.newTokenID = func() string {
		flip = !flip
		if flip {
			return bag.AuthToken.AccessTokenID
		}
		return bag.AuthToken.RefreshTokenID
	}

	_, err = f.svc.MakeTokens(ctx, user, f.svc.DefaultOptions())
	require.ErrorIs(t, err, storage.ErrTokenIDConflict)
}
