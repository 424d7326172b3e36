package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jwtauth/internal/domain/models"
	"jwtauth/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"
	db, err := sql.Open("sqlite3", "file:"+storagePath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.sqlite.SaveUser"
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, name, pass_hash) VALUES (?, ?, ?, ?)",
		user.ID, user.Email, user.Name, user.PassHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.UserByEmail"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, name, pass_hash FROM users WHERE email = ?", email)
	return scanUser(op, row)
}

func (s *Storage) UserByID(ctx context.Context, id string) (*models.User, error) {
	const op = "storage.sqlite.UserByID"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, name, pass_hash FROM users WHERE id = ?", id)
	return scanUser(op, row)
}

// SaveAuthToken inserts a ledger record together with both of its
// identifiers in one transaction. The token_identifiers primary key is
// what makes the four-way uniqueness check atomic: two concurrent
// issuances minting the same identifier cannot both commit.
func (s *Storage) SaveAuthToken(ctx context.Context, token *models.AuthToken) (*models.AuthToken, error) {
	const op = "storage.sqlite.SaveAuthToken"

	roles, err := json.Marshal(stringSet(token.Roles))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	permissions, err := json.Marshal(stringSet(token.Permissions))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO auth_tokens
		     (user_id, roles, permissions, at_jti, at_exp, at_revoked, rt_jti, rt_exp, rt_revoked, ip, ip_details, user_agent)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?, ?)`,
		token.UserID, string(roles), string(permissions),
		token.AccessTokenID, nullableInt(token.AccessTokenExp),
		token.RefreshTokenID, nullableInt(token.RefreshTokenExp),
		nullableString(token.IP), nullableString(token.IPDetails), nullableString(token.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO token_identifiers (jti, auth_token_id) VALUES (?, ?), (?, ?)",
		token.AccessTokenID, id, token.RefreshTokenID, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenIDConflict)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	saved := *token
	saved.ID = id
	return &saved, nil
}

func (s *Storage) AuthTokenByAccessID(ctx context.Context, jti string) (*models.AuthToken, error) {
	const op = "storage.sqlite.AuthTokenByAccessID"
	row := s.db.QueryRowContext(ctx,
		selectAuthToken+" WHERE at_jti = ? AND at_revoked = 0 AND deleted_at IS NULL", jti)
	return scanAuthToken(op, row)
}

func (s *Storage) AuthTokenByAccessIDForUser(ctx context.Context, jti, userID string) (*models.AuthToken, error) {
	const op = "storage.sqlite.AuthTokenByAccessIDForUser"
	row := s.db.QueryRowContext(ctx,
		selectAuthToken+" WHERE at_jti = ? AND user_id = ? AND at_revoked = 0 AND deleted_at IS NULL", jti, userID)
	return scanAuthToken(op, row)
}

func (s *Storage) AuthTokenByRefreshID(ctx context.Context, jti string) (*models.AuthToken, error) {
	const op = "storage.sqlite.AuthTokenByRefreshID"
	row := s.db.QueryRowContext(ctx,
		selectAuthToken+" WHERE rt_jti = ? AND rt_revoked = 0 AND deleted_at IS NULL", jti)
	return scanAuthToken(op, row)
}

func (s *Storage) AuthTokenByRefreshIDForUser(ctx context.Context, jti, userID string) (*models.AuthToken, error) {
	const op = "storage.sqlite.AuthTokenByRefreshIDForUser"
	row := s.db.QueryRowContext(ctx,
		selectAuthToken+" WHERE rt_jti = ? AND user_id = ? AND rt_revoked = 0 AND deleted_at IS NULL", jti, userID)
	return scanAuthToken(op, row)
}

// DeleteAuthToken soft-deletes the record and releases both of its
// identifiers back to the namespace. Both token classes become
// permanently unusable.
func (s *Storage) DeleteAuthToken(ctx context.Context, id int64) error {
	const op = "storage.sqlite.DeleteAuthToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE auth_tokens SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAuthTokenNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM token_identifiers WHERE auth_token_id = ?", id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteUserAuthTokens soft-deletes every active record of a user,
// optionally sparing one record.
func (s *Storage) DeleteUserAuthTokens(ctx context.Context, userID string, exceptID *int64) error {
	const op = "storage.sqlite.DeleteUserAuthTokens"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	filter := "user_id = ? AND deleted_at IS NULL"
	args := []any{userID}
	if exceptID != nil {
		filter += " AND id != ?"
		args = append(args, *exceptID)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM token_identifiers WHERE auth_token_id IN (SELECT id FROM auth_tokens WHERE "+filter+")",
		args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE auth_tokens SET deleted_at = ? WHERE "+filter,
		append([]any{time.Now().UTC()}, args...)...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

const selectAuthToken = `SELECT id, user_id, roles, permissions,
       at_jti, at_exp, at_revoked, rt_jti, rt_exp, rt_revoked,
       ip, ip_details, user_agent, deleted_at
  FROM auth_tokens`

func scanUser(op string, row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.PassHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

func scanAuthToken(op string, row *sql.Row) (*models.AuthToken, error) {
	var (
		token              models.AuthToken
		roles, permissions sql.NullString
		atExp, rtExp       sql.NullInt64
		ip, details, agent sql.NullString
		deletedAt          sql.NullTime
	)

	err := row.Scan(
		&token.ID, &token.UserID, &roles, &permissions,
		&token.AccessTokenID, &atExp, &token.AccessTokenRevoked,
		&token.RefreshTokenID, &rtExp, &token.RefreshTokenRevoked,
		&ip, &details, &agent, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAuthTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if roles.Valid {
		if err := json.Unmarshal([]byte(roles.String), &token.Roles); err != nil {
			return nil, fmt.Errorf("%s: roles: %w", op, err)
		}
	}
	if permissions.Valid {
		if err := json.Unmarshal([]byte(permissions.String), &token.Permissions); err != nil {
			return nil, fmt.Errorf("%s: permissions: %w", op, err)
		}
	}
	if atExp.Valid {
		token.AccessTokenExp = &atExp.Int64
	}
	if rtExp.Valid {
		token.RefreshTokenExp = &rtExp.Int64
	}
	if ip.Valid {
		token.IP = &ip.String
	}
	if details.Valid {
		token.IPDetails = &details.String
	}
	if agent.Valid {
		token.UserAgent = &agent.String
	}
	if deletedAt.Valid {
		token.DeletedAt = &deletedAt.Time
	}

	return &token, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringSet(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
