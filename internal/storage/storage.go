package storage

import "errors"

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrAuthTokenNotFound = errors.New("auth token not found")

	// ErrTokenIDConflict reports that an inserted record's access or
	// refresh identifier collides with an identifier already held by a
	// non-deleted record, on either side.
	ErrTokenIDConflict = errors.New("token identifier already in use")
)
