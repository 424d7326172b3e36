package models

// User is an account row from the subject store.
type User struct {
	ID       string
	Email    string
	Name     string
	PassHash []byte
}

// PublicUser is the serializable snapshot of a user embedded into
// access token payloads. It never carries the password hash.
type PublicUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Public returns the snapshot representation of the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
	}
}
