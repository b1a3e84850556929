package identity

import (
	"context"
	"sync"
	"time"
)

// User is relay's canonical security principal.
type User struct {
	ID           string
	Username     string
	UsernameNorm string
	Email        *string
	EmailNorm    *string

	DisplayName *string

	CreatedAt time.Time
}

// CreateUserInput describes a user registration request.
type CreateUserInput struct {
	Username    string
	Email       *string
	Password    string
	DisplayName *string
	Now         time.Time
}

// Store is the identity persistence boundary.
//
// Requirements:
//   - Username and email are unique on their normalized forms.
//   - Password hashes are PHC-encoded Argon2id strings; the plain password
//     never reaches the store after CreateUser returns.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	UserByID(ctx context.Context, userID string) (User, error)
	// UserByLogin resolves a normalized username or email to a user.
	UserByLogin(ctx context.Context, login string) (User, error)
	// PasswordHash returns the stored credential for a user.
	PasswordHash(ctx context.Context, userID string) (string, error)
}

// dummyHash keeps verification work constant when the login does not
// resolve to a user, so response timing does not reveal account existence.
var dummyHash = sync.OnceValue(func() string {
	h, err := HashPassword("dummy-password-for-timing-only", DefaultArgon2idParams())
	if err != nil {
		return ""
	}
	return h
})

// Authenticate resolves login+password to a user through the store.
// Both unknown logins and wrong passwords yield ErrBadCredentials.
func Authenticate(ctx context.Context, store Store, login, password string) (User, error) {
	const op = "identity.Authenticate"

	u, err := store.UserByLogin(ctx, login)
	if err != nil {
		if IsNotFound(err) {
			if h := dummyHash(); h != "" {
				_, _ = VerifyPassword(h, password)
			}
			return User{}, OpError{Op: op, Kind: ErrBadCredentials}
		}
		return User{}, err
	}

	hash, err := store.PasswordHash(ctx, u.ID)
	if err != nil {
		if IsNotFound(err) {
			return User{}, OpError{Op: op, Kind: ErrBadCredentials}
		}
		return User{}, err
	}

	ok, err := VerifyPassword(hash, password)
	if err != nil || !ok {
		return User{}, OpError{Op: op, Kind: ErrBadCredentials}
	}
	return u, nil
}
