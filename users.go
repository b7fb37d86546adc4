package authserver

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// User is an end user known to the authorization server
type User struct {
	Username     string
	PasswordHash string // bcrypt
	Name         string
	Email        string
}

// Users is a static end-user directory. It authenticates users with HTTP
// Basic credentials at the authorization endpoint and supplies their claims
// to the UserInfo endpoint.
type Users struct {
	users     map[string]User
	realm     string
	dummyHash []byte
}

// NewUsers creates a directory from users. Usernames must be unique and
// every password hash must be a valid bcrypt hash.
func NewUsers(users []User) (*Users, error) {
	u := &Users{
		users: make(map[string]User, len(users)),
		realm: "authorization server",
	}
	dummyCost := bcrypt.DefaultCost
	for i, user := range users {
		if user.Username == "" {
			return nil, fmt.Errorf("username is required")
		}
		if _, dup := u.users[user.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", user.Username)
		}
		cost, err := bcrypt.Cost([]byte(user.PasswordHash))
		if err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", user.Username, err)
		}
		if i == 0 || cost > dummyCost {
			dummyCost = cost
		}
		u.users[user.Username] = user
	}

	// Unknown usernames cost one bcrypt comparison at the cost of the stored
	// hashes, so response time does not reveal whether a username exists
	hash, err := bcrypt.GenerateFromPassword([]byte("unknown-user"), dummyCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare user directory: %w", err)
	}
	u.dummyHash = hash
	return u, nil
}

// Authenticate implements Authenticator
func (u *Users) Authenticate(r *http.Request) (string, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	user, known := u.users[username]
	if !known {
		_ = bcrypt.CompareHashAndPassword(u.dummyHash, []byte(password))
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", false
	}
	return user.Username, true
}

// Challenge implements Authenticator
func (u *Users) Challenge(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, charset="UTF-8"`, u.realm))
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

// Claims implements server.ClaimsSource. Unknown subjects have no claims.
func (u *Users) Claims(_ context.Context, subject string) (map[string]any, error) {
	user, ok := u.users[subject]
	if !ok {
		return map[string]any{}, nil
	}
	name := user.Name
	if name == "" {
		name = user.Username
	}
	claims := map[string]any{
		"name":               name,
		"preferred_username": user.Username,
	}
	if user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = false
	}
	return claims, nil
}
