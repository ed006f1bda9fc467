package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-chat-sync/internal/chat"
)

var (
	ErrNoToken      = errors.New("session: no stored token")
	ErrTokenExpired = errors.New("session: token expired")
)

// Claims is the identity the API puts in its access tokens. Servers differ
// on the key names, so both id/_id and username/name are read.
type Claims struct {
	ID       chat.ID `json:"id,omitempty"`
	UID      chat.ID `json:"_id,omitempty"`
	Username string  `json:"username,omitempty"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) User() chat.User {
	u := chat.User{ID: c.ID, Name: c.Username, Email: c.Email}
	if u.ID == "" {
		u.ID = c.UID
	}
	if u.ID == "" && c.Subject != "" {
		u.ID = chat.ParseID(c.Subject)
	}
	if u.Name == "" {
		u.Name = c.Name
	}
	return u
}

// ParseToken reads the user out of an access token. The signature is not
// checked: the client holds no secret and the server verifies every call
// anyway. Expiry is checked so a stale stored token does not open a session.
func ParseToken(token string, now time.Time) (chat.User, time.Time, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return chat.User{}, time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
		if !now.Before(exp) {
			return chat.User{}, exp, ErrTokenExpired
		}
	}
	u := claims.User()
	if u.ID == "" {
		return chat.User{}, exp, errors.New("parse token: no user id claim")
	}
	return u, exp, nil
}
