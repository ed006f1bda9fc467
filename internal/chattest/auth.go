package chattest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-chat-sync/internal/chat"
)

type contextKey string

const userKey contextKey = "user_id"

// Claims mirrors what the chat API signs into its access tokens.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Token issues an HS256 access token for a known user, valid for 24h.
func (s *Server) Token(userID chat.ID) string {
	return s.TokenWithExpiry(userID, time.Now().Add(24*time.Hour))
}

func (s *Server) TokenWithExpiry(userID chat.ID, exp time.Time) string {
	s.mu.Lock()
	u := s.users[userID]
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       string(userID),
		Username: u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chattest",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	ss, err := token.SignedString([]byte(s.secret))
	if err != nil {
		panic(err)
	}
	return ss
}

func (s *Server) validateToken(tokenString string) (chat.ID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	return chat.ParseID(claims.ID), nil
}

// authenticate takes the token from the Authorization header and falls back
// to the token query parameter, which is how websocket clients send it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 {
			tokenString = parts[1]
		}
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		userID, err := s.validateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) chat.ID {
	id, _ := r.Context().Value(userKey).(chat.ID)
	return id
}
