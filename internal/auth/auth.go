package auth

import (
	"time"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/golang-jwt/jwt/v5"
)

// TokenGenerator issues and checks access tokens.
type TokenGenerator interface {
	GenerateAccessToken(userID, email string, permissions []string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims represents JWT token claims
type Claims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// ToUser builds the request user from verified claims.
func (c *Claims) ToUser() *errors.User {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return &errors.User{
		ID:          id,
		Email:       c.Email,
		Permissions: append([]string(nil), c.Permissions...),
	}
}

type JWTTokenGenerator struct {
	Secret         []byte
	AccessTokenTTL time.Duration
	Issuer         string
	now            func() time.Time
}
