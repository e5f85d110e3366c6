package identity

import (
	"errors"
	"fmt"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/pkg/jwt"
)

// ErrInvalidToken covers every way a bearer token can fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves bearer tokens issued by the identity store into users.
// This service never owns credentials; it only validates signatures and
// reads claims.
type Verifier struct {
	secret string
}

// NewVerifier returns a verifier for tokens signed with the shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &Verifier{secret: secret}, nil
}

// UserFromToken validates the token and returns the identity it carries.
// Tokens without an explicit role default to developer.
func (v *Verifier) UserFromToken(token string) (domain.User, error) {
	claims, err := jwt.Parse(token, v.secret)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	role := claims.Role
	if role == "" {
		role = domain.RoleDeveloper
	}
	return domain.User{ID: claims.UserID, Email: claims.Email, Role: role}, nil
}
