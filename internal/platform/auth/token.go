package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles.
const (
	RoleAdmin        = "admin"
	RoleProfessional = "professional"
	RoleCaregiver    = "caregiver"
	RolePatient      = "patient"
	RoleBilling      = "billing"
)

var validRoles = map[string]bool{
	RoleAdmin:        true,
	RoleProfessional: true,
	RoleCaregiver:    true,
	RolePatient:      true,
	RoleBilling:      true,
}

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Roles  []string
}

// Verifier issues and validates HS256 bearer tokens.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(signingKey []byte, issuer string) *Verifier {
	return &Verifier{key: signingKey, issuer: issuer, now: time.Now}
}

// Issue signs a token for userID. Unknown roles are rejected.
func (v *Verifier) Issue(userID string, roles []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	for _, r := range roles {
		if !validRoles[r] {
			return "", fmt.Errorf("unknown role %q", r)
		}
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Verify parses and validates a token, returning the caller identity.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	if len(v.key) == 0 {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject, Roles: claims.Roles}, nil
}
