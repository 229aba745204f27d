package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Role scopes what a control API token may do.
type Role string

const (
	Viewer   Role = "viewer"   // read state, timeline and notifications
	Operator Role = "operator" // viewer plus playback control
)

// Allows reports whether r grants at least the rights of want.
func (r Role) Allows(want Role) bool {
	switch r {
	case Operator:
		return want == Operator || want == Viewer
	case Viewer:
		return want == Viewer
	}
	return false
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type Manager struct {
	signingKey []byte
	ttl        time.Duration
}

const DefaultTTL = 12 * time.Hour

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey), ttl: DefaultTTL}
}

// WithTTL returns a copy of m issuing tokens valid for ttl.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	cp := *m
	cp.ttl = ttl
	return &cp
}

func (m *Manager) Generate(subject string, role Role) (string, error) {
	if role != Viewer && role != Operator {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
