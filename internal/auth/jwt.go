package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken wraps ErrInvalidToken so callers may treat both alike.
	ErrExpiredToken = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrUnknownRole  = errors.New("unknown role")
)

// Issuer is the iss claim of every token this service signs.
const Issuer = "peerlink-safety"

// Roles carried in tokens.
const (
	RoleUser      = "user"
	RoleModerator = "moderator"
)

// ValidRole reports whether role can be carried in a token.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleModerator
}

// Claims identify an anonymous participant or a moderator. Fingerprint is the hashed
// device fingerprint stamped into watermarks; it is never the raw attributes.
type Claims struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	Fingerprint string `json:"fp,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and validates HS256 tokens.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService creates a JWT service. Tokens live expireHours.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		ttl:    time.Duration(expireHours) * time.Hour,
		now:    time.Now,
	}
}

// Generate signs a token for userID. The token's jti is random so two tokens for the same
// user never collide.
func (s *JWTService) Generate(userID, role, fingerprint string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("generate token: empty user id")
	}
	if !ValidRole(role) {
		return "", fmt.Errorf("generate token: %w %q", ErrUnknownRole, role)
	}
	now := s.now()
	claims := Claims{
		UserID:      userID,
		Role:        role,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses a token and returns its claims. Every failure is ErrInvalidToken;
// expiry is additionally ErrExpiredToken.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || !ValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
