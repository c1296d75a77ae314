package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"todo-api/domain"
)

const tokenIssuer = "todo-api"

// DefaultTokenTTL is the lifetime of a session token.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewTokens creates a token issuer signing with secret. A non-positive ttl
// falls back to DefaultTokenTTL.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	if len(secret) == 0 {
		panic("identity.NewTokens: empty secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{
		secret: secret,
		ttl:    ttl,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		now:    time.Now,
	}
}

// Issue signs a token for id.
func (t *Tokens) Issue(id domain.Identity) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"sub":  id.ID,
		"anon": id.Anonymous,
		"iss":  tokenIssuer,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(t.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks a token and returns its subject.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := t.parser.Parse(token, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	now := t.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuer(tokenIssuer, true) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}
