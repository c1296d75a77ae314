package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const defaultKeyCacheTTL = 15 * time.Minute

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// GoogleVerifier validates Google ID tokens against Google's signing keys.
type GoogleVerifier struct {
	keyfunc  jwt.Keyfunc
	audience string
	parser   *jwt.Parser

	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewGoogleVerifier returns a verifier resolving keys through keyfunc,
// usually the Keyfunc of a JWKS fetched from Google.
func NewGoogleVerifier(keyfunc jwt.Keyfunc, audience string) *GoogleVerifier {
	return &GoogleVerifier{
		keyfunc:     keyfunc,
		audience:    audience,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: defaultKeyCacheTTL,
		now:         time.Now,
	}
}

// Verify checks an ID token and returns its subject and email.
func (g *GoogleVerifier) Verify(idToken string) (subject, email string, err error) {
	parsed, err := g.parser.Parse(idToken, g.keyForToken)
	if err != nil {
		return "", "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid claims")
	}
	now := g.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", "", errors.New("token expired")
	}
	if !claims.VerifyIssuedAt(now+60, false) {
		return "", "", errors.New("token used before issued")
	}
	if !claims.VerifyAudience(g.audience, true) {
		return "", "", errors.New("invalid audience")
	}
	issuerOK := false
	for _, iss := range googleIssuers {
		if claims.VerifyIssuer(iss, true) {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return "", "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "", errors.New("missing sub")
	}
	email, _ = claims["email"].(string)
	return sub, email, nil
}

func (g *GoogleVerifier) keyForToken(token *jwt.Token) (any, error) {
	if g.keyfunc == nil {
		return nil, errors.New("jwks not configured")
	}
	kid, _ := token.Header["kid"].(string)
	if kid != "" && g.keyCacheTTL > 0 {
		if cached, ok := g.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if g.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			g.keyCache.Delete(kid)
		}
	}
	key, err := g.keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && g.keyCacheTTL > 0 {
		g.keyCache.Store(kid, cachedKey{key: key, expiresAt: g.now().Add(g.keyCacheTTL)})
	}
	return key, nil
}
