package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ─── JWT auth for the local dashboard host ───────────────────────────────────

const (
	issuer   = "npdash"
	tokenTTL = 24 * time.Hour
)

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Signer issues and checks the host's HS256 tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer for secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Issue creates a signed token valid for 24 hours.
func (s *Signer) Issue(username string) (string, error) {
	now := s.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse validates a token string and returns its claims.
func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	keyFn := func(*jwt.Token) (any, error) { return s.secret, nil }
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFn,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Middleware validates "Authorization: Bearer <jwt>". EventSource cannot
// set headers, so stream routes may pass the token as ?token= instead.
// On success the username is stored in the context as "username".
func (s *Signer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, problem := requestToken(c)
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
			return
		}
		claims, err := s.Parse(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session token rejected, sign in again"})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// requestToken picks the JWT from the header or the query string. problem is
// non-empty when neither carries a usable token.
func requestToken(c *gin.Context) (tok, problem string) {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || rest == "" {
			return "", "Authorization must be: Bearer <token>"
		}
		return rest, ""
	}
	if q := c.Query("token"); q != "" {
		return q, ""
	}
	return "", "not signed in"
}
