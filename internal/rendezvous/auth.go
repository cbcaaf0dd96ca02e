package rendezvous

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	bearerPrefix   = "Bearer "
	participantKey = "participant"
)

// Claims identify one participant; the subject is the participant id.
type Claims struct {
	jwt.RegisteredClaims
}

// Auth issues and verifies participant tokens (HS256).
type Auth struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuth(secret, issuer string, ttl time.Duration) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("rendezvous: jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for participant.
func (a *Auth) Issue(participant string, now time.Time) (string, error) {
	if strings.TrimSpace(participant) == "" {
		return "", errors.New("rendezvous: participant is required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the participant a token was issued to.
func (a *Auth) Verify(token string, now time.Time) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("subject missing")
	}
	return claims.Subject, nil
}

// requireToken authenticates the request and stores the participant on the
// gin context. Websocket upgrades may pass the token as ?token=.
func (a *Auth) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		tok := ""
		if strings.HasPrefix(raw, bearerPrefix) {
			tok = strings.TrimPrefix(raw, bearerPrefix)
		} else if q := c.Query("token"); q != "" {
			tok = q
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		participant, err := a.Verify(tok, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(participantKey, participant)
		c.Next()
	}
}

func participantOf(c *gin.Context) string {
	return c.GetString(participantKey)
}
