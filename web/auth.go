package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const actorContextKey = "tusker_actor"

var (
	ErrMissingSigningKey    = errors.New("token validator: signing key required")
	ErrMissingToken         = errors.New("token validator: token required")
	ErrInvalidToken         = errors.New("token validator: invalid token")
	ErrExpiredToken         = errors.New("token validator: token expired")
	ErrMissingSubject       = errors.New("token validator: subject required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates HS256 bearer tokens whose subject is a local actor id.
type TokenValidator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

func NewTokenValidator(secret, issuer string) (*TokenValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSigningKey
	}
	return &TokenValidator{secret: []byte(secret), issuer: issuer, clock: time.Now}, nil
}

// IssueToken mints a bearer token for actorID, used by the create-user command.
func (v *TokenValidator) IssueToken(actorID string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ValidateToken returns the actor id carried by token.
func (v *TokenValidator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

// authenticate resolves the bearer token to a local actor.
func (h *handler) authenticate(c *gin.Context, token string) (*domain.Actor, error) {
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	actor, err := h.db.ReadActorById(c.Request.Context(), subject)
	if err != nil {
		return nil, err
	}
	if !actor.IsLocal() {
		return nil, ErrInvalidToken
	}
	return actor, nil
}

func (h *handler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	actor, err := h.authenticate(c, token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			h.log.Info("token validation failed", zap.Error(err))
		} else {
			h.log.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

// optionalAuth attaches the actor when a valid token is present and rejects
// only malformed ones.
func (h *handler) optionalAuth(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.Next()
		return
	}
	actor, err := h.authenticate(c, token)
	if err != nil {
		h.log.Info("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func connectedActor(c *gin.Context) (*domain.Actor, bool) {
	v, ok := c.Get(actorContextKey)
	if !ok {
		return nil, false
	}
	actor, ok := v.(*domain.Actor)
	return actor, ok
}
