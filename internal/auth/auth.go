// Package auth issues and validates the credentials Relay accepts: signed
// webchat bearer tokens and static API keys for the integrations API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// WebchatClaims is the payload of a widget bearer token.
type WebchatClaims struct {
	// UserID is the widget-scoped user identity.
	UserID string `json:"userId"`
	// WebsiteID is the channel_config id the widget is bound to.
	WebsiteID string `json:"websiteId"`
	// FlowID optionally pins the conversation to a flow.
	FlowID string `json:"flowId,omitempty"`
	// Timestamp is the issue time in unix seconds.
	Timestamp int64 `json:"timestamp"`
	jwt.RegisteredClaims
}

// Service signs webchat tokens and validates API keys.
type Service struct {
	secret  []byte
	expiry  time.Duration
	apiKeys []string
}

// NewService builds the auth service. An empty secret disables token
// operations; an empty key list disables API-key auth.
func NewService(jwtSecret string, tokenExpiry time.Duration, apiKeys []string) *Service {
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return &Service{
		secret:  []byte(strings.TrimSpace(jwtSecret)),
		expiry:  tokenExpiry,
		apiKeys: keys,
	}
}

// IssueWebchatToken signs a bearer token for a widget session.
func (s *Service) IssueWebchatToken(userID, websiteID, flowID string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if strings.TrimSpace(websiteID) == "" {
		return "", errors.New("website id required")
	}

	now := time.Now()
	claims := WebchatClaims{
		UserID:    userID,
		WebsiteID: websiteID,
		FlowID:    flowID,
		Timestamp: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateWebchatToken parses a bearer token and returns its claims.
func (s *Service) ValidateWebchatToken(token string) (*WebchatClaims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &WebchatClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*WebchatClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" || strings.TrimSpace(claims.WebsiteID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAPIKey checks a key against the configured set in constant time.
func (s *Service) ValidateAPIKey(key string) error {
	if s == nil || len(s.apiKeys) == 0 {
		return ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(key))

	// Compare against every key so timing does not reveal which prefix
	// matched.
	matched := false
	for _, stored := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, []byte(stored)) == 1 {
			matched = true
		}
	}
	if !matched {
		return ErrInvalidKey
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):]), true
	}
	return "", false
}
