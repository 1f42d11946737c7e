// Package auth signs the executor's requests to the platform.
package auth

import (
	"errors"
	"net/http"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	HeaderAPIKey     = "X-API-Key"
	HeaderExecutorID = "X-Executor-ID"
)

type Claims struct {
	ExecutorID string `json:"eid"`
	jwt.RegisteredClaims
}

// Signer issues short-lived HS256 bearer tokens keyed with the executor's API secret.
// Tokens are cached and reissued shortly before they expire.
type Signer struct {
	ExecutorID string
	APIKey     string
	Secret     []byte
	Issuer     string
	TTL        time.Duration

	now func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewSigner(executorID, apiKey, secret string) *Signer {
	return &Signer{
		ExecutorID: executorID,
		APIKey:     apiKey,
		Secret:     []byte(secret),
		Issuer:     "fx-executor",
		TTL:        5 * time.Minute,
		now:        time.Now,
	}
}

func (s *Signer) Token() (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("no api secret configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(s.TTL/5).Before(s.expiry) {
		return s.token, nil
	}
	exp := now.Add(s.TTL)
	claims := Claims{
		ExecutorID: s.ExecutorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   s.ExecutorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", err
	}
	s.token, s.expiry = tok, exp
	return tok, nil
}

func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) { return s.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// Apply sets the executor's auth headers on req. The bearer token is omitted when
// no secret is configured.
func (s *Signer) Apply(req *http.Request) error {
	req.Header.Set(HeaderExecutorID, s.ExecutorID)
	if s.APIKey != "" {
		req.Header.Set(HeaderAPIKey, s.APIKey)
	}
	if len(s.Secret) == 0 {
		return nil
	}
	tok, err := s.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
