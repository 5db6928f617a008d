// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// CookieName is the cookie carrying the session token.
const CookieName = "auth_token"

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Signer issues and verifies ed25519-signed session tokens whose "sub" claim
// is the user id.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	// expire is the token lifetime; zero issues tokens without exp.
	expire time.Duration
	clock  clockwork.Clock
}

// NewSigner generates a fresh key pair at runtime.
func NewSigner(expire time.Duration, clock clockwork.Clock) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return newSigner(priv, pub, expire, clock), nil
}

// LoadSigner reads the ed25519 key pair from files.
func LoadSigner(privatePath, publicPath string, expire time.Duration, clock clockwork.Clock) (*Signer, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key files do not hold a raw ed25519 key pair")
	}
	return newSigner(ed25519.PrivateKey(privateKeyData), ed25519.PublicKey(publicKeyData), expire, clock), nil
}

func newSigner(priv ed25519.PrivateKey, pub ed25519.PublicKey, expire time.Duration, clock clockwork.Clock) *Signer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{privateKey: priv, publicKey: pub, expire: expire, clock: clock}
}

// CreateJWT creates a signed token with "sub" = userID.
func (s *Signer) CreateJWT(userID int64) (string, error) {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iat": now.Unix(),
	}
	if s.expire > 0 {
		claims["exp"] = now.Add(s.expire).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// AuthenticateJWT verifies a token and returns its user id.
func (s *Signer) AuthenticateJWT(tokenString string) (int64, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return 0, ErrInvalidToken
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}
	return userID, nil
}
