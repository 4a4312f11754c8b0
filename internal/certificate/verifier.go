package certificate

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure kinds. Callers map these to the wire taxonomy.
var (
	// ErrExpired means the signature checks out but exp is in the past.
	ErrExpired = errors.New("certificate expired")
	// ErrInvalid covers signature mismatch, malformed tokens, and wrong issuer.
	ErrInvalid = errors.New("certificate invalid")
	// ErrAgentDisabled means the status claim is banned or suspended.
	ErrAgentDisabled = errors.New("agent disabled")
)

// KeyProvider yields the current station public key. The gateway's key
// cache implements this; the station passes its own key directly.
type KeyProvider interface {
	PublicKey() *rsa.PublicKey
}

// StaticKey is a KeyProvider around a fixed key.
type StaticKey struct{ Key *rsa.PublicKey }

func (s StaticKey) PublicKey() *rsa.PublicKey { return s.Key }

// Verifier validates clearance certificates locally: RS256 signature
// against the station public key, issuer name, and expiry. It never
// touches the network or the database; revocation by jti is only visible
// on the station's remote verification path.
type Verifier struct {
	keys KeyProvider
}

// NewVerifier creates a Verifier using the given key source.
func NewVerifier(keys KeyProvider) *Verifier {
	return &Verifier{keys: keys}
}

// Verify parses and validates a compact JWS certificate string.
// On success it returns the decoded claims. Failures are one of
// ErrExpired, ErrInvalid, or ErrAgentDisabled.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.keys.PublicKey(), nil
		},
		jwt.WithIssuer(IssuerName),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if claims.Status == "banned" || claims.Status == "suspended" {
		return nil, ErrAgentDisabled
	}
	return claims, nil
}
