package certificate

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims of a clearance certificate. Beyond the
// registered claims, a certificate captures the agent's reputation and
// status at issuance so gateways can enforce thresholds without calling
// back to the station.
type Claims struct {
	jwt.RegisteredClaims
	AgentExternalID  string   `json:"agentExternalId"`
	DeveloperID      string   `json:"developerId"`
	Score            int      `json:"score"`
	IdentityVerified bool     `json:"identityVerified"`
	Status           string   `json:"status"`
	TotalActions     int      `json:"totalActions"`
	SuccessRate      *float64 `json:"successRate"`
	// Scope lists the action names this certificate authorizes.
	// Empty or absent means wildcard.
	Scope []string `json:"scope,omitempty"`
}

// AllowsAction reports whether the certificate's scope manifest permits
// the named action. An empty scope is a wildcard.
func (c *Claims) AllowsAction(name string) bool {
	if len(c.Scope) == 0 {
		return true
	}
	for _, s := range c.Scope {
		if s == name {
			return true
		}
	}
	return false
}

// IssueInput is the agent snapshot captured into a certificate.
type IssueInput struct {
	AgentID          uuid.UUID
	ExternalID       string
	DeveloperID      uuid.UUID
	Score            int
	IdentityVerified bool
	Status           string
	TotalActions     int
	SuccessRate      *float64
	Scope            []string
}

// Issued is the result of signing one certificate.
type Issued struct {
	Token     string
	JTI       uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer signs clearance certificates with RS256. The expiry window is
// fixed per process run.
type Issuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	expiry time.Duration
	nowFn  func() time.Time
}

// NewIssuer creates an Issuer. expiry defaults to 300 seconds when zero.
func NewIssuer(key *rsa.PrivateKey, expiry time.Duration) *Issuer {
	if expiry == 0 {
		expiry = 5 * time.Minute
	}
	return &Issuer{
		key:    key,
		pub:    &key.PublicKey,
		expiry: expiry,
		nowFn:  time.Now,
	}
}

// Issue signs a certificate for the given agent snapshot and returns the
// compact JWS string together with the jti and the expiry window.
func (i *Issuer) Issue(in IssueInput) (*Issued, error) {
	now := i.nowFn().UTC()
	jti := uuid.New()
	scope := in.Scope
	if len(scope) == 0 {
		scope = nil // empty and absent are both wildcard; emit no claim
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    IssuerName,
			Subject:   in.AgentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
			ID:        jti.String(),
		},
		AgentExternalID:  in.ExternalID,
		DeveloperID:      in.DeveloperID.String(),
		Score:            in.Score,
		IdentityVerified: in.IdentityVerified,
		Status:           in.Status,
		TotalActions:     in.TotalActions,
		SuccessRate:      in.SuccessRate,
		Scope:            scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	return &Issued{
		Token:     signed,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.expiry),
	}, nil
}

// PublicKey returns the verifying half of the signing key.
func (i *Issuer) PublicKey() *rsa.PublicKey { return i.pub }

// PublicKeyPEM returns the verifying key in PKIX PEM form for the
// well-known key distribution endpoint.
func (i *Issuer) PublicKeyPEM() (string, error) {
	return EncodePublicKeyPEM(i.pub)
}

// Expiry returns the configured certificate lifetime.
func (i *Issuer) Expiry() time.Duration { return i.expiry }
