package licensing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"licensegate/internal/license"
)

// LicenseClaims are the claims of a signed license token. The JWT ID is the
// license ID.
type LicenseClaims struct {
	jwt.RegisteredClaims

	ClaimsVersion int    `json:"cv"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name,omitempty"`
}

// License converts the claims into a license record carrying token.
func (c *LicenseClaims) License(token string, method license.ActivationMethod) *license.License {
	lic := &license.License{
		ID:               c.ID,
		ActivationMethod: method,
		IssuedTo:         license.Licensee{Name: c.Name, Email: c.Email},
		Product:          license.Product{ID: c.ProductID, Name: c.ProductName},
		Token:            token,
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.UTC()
		lic.ExpiresAt = &exp
	}
	return lic
}

// SigningMethodFor returns the JWT algorithm used with key. Private and
// public keys of the same type map to the same method.
func SigningMethodFor(key any) (jwt.SigningMethod, error) {
	switch key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey, *ecdsa.PublicKey:
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

// VerifyToken checks the token signature against pub and decodes its
// claims. Expiry is not enforced here.
func VerifyToken(pub crypto.PublicKey, tokenString string) (*LicenseClaims, error) {
	method, err := SigningMethodFor(pub)
	if err != nil {
		return nil, err
	}

	claims := &LicenseClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if claims.ID == "" {
		return nil, errors.New("token verification failed: missing license id")
	}
	return claims, nil
}

// ParsePublicKeyPEM reads an Ed25519, RSA or ECDSA public key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	if k, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	return nil, errors.New("unsupported or malformed public key PEM")
}
