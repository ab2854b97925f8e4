package rsa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/code-payments/flipchat-billing/iap"
)

var ErrInvalidKey = errors.New("invalid public key")

// Verifier checks SHA1-with-RSA (PKCS #1 v1.5) signatures, the scheme the
// billing service uses to sign purchase data.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier decodes a base64-encoded X.509 SubjectPublicKeyInfo, as shown in
// the developer console. Whitespace in the encoded key is ignored. The key is
// validated here so that a misconfigured key fails at startup rather than on
// the first purchase.
func NewVerifier(base64PublicKey string) (*Verifier, error) {
	encoded := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, base64PublicKey)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	publicKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected an RSA key, got %T", ErrInvalidKey, key)
	}

	return &Verifier{publicKey: publicKey}, nil
}

// MustNewVerifier is like NewVerifier but panics on an invalid key.
func MustNewVerifier(base64PublicKey string) *Verifier {
	v, err := NewVerifier(base64PublicKey)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Verifier) Verify(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	hashed := sha1.Sum(payload)
	return rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA1, hashed[:], sig) == nil
}

var _ iap.Verifier = (*Verifier)(nil)

// Signer signs payloads the way the billing service does. It exists for the
// sandbox service and tests; production clients never hold the private key.
type Signer struct {
	privateKey *rsa.PrivateKey
}

func NewSigner(privateKey *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: privateKey}
}

func (s *Signer) Sign(payload []byte) (string, error) {
	hashed := sha1.Sum(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA1, hashed[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// EncodePublicKey renders the signer's public key in the format NewVerifier
// accepts.
func (s *Signer) EncodePublicKey() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// GenerateSigner creates a signer with a fresh 2048-bit key.
func GenerateSigner() (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

var _ iap.Signer = (*Signer)(nil)
