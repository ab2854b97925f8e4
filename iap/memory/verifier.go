package memory

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"

	"github.com/code-payments/flipchat-billing/iap"
)

// MemoryVerifier checks ed25519 signatures over receipt payloads. It stands in
// for the vendor key when tests and the sandbox service need cheap keys.
type MemoryVerifier struct {
	publicKey ed25519.PublicKey
}

// NewMemoryVerifier creates a new MemoryVerifier from a given public key.
func NewMemoryVerifier(pubKey ed25519.PublicKey) iap.Verifier {
	return &MemoryVerifier{publicKey: pubKey}
}

func (m *MemoryVerifier) Verify(payload []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(m.publicKey, payload, sig)
}

type MemorySigner struct {
	privateKey ed25519.PrivateKey
}

func NewMemorySigner(privKey ed25519.PrivateKey) iap.Signer {
	return &MemorySigner{privateKey: privKey}
}

func (m *MemorySigner) Sign(payload []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(m.privateKey, payload)), nil
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// MustGenerate returns a matching verifier and signer.
func MustGenerate() (iap.Verifier, iap.Signer) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return NewMemoryVerifier(pub), NewMemorySigner(priv)
}
