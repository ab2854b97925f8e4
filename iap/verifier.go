package iap

type Verifier interface {

	// Verify reports whether signature, a base64-encoded detached signature,
	// was produced over payload by the holder of the vendor key. A malformed
	// or empty signature is reported as false, never as an error.
	Verify(payload []byte, signature string) bool
}

// VerifyPurchase checks the signature carried by a parsed purchase against its
// original payload.
func VerifyPurchase(v Verifier, p *Purchase) bool {
	return v.Verify(p.Payload(), p.Signature())
}

// Signer produces base64-encoded detached signatures that a matching Verifier
// accepts. Only sandbox services and tests sign receipts.
type Signer interface {
	Sign(payload []byte) (string, error)
}
