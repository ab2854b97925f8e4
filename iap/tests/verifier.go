package tests

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-billing/iap"
)

const samplePurchaseData = `{"orderId":"12999763169054705758.1371079406387615","packageName":"com.example.app","productId":"exampleSku","purchaseTime":1345678900000,"purchaseState":0,"developerPayload":"bGoa+V7g/yqDXvKRqq+JTFn4uQZbPiQJo4pf9RzJ","purchaseToken":"opaque-token-up-to-1000-characters"}`

// RunGenericVerifierTests checks the contract every iap.Verifier must honour,
// using signer to produce valid signatures.
func RunGenericVerifierTests(t *testing.T, v iap.Verifier, signer iap.Signer, teardown func()) {
	for _, testFunc := range []func(t *testing.T, v iap.Verifier, signer iap.Signer){
		testValidSignature,
		testDeterministic,
		testTamperedPayload,
		testTamperedSignature,
		testMalformedSignature,
		testSignatureForOtherPayload,
		testEmptyPayload,
	} {
		testFunc(t, v, signer)
		teardown()
	}
}

func testValidSignature(t *testing.T, v iap.Verifier, signer iap.Signer) {
	sig, err := signer.Sign([]byte(samplePurchaseData))
	require.NoError(t, err)
	require.True(t, v.Verify([]byte(samplePurchaseData), sig))

	p, err := iap.ParsePurchase(iap.ItemTypeInApp, samplePurchaseData, sig)
	require.NoError(t, err)
	require.True(t, iap.VerifyPurchase(v, p))
}

func testDeterministic(t *testing.T, v iap.Verifier, signer iap.Signer) {
	sig, err := signer.Sign([]byte(samplePurchaseData))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.True(t, v.Verify([]byte(samplePurchaseData), sig))
		require.False(t, v.Verify([]byte(samplePurchaseData), "invalid"))
	}
}

func testTamperedPayload(t *testing.T, v iap.Verifier, signer iap.Signer) {
	sig, err := signer.Sign([]byte(samplePurchaseData))
	require.NoError(t, err)

	for i := 0; i < len(samplePurchaseData); i++ {
		tampered := []byte(samplePurchaseData)
		tampered[i] ^= 0x01
		require.False(t, v.Verify(tampered, sig), "accepted payload with byte %d flipped", i)
	}
}

func testTamperedSignature(t *testing.T, v iap.Verifier, signer iap.Signer) {
	sig, err := signer.Sign([]byte(samplePurchaseData))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x80
		encoded := base64.StdEncoding.EncodeToString(tampered)
		require.False(t, v.Verify([]byte(samplePurchaseData), encoded), "accepted signature with byte %d flipped", i)
	}
}

func testMalformedSignature(t *testing.T, v iap.Verifier, _ iap.Signer) {
	for _, sig := range []string{
		"",
		"invalid",
		"!!!not base64!!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
	} {
		require.False(t, v.Verify([]byte(samplePurchaseData), sig), "accepted signature %q", sig)
	}
}

func testSignatureForOtherPayload(t *testing.T, v iap.Verifier, signer iap.Signer) {
	sig, err := signer.Sign([]byte(`{"productId":"other"}`))
	require.NoError(t, err)
	require.False(t, v.Verify([]byte(samplePurchaseData), sig))
}

func testEmptyPayload(t *testing.T, v iap.Verifier, signer iap.Signer) {
	sig, err := signer.Sign(nil)
	require.NoError(t, err)
	require.True(t, v.Verify(nil, sig))
	require.False(t, v.Verify(nil, ""))
}
