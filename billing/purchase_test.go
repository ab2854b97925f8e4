package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-billing/iap"
)

type purchaseRecorder struct {
	calls    int
	result   *Result
	purchase *iap.Purchase
}

func (r *purchaseRecorder) onFinished(res *Result, p *iap.Purchase) {
	r.calls++
	r.result = res
	r.purchase = p
}

func beginGems(t *testing.T, s *Session, launcher Launcher, rec *purchaseRecorder) RequestToken {
	token := NewRequestToken()
	require.NoError(t, s.BeginPurchase(context.Background(), launcher, PurchaseParams{
		Sku:              "gems",
		ItemType:         iap.ItemTypeInApp,
		RequestToken:     token,
		DeveloperPayload: "payload",
	}, rec.onFinished))
	return token
}

func TestBeginPurchase_InvalidArguments(t *testing.T) {
	s := newReadySession(t, &fakeService{})
	ctx := context.Background()
	cb := func(*Result, *iap.Purchase) {}

	for _, params := range []PurchaseParams{
		{Sku: "", ItemType: iap.ItemTypeInApp, RequestToken: "r"},
		{Sku: "gems", ItemType: iap.ItemTypeUnknown, RequestToken: "r"},
		{Sku: "gems", ItemType: iap.ItemTypeInApp, RequestToken: ""},
	} {
		require.ErrorIs(t, s.BeginPurchase(ctx, noopLauncher, params, cb), ErrInvalidArgument)
	}

	valid := PurchaseParams{Sku: "gems", ItemType: iap.ItemTypeInApp, RequestToken: "r"}
	require.ErrorIs(t, s.BeginPurchase(ctx, nil, valid, cb), ErrInvalidArgument)
	require.ErrorIs(t, s.BeginPurchase(ctx, noopLauncher, valid, nil), ErrInvalidArgument)
	require.Equal(t, OperationNone, s.InFlight())
}

func TestPurchase_Success(t *testing.T) {
	svc := &fakeService{}
	s := newReadySession(t, svc)

	var launched string
	rec := &purchaseRecorder{}
	token := beginGems(t, s, LauncherFunc(func(_ context.Context, intent string, _ RequestToken) error {
		launched = intent
		return nil
	}), rec)

	require.Equal(t, "intent:gems", launched)
	require.Zero(t, rec.calls)
	require.Equal(t, OperationPurchase, s.InFlight())

	data := purchaseJSON("gems", "token-gems")
	require.True(t, s.CompletePurchase(token, ResultOK, Bundle{
		KeyResponseCode: 0,
		KeyPurchaseData: data,
		KeySignature:    sign(data),
	}))

	require.Equal(t, 1, rec.calls)
	require.Equal(t, OK, rec.result.Response, rec.result.Message)
	require.Equal(t, "gems", rec.purchase.Sku())
	require.Equal(t, "token-gems", rec.purchase.Token())
	require.Equal(t, iap.ItemTypeInApp, rec.purchase.ItemType())
	require.Equal(t, OperationNone, s.InFlight())

	// The flow is finished, so the same token no longer matches.
	require.False(t, s.CompletePurchase(token, ResultOK, Bundle{}))
	require.Equal(t, 1, rec.calls)
}

func TestPurchase_UnmatchedToken(t *testing.T) {
	s := newReadySession(t, &fakeService{})

	require.False(t, s.CompletePurchase("nothing pending", ResultOK, Bundle{}))

	rec := &purchaseRecorder{}
	token := beginGems(t, s, noopLauncher, rec)

	require.False(t, s.CompletePurchase(token+"-other", ResultOK, Bundle{}))
	require.Zero(t, rec.calls)
	require.Equal(t, OperationPurchase, s.InFlight())

	require.True(t, s.CompletePurchase(token, ResultCanceled, Bundle{}))
	require.Equal(t, UserCancelledLocally, rec.result.Response)
}

func TestPurchase_Outcomes(t *testing.T) {
	data := purchaseJSON("gems", "token-gems")

	for _, tc := range []struct {
		name        string
		status      ResultStatus
		payload     Bundle
		response    Response
		hasPurchase bool
	}{
		{
			name:     "nil payload",
			status:   ResultOK,
			payload:  nil,
			response: MalformedResponse,
		},
		{
			name:     "response code of wrong type",
			status:   ResultOK,
			payload:  Bundle{KeyResponseCode: "0"},
			response: MalformedResponse,
		},
		{
			name:     "absent code with missing data",
			status:   ResultOK,
			payload:  Bundle{KeySignature: sign(data)},
			response: UnknownError,
		},
		{
			name:     "missing signature",
			status:   ResultOK,
			payload:  Bundle{KeyPurchaseData: data},
			response: UnknownError,
		},
		{
			name:        "bad signature",
			status:      ResultOK,
			payload:     Bundle{KeyPurchaseData: data, KeySignature: "forged"},
			response:    SignatureVerificationFailed,
			hasPurchase: true,
		},
		{
			name:        "empty signature",
			status:      ResultOK,
			payload:     Bundle{KeyPurchaseData: data, KeySignature: ""},
			response:    SignatureVerificationFailed,
			hasPurchase: true,
		},
		{
			name:     "unparseable data",
			status:   ResultOK,
			payload:  Bundle{KeyPurchaseData: "{", KeySignature: sign("{")},
			response: MalformedResponse,
		},
		{
			name:     "remote error code",
			status:   ResultOK,
			payload:  Bundle{KeyResponseCode: int64(ItemAlreadyOwned)},
			response: ItemAlreadyOwned,
		},
		{
			name:     "canceled",
			status:   ResultCanceled,
			payload:  Bundle{KeyResponseCode: 1},
			response: UserCancelledLocally,
		},
		{
			name:     "canceled with non-integer code",
			status:   ResultCanceled,
			payload:  Bundle{KeyResponseCode: "1"},
			response: UserCancelledLocally,
		},
		{
			name:     "unknown status",
			status:   ResultStatus(7),
			payload:  Bundle{},
			response: UnrecognizedPurchaseResult,
		},
		{
			name:     "unknown status with non-integer code",
			status:   ResultStatus(7),
			payload:  Bundle{KeyResponseCode: "0"},
			response: UnrecognizedPurchaseResult,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newReadySession(t, &fakeService{})
			rec := &purchaseRecorder{}
			token := beginGems(t, s, noopLauncher, rec)

			require.True(t, s.CompletePurchase(token, tc.status, tc.payload))
			require.Equal(t, 1, rec.calls)
			require.Equal(t, tc.response, rec.result.Response, rec.result.Message)
			require.Equal(t, tc.hasPurchase, rec.purchase != nil)
			require.Equal(t, OperationNone, s.InFlight())
		})
	}
}

func TestPurchase_BuyIntentFailures(t *testing.T) {
	for _, tc := range []struct {
		name     string
		intent   func(sku, itemType, payload string) (Bundle, error)
		response Response
	}{
		{
			name: "remote code",
			intent: func(string, string, string) (Bundle, error) {
				return Bundle{KeyResponseCode: int(ItemAlreadyOwned)}, nil
			},
			response: ItemAlreadyOwned,
		},
		{
			name: "transport",
			intent: func(string, string, string) (Bundle, error) {
				return nil, errors.New("dead object")
			},
			response: RemoteTransportFailure,
		},
		{
			name: "malformed code",
			intent: func(string, string, string) (Bundle, error) {
				return Bundle{KeyResponseCode: true}, nil
			},
			response: MalformedResponse,
		},
		{
			name: "missing intent",
			intent: func(string, string, string) (Bundle, error) {
				return Bundle{KeyResponseCode: 0}, nil
			},
			response: IntentDispatchFailed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newReadySession(t, &fakeService{buyIntent: tc.intent})

			launched := false
			rec := &purchaseRecorder{}
			token := beginGems(t, s, LauncherFunc(func(context.Context, string, RequestToken) error {
				launched = true
				return nil
			}), rec)

			require.False(t, launched)
			require.Equal(t, 1, rec.calls)
			require.Equal(t, tc.response, rec.result.Response)
			require.Nil(t, rec.purchase)
			require.Equal(t, OperationNone, s.InFlight())
			require.False(t, s.CompletePurchase(token, ResultOK, Bundle{}))
		})
	}
}

func TestPurchase_SubscriptionsUnsupported(t *testing.T) {
	svc := &fakeService{supported: func(itemType string) (int, error) {
		if itemType == "subs" {
			return int(ServiceUnavailable), nil
		}
		return 0, nil
	}}
	s := newReadySession(t, svc)

	rec := &purchaseRecorder{}
	require.NoError(t, s.BeginPurchase(context.Background(), noopLauncher, PurchaseParams{
		Sku: "premium", ItemType: iap.ItemTypeSubscription, RequestToken: "r",
	}, rec.onFinished))

	require.Equal(t, SubscriptionsUnsupported, rec.result.Response)
	require.NotContains(t, svc.Calls(), "buy:premium")
}

func TestPurchase_LaunchFailure(t *testing.T) {
	s := newReadySession(t, &fakeService{})

	rec := &purchaseRecorder{}
	token := beginGems(t, s, LauncherFunc(func(context.Context, string, RequestToken) error {
		return errors.New("no activity")
	}), rec)

	require.Equal(t, 1, rec.calls)
	require.Equal(t, IntentDispatchFailed, rec.result.Response)
	require.Equal(t, OperationNone, s.InFlight())
	require.False(t, s.CompletePurchase(token, ResultCanceled, Bundle{}))
}

func TestPurchase_LauncherCompletesSynchronously(t *testing.T) {
	s := newReadySession(t, &fakeService{})
	data := purchaseJSON("gems", "token-gems")

	rec := &purchaseRecorder{}
	beginGems(t, s, LauncherFunc(func(_ context.Context, _ string, token RequestToken) error {
		require.True(t, s.CompletePurchase(token, ResultOK, Bundle{
			KeyPurchaseData: data,
			KeySignature:    sign(data),
		}))
		return errors.New("host failed after completing")
	}), rec)

	require.Equal(t, 1, rec.calls)
	require.Equal(t, OK, rec.result.Response)
	require.Equal(t, OperationNone, s.InFlight())
}

func TestPurchase_DisposeAbandonsFlow(t *testing.T) {
	s := newReadySession(t, &fakeService{})

	rec := &purchaseRecorder{}
	token := beginGems(t, s, noopLauncher, rec)
	require.NoError(t, s.Dispose())

	require.False(t, s.CompletePurchase(token, ResultOK, Bundle{}))
	require.Zero(t, rec.calls)
}
