package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-billing/iap"
)

// inAppOnly makes the fake report subscriptions as unsupported.
func inAppOnly(itemType string) (int, error) {
	if itemType == "subs" {
		return int(ServiceUnavailable), nil
	}
	return 0, nil
}

func TestQueryInventory_Pagination(t *testing.T) {
	svc := &fakeService{
		supported: inAppOnly,
		purchases: func(_ string, token string) (Bundle, error) {
			if token == "" {
				return purchasesPage("next", "a"), nil
			}
			require.Equal(t, "next", token)
			return purchasesPage("", "b"), nil
		},
	}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, inv.AllOwnedSkus())
	require.Equal(t, []string{
		"supported:inapp",
		"supported:subs",
		"purchases:inapp:",
		"purchases:inapp:next",
	}, svc.Calls())
}

func TestQueryInventory_SignatureFailureOnLaterPage(t *testing.T) {
	svc := &fakeService{
		supported: inAppOnly,
		purchases: func(_ string, token string) (Bundle, error) {
			if token == "" {
				return purchasesPage("next", "a"), nil
			}
			b := purchasesPage("", "b")
			b[KeySignatureList] = []string{"forged"}
			return b, nil
		},
	}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{})
	res, ok := AsResult(err)
	require.True(t, ok)
	require.Equal(t, SignatureVerificationFailed, res.Response)
	require.NotNil(t, inv)
	require.Equal(t, []string{"a"}, inv.AllOwnedSkus())
}

func TestQueryInventory_Async(t *testing.T) {
	svc := &fakeService{
		supported: inAppOnly,
		purchases: func(string, string) (Bundle, error) {
			b := purchasesPage("", "a", "b")
			b[KeySignatureList] = []any{sign(purchaseJSON("a", "token-a")), "forged"}
			return b, nil
		},
	}
	s := newReadySession(t, svc)

	calls := 0
	var (
		res *Result
		inv *iap.Inventory
	)
	h, err := s.QueryInventoryAsync(context.Background(), QueryParams{}, func(r *Result, i *iap.Inventory) {
		calls++
		res, inv = r, i
	})
	require.NoError(t, err)
	<-h.Done()

	require.Equal(t, 1, calls)
	require.Equal(t, SignatureVerificationFailed, res.Response)
	require.Equal(t, []string{"a"}, inv.AllOwnedSkus())

	_, err = s.QueryInventoryAsync(context.Background(), QueryParams{}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueryInventory_Subscriptions(t *testing.T) {
	svc := &fakeService{
		purchases: func(itemType string, _ string) (Bundle, error) {
			if itemType == "subs" {
				return purchasesPage("", "premium"), nil
			}
			return purchasesPage("", "gems"), nil
		},
	}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{
		FetchSkuDetails:       true,
		ExtraInAppSkus:        []string{"coins", "gems", ""},
		ExtraSubscriptionSkus: []string{"vip"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"gems"}, inv.OwnedSkus(iap.ItemTypeInApp))
	require.Equal(t, []string{"premium"}, inv.OwnedSkus(iap.ItemTypeSubscription))
	for _, sku := range []string{"gems", "coins", "premium", "vip"} {
		require.True(t, inv.HasDetails(sku), sku)
	}

	d, ok := inv.SkuDetails("vip")
	require.True(t, ok)
	require.Equal(t, iap.ItemTypeSubscription, d.ItemType())

	p, ok := inv.Purchase("premium")
	require.True(t, ok)
	require.Equal(t, iap.ItemTypeSubscription, p.ItemType())
}

func TestQueryInventory_SkuDetailsWorklist(t *testing.T) {
	var requested [][]string
	svc := &fakeService{
		supported: inAppOnly,
		purchases: func(string, string) (Bundle, error) {
			return purchasesPage("", "b", "a"), nil
		},
		skuDetails: func(itemType string, skus []string) (Bundle, error) {
			requested = append(requested, skus)
			return Bundle{KeySkuDetailsList: []string{}}, nil
		},
	}
	s := newReadySession(t, svc)

	_, err := s.QueryInventory(context.Background(), QueryParams{
		FetchSkuDetails: true,
		ExtraInAppSkus:  []string{"c", "a", "c"},
	})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "b", "c"}}, requested)
}

func TestQueryInventory_NoSkusSkipsDetails(t *testing.T) {
	svc := &fakeService{supported: inAppOnly}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{FetchSkuDetails: true})
	require.NoError(t, err)
	require.Empty(t, inv.AllOwnedSkus())
	require.NotContains(t, svc.Calls(), "details:inapp")
}

func TestQueryInventory_EmptyTokenStillAdded(t *testing.T) {
	svc := &fakeService{
		supported: inAppOnly,
		purchases: func(string, string) (Bundle, error) {
			d := purchaseJSON("gems", "")
			return Bundle{
				KeyItemList:         []string{"gems"},
				KeyPurchaseDataList: []string{d},
				KeySignatureList:    []string{sign(d)},
			}, nil
		},
	}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{})
	require.NoError(t, err)
	p, ok := inv.Purchase("gems")
	require.True(t, ok)
	require.Empty(t, p.Token())
}

func TestQueryInventory_Failures(t *testing.T) {
	valid := purchaseJSON("a", "token-a")

	for _, tc := range []struct {
		name       string
		purchases  func(itemType, token string) (Bundle, error)
		skuDetails func(itemType string, skus []string) (Bundle, error)
		response   Response
	}{
		{
			name: "transport",
			purchases: func(string, string) (Bundle, error) {
				return nil, errors.New("dead object")
			},
			response: RemoteTransportFailure,
		},
		{
			name: "remote code",
			purchases: func(string, string) (Bundle, error) {
				return Bundle{KeyResponseCode: int(DeveloperError)}, nil
			},
			response: DeveloperError,
		},
		{
			name: "malformed code",
			purchases: func(string, string) (Bundle, error) {
				return Bundle{KeyResponseCode: "0"}, nil
			},
			response: MalformedResponse,
		},
		{
			name: "missing lists",
			purchases: func(string, string) (Bundle, error) {
				return Bundle{KeyResponseCode: 0, KeyItemList: []string{}}, nil
			},
			response: MalformedResponse,
		},
		{
			name: "mismatched lists",
			purchases: func(string, string) (Bundle, error) {
				return Bundle{
					KeyItemList:         []string{"a", "b"},
					KeyPurchaseDataList: []string{valid},
					KeySignatureList:    []string{sign(valid)},
				}, nil
			},
			response: MalformedResponse,
		},
		{
			name: "verified purchase fails to parse",
			purchases: func(string, string) (Bundle, error) {
				return Bundle{
					KeyItemList:         []string{"a", "b"},
					KeyPurchaseDataList: []string{valid, "not json"},
					KeySignatureList:    []string{sign(valid), sign("not json")},
				}, nil
			},
			response: MalformedResponse,
		},
		{
			name: "later page fails",
			purchases: func(_ string, token string) (Bundle, error) {
				if token == "" {
					return purchasesPage("next", "a"), nil
				}
				return Bundle{KeyResponseCode: int(GenericError)}, nil
			},
			response: GenericError,
		},
		{
			name: "details remote code",
			skuDetails: func(string, []string) (Bundle, error) {
				return Bundle{KeyResponseCode: int(ItemUnavailable)}, nil
			},
			response: ItemUnavailable,
		},
		{
			name: "details missing list with ok code",
			skuDetails: func(string, []string) (Bundle, error) {
				return Bundle{KeyResponseCode: 0}, nil
			},
			response: MalformedResponse,
		},
		{
			name: "details transport",
			skuDetails: func(string, []string) (Bundle, error) {
				return nil, errors.New("dead object")
			},
			response: RemoteTransportFailure,
		},
		{
			name: "details unparseable",
			skuDetails: func(string, []string) (Bundle, error) {
				return Bundle{KeySkuDetailsList: []string{`{"type":"inapp"}`}}, nil
			},
			response: MalformedResponse,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{
				supported:  inAppOnly,
				purchases:  tc.purchases,
				skuDetails: tc.skuDetails,
			}
			s := newReadySession(t, svc)

			inv, err := s.QueryInventory(context.Background(), QueryParams{
				FetchSkuDetails: true,
				ExtraInAppSkus:  []string{"extra"},
			})
			require.Nil(t, inv)
			require.Equal(t, tc.response, ResponseOf(err))
			require.Equal(t, OperationNone, s.InFlight())
		})
	}
}

func TestQueryInventory_DetailsListWinsOverCode(t *testing.T) {
	svc := &fakeService{
		supported: inAppOnly,
		skuDetails: func(string, []string) (Bundle, error) {
			return Bundle{
				KeyResponseCode:   int(GenericError),
				KeySkuDetailsList: []string{listingJSON("extra", "inapp")},
			}, nil
		},
	}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{
		FetchSkuDetails: true,
		ExtraInAppSkus:  []string{"extra"},
	})
	require.NoError(t, err)
	require.True(t, inv.HasDetails("extra"))
}

func TestQueryInventory_UnknownCurrencyKeepsPurchases(t *testing.T) {
	svc := &fakeService{
		supported: inAppOnly,
		purchases: func(string, string) (Bundle, error) {
			return purchasesPage("", "a"), nil
		},
		skuDetails: func(string, []string) (Bundle, error) {
			return Bundle{
				KeySkuDetailsList: []string{`{"productId":"a","type":"inapp","price":"1.00","price_currency_code":"ZZZ"}`},
			}, nil
		},
	}
	s := newReadySession(t, svc)

	inv, err := s.QueryInventory(context.Background(), QueryParams{FetchSkuDetails: true})
	require.NoError(t, err)
	require.True(t, inv.HasPurchase("a"))

	d, ok := inv.SkuDetails("a")
	require.True(t, ok)
	require.Equal(t, "1.00", d.Price())
	require.Empty(t, d.CurrencyCode())
}
