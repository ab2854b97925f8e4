package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPackage = "com.example.app"

// fakeVerifier accepts signatures of the form "sig:" + payload.
type fakeVerifier struct{}

func (fakeVerifier) Verify(payload []byte, signature string) bool {
	return signature == sign(string(payload))
}

func sign(data string) string { return "sig:" + data }

func purchaseJSON(sku, token string) string {
	return `{"orderId":"order-` + sku + `","packageName":"` + testPackage + `","productId":"` + sku + `","purchaseTime":1345678900000,"purchaseState":0,"purchaseToken":"` + token + `"}`
}

func listingJSON(sku, itemType string) string {
	return `{"productId":"` + sku + `","type":"` + itemType + `","price":"$1.00","title":"` + sku + `"}`
}

func purchasesPage(next string, skus ...string) Bundle {
	var data, sigs []string
	for _, sku := range skus {
		d := purchaseJSON(sku, "token-"+sku)
		data = append(data, d)
		sigs = append(sigs, sign(d))
	}
	b := Bundle{
		KeyResponseCode:     int(OK),
		KeyItemList:         append([]string{}, skus...),
		KeyPurchaseDataList: append([]string{}, data...),
		KeySignatureList:    append([]string{}, sigs...),
	}
	if next != "" {
		b[KeyContinuationToken] = next
	}
	return b
}

type fakeService struct {
	mu    sync.Mutex
	calls []string

	supported  func(itemType string) (int, error)
	buyIntent  func(sku, itemType, payload string) (Bundle, error)
	purchases  func(itemType, token string) (Bundle, error)
	skuDetails func(itemType string, skus []string) (Bundle, error)
	consume    func(token string) (int, error)

	closed bool
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) IsBillingSupported(_ context.Context, apiVersion int, packageName, itemType string) (int, error) {
	f.record("supported:" + itemType)
	if apiVersion != APIVersion || packageName != testPackage {
		return int(DeveloperError), nil
	}
	if f.supported != nil {
		return f.supported(itemType)
	}
	return int(OK), nil
}

func (f *fakeService) GetBuyIntent(_ context.Context, _ int, _, sku, itemType, payload string) (Bundle, error) {
	f.record("buy:" + sku)
	if f.buyIntent != nil {
		return f.buyIntent(sku, itemType, payload)
	}
	return Bundle{KeyResponseCode: int(OK), KeyBuyIntent: "intent:" + sku}, nil
}

func (f *fakeService) GetPurchases(_ context.Context, _ int, _, itemType, token string) (Bundle, error) {
	f.record("purchases:" + itemType + ":" + token)
	if f.purchases != nil {
		return f.purchases(itemType, token)
	}
	return purchasesPage(""), nil
}

func (f *fakeService) GetSkuDetails(_ context.Context, _ int, _, itemType string, skus []string) (Bundle, error) {
	f.record("details:" + itemType)
	if f.skuDetails != nil {
		return f.skuDetails(itemType, skus)
	}
	var listings []string
	for _, sku := range skus {
		listings = append(listings, listingJSON(sku, itemType))
	}
	return Bundle{KeyResponseCode: int(OK), KeySkuDetailsList: listings}, nil
}

func (f *fakeService) ConsumePurchase(_ context.Context, _ int, _, token string) (int, error) {
	f.record("consume:" + token)
	if f.consume != nil {
		return f.consume(token)
	}
	return int(OK), nil
}

func (f *fakeService) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestSession(t *testing.T, svc RemoteService, opts ...Option) *Session {
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithRunner(InlineRunner()),
	}, opts...)

	s, err := NewSession(testPackage, fakeVerifier{}, StaticConnector(svc), opts...)
	require.NoError(t, err)
	return s
}

func newReadySession(t *testing.T, svc RemoteService, opts ...Option) *Session {
	s := newTestSession(t, svc, opts...)
	res, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, OK, res.Response, res.Message)
	return s
}
