package tests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/billing/memory"
	"github.com/code-payments/flipchat-billing/iap"
)

var (
	gems = memory.Product{
		Sku:          "gems",
		ItemType:     iap.ItemTypeInApp,
		Price:        "$0.99",
		Title:        "Gems",
		Description:  "A handful of gems",
		PriceMicros:  990000,
		CurrencyCode: "USD",
	}
	coins = memory.Product{
		Sku:      "coins",
		ItemType: iap.ItemTypeInApp,
		Price:    "$1.99",
		Title:    "Coins",
	}
	premium = memory.Product{
		Sku:          "premium",
		ItemType:     iap.ItemTypeSubscription,
		Price:        "$4.99",
		Title:        "Premium",
		PriceMicros:  4990000,
		CurrencyCode: "USD",
	}
)

// RunSessionTests drives a billing.Session end to end against svc, reached
// through connector.
func RunSessionTests(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector, teardown func()) {
	for _, tf := range []func(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector){
		testConnect,
		testConnectSubscriptionsUnsupported,
		testConnectInAppUnsupported,
		testPurchaseFlow,
		testPurchaseAlreadyOwned,
		testPurchaseCanceled,
		testPurchaseUnavailable,
		testQueryInventoryPaged,
		testQueryInventorySignatureFailure,
		testQueryInventoryTransportFailure,
		testConsume,
		testConsumeAllAsync,
		testConsumeSubscriptionRejected,
		testDispose,
		testCallbackSuppressedAfterDispose,
	} {
		tf(t, svc, verifier, connector)
		teardown()
	}
}

func newConnectedSession(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) *billing.Session {
	session, err := billing.NewSession(svc.PackageName(), verifier, connector, billing.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := session.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsSuccess(), res.Message)
	t.Cleanup(func() { _ = session.Dispose() })
	return session
}

func addProducts(t *testing.T, svc *memory.Service, products ...memory.Product) {
	for _, p := range products {
		require.NoError(t, svc.AddProduct(p))
	}
}

func waitFor(t *testing.T, h *billing.AsyncHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func purchase(t *testing.T, session *billing.Session, svc *memory.Service, sku string, itemType iap.ItemType) (*billing.Result, *iap.Purchase) {
	var (
		res      *billing.Result
		received *iap.Purchase
		calls    int
	)
	err := session.BeginPurchase(context.Background(), svc.Launcher(session), billing.PurchaseParams{
		Sku:              sku,
		ItemType:         itemType,
		RequestToken:     billing.NewRequestToken(),
		DeveloperPayload: "payload-" + sku,
	}, func(r *billing.Result, p *iap.Purchase) {
		calls++
		res, received = r, p
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, billing.OperationNone, session.InFlight())
	return res, received
}

func testConnect(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	session := newConnectedSession(t, svc, verifier, connector)

	require.Equal(t, billing.StateReady, session.State())
	require.True(t, session.InAppSupported())
	require.True(t, session.SubscriptionsSupported())
	require.Equal(t, 2, svc.Calls(memory.MethodIsBillingSupported))

	_, err := session.Connect(context.Background())
	require.ErrorIs(t, err, billing.ErrAlreadyConnected)
}

func testConnectSubscriptionsUnsupported(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	svc.SetSupported(iap.ItemTypeSubscription, billing.ServiceUnavailable)
	addProducts(t, svc, premium)

	session := newConnectedSession(t, svc, verifier, connector)
	require.True(t, session.InAppSupported())
	require.False(t, session.SubscriptionsSupported())

	res, p := purchase(t, session, svc, premium.Sku, iap.ItemTypeSubscription)
	require.Equal(t, billing.SubscriptionsUnsupported, res.Response)
	require.Nil(t, p)
	require.Zero(t, svc.Calls(memory.MethodGetBuyIntent))
}

func testConnectInAppUnsupported(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	svc.SetSupported(iap.ItemTypeInApp, billing.ServiceUnavailable)
	addProducts(t, svc, gems)

	session, err := billing.NewSession(svc.PackageName(), verifier, connector, billing.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer session.Dispose()

	res, err := session.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, billing.ServiceUnavailable, res.Response)
	require.Equal(t, billing.StateReady, session.State())
	require.False(t, session.InAppSupported())

	res, _ = purchase(t, session, svc, gems.Sku, iap.ItemTypeInApp)
	require.Equal(t, billing.ServiceUnavailable, res.Response)
}

func testPurchaseFlow(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, gems, premium)
	session := newConnectedSession(t, svc, verifier, connector)

	res, p := purchase(t, session, svc, gems.Sku, iap.ItemTypeInApp)
	require.True(t, res.IsSuccess(), res.Message)
	require.NotNil(t, p)
	require.Equal(t, gems.Sku, p.Sku())
	require.Equal(t, iap.ItemTypeInApp, p.ItemType())
	require.Equal(t, "payload-gems", p.DeveloperPayload())
	require.Equal(t, svc.PackageName(), p.PackageName())
	require.Equal(t, iap.PurchaseStatePurchased, p.PurchaseState())
	require.NotEmpty(t, p.Token())
	require.True(t, iap.VerifyPurchase(verifier, p))
	require.True(t, svc.Owns(gems.Sku))

	res, p = purchase(t, session, svc, premium.Sku, iap.ItemTypeSubscription)
	require.True(t, res.IsSuccess(), res.Message)
	require.Equal(t, iap.ItemTypeSubscription, p.ItemType())
}

func testPurchaseAlreadyOwned(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, gems)
	_, err := svc.Grant(gems.Sku, "")
	require.NoError(t, err)

	session := newConnectedSession(t, svc, verifier, connector)
	res, p := purchase(t, session, svc, gems.Sku, iap.ItemTypeInApp)
	require.Equal(t, billing.ItemAlreadyOwned, res.Response)
	require.Nil(t, p)
}

func testPurchaseCanceled(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, memory.Product{Sku: iap.TestSkuCanceled.Sku(), ItemType: iap.ItemTypeInApp})
	session := newConnectedSession(t, svc, verifier, connector)

	res, p := purchase(t, session, svc, iap.TestSkuCanceled.Sku(), iap.ItemTypeInApp)
	require.Equal(t, billing.UserCancelledLocally, res.Response)
	require.Nil(t, p)
	require.False(t, svc.Owns(iap.TestSkuCanceled.Sku()))
}

func testPurchaseUnavailable(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	session := newConnectedSession(t, svc, verifier, connector)

	res, p := purchase(t, session, svc, "missing", iap.ItemTypeInApp)
	require.Equal(t, billing.ItemUnavailable, res.Response)
	require.Nil(t, p)

	// The failed flow released the session.
	res, _ = purchase(t, session, svc, "missing", iap.ItemTypeInApp)
	require.Equal(t, billing.ItemUnavailable, res.Response)
}

func testQueryInventoryPaged(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	svc.SetPageSize(2)

	var owned []string
	for _, sku := range []string{"a", "b", "c", "d", "e"} {
		addProducts(t, svc, memory.Product{Sku: sku, ItemType: iap.ItemTypeInApp, Price: "$1.00"})
		_, err := svc.Grant(sku, "")
		require.NoError(t, err)
		owned = append(owned, sku)
	}
	addProducts(t, svc, gems, premium)
	_, err := svc.Grant(premium.Sku, "")
	require.NoError(t, err)

	session := newConnectedSession(t, svc, verifier, connector)
	inv, err := session.QueryInventory(context.Background(), billing.QueryParams{
		FetchSkuDetails:       true,
		ExtraInAppSkus:        []string{gems.Sku, "a", "not-in-catalog"},
		ExtraSubscriptionSkus: []string{premium.Sku},
	})
	require.NoError(t, err)
	require.NotNil(t, inv)

	require.Equal(t, owned, inv.OwnedSkus(iap.ItemTypeInApp))
	require.Equal(t, []string{premium.Sku}, inv.OwnedSkus(iap.ItemTypeSubscription))
	// Three in-app pages and one subscription page.
	require.Equal(t, 4, svc.Calls(memory.MethodGetPurchases))

	for _, sku := range append(owned, gems.Sku, premium.Sku) {
		require.True(t, inv.HasDetails(sku), sku)
	}
	require.False(t, inv.HasDetails("not-in-catalog"))
	require.False(t, inv.HasPurchase(gems.Sku))

	d, ok := inv.SkuDetails(gems.Sku)
	require.True(t, ok)
	require.Equal(t, "$0.99", d.Price())
	require.Equal(t, "USD", d.CurrencyCode())
	require.Equal(t, "0.99", d.PriceAmount().String())
	d, ok = inv.SkuDetails(premium.Sku)
	require.True(t, ok)
	require.Equal(t, iap.ItemTypeSubscription, d.ItemType())

	for _, p := range inv.AllPurchases() {
		require.True(t, iap.VerifyPurchase(verifier, p))
	}
}

func testQueryInventorySignatureFailure(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, gems, coins)
	svc.CorruptSignatures(coins.Sku)
	for _, sku := range []string{gems.Sku, coins.Sku} {
		_, err := svc.Grant(sku, "")
		require.NoError(t, err)
	}

	session := newConnectedSession(t, svc, verifier, connector)
	inv, err := session.QueryInventory(context.Background(), billing.QueryParams{})

	res, ok := billing.AsResult(err)
	require.True(t, ok)
	require.Equal(t, billing.SignatureVerificationFailed, res.Response)
	require.NotNil(t, inv)
	require.Equal(t, []string{gems.Sku}, inv.AllOwnedSkus())
}

func testQueryInventoryTransportFailure(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	session := newConnectedSession(t, svc, verifier, connector)

	svc.SetHook(func(_ context.Context, m memory.Method) error {
		if m == memory.MethodGetPurchases {
			return errors.New("connection reset")
		}
		return nil
	})

	inv, err := session.QueryInventory(context.Background(), billing.QueryParams{})
	require.Nil(t, inv)
	require.Equal(t, billing.RemoteTransportFailure, billing.ResponseOf(err))
	require.Equal(t, billing.OperationNone, session.InFlight())
}

func testConsume(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, gems)
	p, err := svc.Grant(gems.Sku, "")
	require.NoError(t, err)

	session := newConnectedSession(t, svc, verifier, connector)
	require.NoError(t, session.Consume(context.Background(), p))
	require.False(t, svc.Owns(gems.Sku))

	err = session.Consume(context.Background(), p)
	require.Equal(t, billing.ItemNotOwned, billing.ResponseOf(err))

	// Consumed items can be bought again.
	res, _ := purchase(t, session, svc, gems.Sku, iap.ItemTypeInApp)
	require.True(t, res.IsSuccess(), res.Message)
}

func testConsumeAllAsync(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, gems, coins)
	first, err := svc.Grant(gems.Sku, "")
	require.NoError(t, err)
	second, err := svc.Grant(coins.Sku, "")
	require.NoError(t, err)

	session := newConnectedSession(t, svc, verifier, connector)
	require.NoError(t, session.Consume(context.Background(), second))

	var (
		mu        sync.Mutex
		calls     int
		purchases []*iap.Purchase
		results   []*billing.Result
	)
	h, err := session.ConsumeAllAsync(context.Background(), []*iap.Purchase{first, second}, func(ps []*iap.Purchase, rs []*billing.Result) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		purchases, results = ps, rs
	})
	require.NoError(t, err)
	waitFor(t, h)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Equal(t, []*iap.Purchase{first, second}, purchases)
	require.Len(t, results, 2)
	require.Equal(t, billing.OK, results[0].Response)
	require.Equal(t, billing.ItemNotOwned, results[1].Response)
	require.False(t, svc.Owns(gems.Sku))
}

func testConsumeSubscriptionRejected(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, premium)
	p, err := svc.Grant(premium.Sku, "")
	require.NoError(t, err)

	session := newConnectedSession(t, svc, verifier, connector)
	err = session.Consume(context.Background(), p)
	require.Equal(t, billing.InvalidConsumptionTarget, billing.ResponseOf(err))
	require.Zero(t, svc.Calls(memory.MethodConsumePurchase))
	require.True(t, svc.Owns(premium.Sku))
}

func testDispose(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	addProducts(t, svc, gems)
	p, err := svc.Grant(gems.Sku, "")
	require.NoError(t, err)

	session := newConnectedSession(t, svc, verifier, connector)
	require.NoError(t, session.Dispose())
	require.Equal(t, billing.StateDisposed, session.State())
	require.False(t, session.InAppSupported())

	ctx := context.Background()
	_, err = session.QueryInventory(ctx, billing.QueryParams{})
	require.ErrorIs(t, err, billing.ErrDisposed)
	require.ErrorIs(t, session.Consume(ctx, p), billing.ErrDisposed)
	_, err = session.Connect(ctx)
	require.ErrorIs(t, err, billing.ErrDisposed)
	require.ErrorIs(t, session.Dispose(), billing.ErrDisposed)
	require.Zero(t, svc.Calls(memory.MethodGetPurchases))
}

func testCallbackSuppressedAfterDispose(t *testing.T, svc *memory.Service, verifier iap.Verifier, connector billing.Connector) {
	session := newConnectedSession(t, svc, verifier, connector)

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	svc.SetHook(func(ctx context.Context, m memory.Method) error {
		if m != memory.MethodGetPurchases {
			return nil
		}
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	called := make(chan struct{}, 1)
	h, err := session.QueryInventoryAsync(context.Background(), billing.QueryParams{}, func(*billing.Result, *iap.Inventory) {
		called <- struct{}{}
	})
	require.NoError(t, err)

	<-entered
	require.Equal(t, billing.OperationQueryInventory, session.InFlight())
	require.NoError(t, session.Dispose())
	close(release)

	waitFor(t, h)
	require.Empty(t, called)
}
