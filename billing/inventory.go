package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/iap"
)

// QueryParams controls inventory reconciliation.
type QueryParams struct {
	// FetchSkuDetails also fetches listings for every owned sku plus the
	// extra skus below.
	FetchSkuDetails bool

	ExtraInAppSkus        []string
	ExtraSubscriptionSkus []string
}

func (p QueryParams) extraSkus(t iap.ItemType) []string {
	if t == iap.ItemTypeSubscription {
		return p.ExtraSubscriptionSkus
	}
	return p.ExtraInAppSkus
}

type InventoryFinishedFunc func(result *Result, inv *iap.Inventory)

// QueryInventory reconciles owned purchases, and optionally listings, for
// in-app items and, when supported, subscriptions.
//
// Purchases whose signature does not verify are left out. If any were left
// out the reconciled inventory is returned together with a
// SignatureVerificationFailed *Result. Any other failure returns a nil
// inventory and a *Result describing it.
func (s *Session) QueryInventory(ctx context.Context, params QueryParams) (*iap.Inventory, error) {
	svc, subs, err := s.begin(OperationQueryInventory)
	if err != nil {
		return nil, err
	}
	defer s.release(OperationQueryInventory)

	inv, res := s.queryInventory(ctx, svc, subs, params)
	if res.IsFailure() {
		return inv, res
	}
	return inv, nil
}

// QueryInventoryAsync runs QueryInventory through the session's Runner. The
// callback always receives a non-nil Result.
func (s *Session) QueryInventoryAsync(ctx context.Context, params QueryParams, onFinished InventoryFinishedFunc) (*AsyncHandle, error) {
	if onFinished == nil {
		return nil, fmt.Errorf("%w: callback is nil", ErrInvalidArgument)
	}
	svc, subs, err := s.begin(OperationQueryInventory)
	if err != nil {
		return nil, err
	}

	var (
		inv *iap.Inventory
		res *Result
	)
	return s.runAsync(OperationQueryInventory, func() {
		inv, res = s.queryInventory(ctx, svc, subs, params)
	}, func() {
		onFinished(res, inv)
	}), nil
}

func (s *Session) queryInventory(ctx context.Context, svc RemoteService, subsSupported bool, params QueryParams) (*iap.Inventory, *Result) {
	log := s.log.With(zap.String("operation", OperationQueryInventory.String()))

	inv, res := s.reconcile(ctx, log, svc, subsSupported, params)

	var skus []string
	if inv != nil {
		skus = inv.AllOwnedSkus()
	}
	s.record(OperationQueryInventory, res, Event{Kind: EventInventoryQueried, Skus: skus})
	return inv, res
}

func (s *Session) reconcile(ctx context.Context, log *zap.Logger, svc RemoteService, subsSupported bool, params QueryParams) (*iap.Inventory, *Result) {
	if svc == nil {
		return nil, NewResult(ServiceNotAvailable, "Billing service unavailable on device.")
	}

	types := []iap.ItemType{iap.ItemTypeInApp}
	if subsSupported {
		types = append(types, iap.ItemTypeSubscription)
	}

	inv := iap.NewInventory()
	verificationFailed := false
	for _, t := range types {
		failed, res := s.queryPurchases(ctx, log, svc, inv, t)
		if res != nil {
			return nil, res
		}
		verificationFailed = verificationFailed || failed

		if !params.FetchSkuDetails {
			continue
		}
		if res := s.querySkuDetails(ctx, log, svc, inv, t, params.extraSkus(t)); res != nil {
			return nil, res
		}
	}

	if verificationFailed {
		return inv, NewResult(SignatureVerificationFailed, "Error refreshing inventory (querying owned items).")
	}
	return inv, NewResult(OK, "Inventory refresh successful.")
}

// queryPurchases pages through the owned purchases of one type. It reports
// whether any purchase failed signature verification.
func (s *Session) queryPurchases(ctx context.Context, log *zap.Logger, svc RemoteService, inv *iap.Inventory, t iap.ItemType) (bool, *Result) {
	log = log.With(zap.Stringer("item_type", t))

	verificationFailed := false
	continuationToken := ""
	for page := 0; ; page++ {
		log.Debug("Querying owned items", zap.Int("page", page))

		bundle, err := svc.GetPurchases(ctx, APIVersion, s.packageName, t.String(), continuationToken)
		if err != nil {
			log.Error("Remote failure querying owned items", zap.Error(err))
			return false, NewResult(RemoteTransportFailure, "Remote exception while refreshing inventory.")
		}

		code, err := bundle.ResponseCode()
		if err != nil {
			log.Warn("Malformed owned items response", zap.Error(err))
			return false, NewResult(MalformedResponse, "Failed to read owned items response.")
		}
		if code != int(OK) {
			return false, NewResult(ResponseFromCode(code), "Error refreshing inventory (querying owned items).")
		}

		skus, okSkus := bundle.StringList(KeyItemList)
		data, okData := bundle.StringList(KeyPurchaseDataList)
		signatures, okSignatures := bundle.StringList(KeySignatureList)
		if !okSkus || !okData || !okSignatures {
			log.Warn("Owned items response is missing purchase lists")
			return false, NewResult(MalformedResponse, "Bundle returned from getPurchases() doesn't contain required fields.")
		}
		if len(skus) != len(data) || len(data) != len(signatures) {
			log.Warn("Owned items response has mismatched lists",
				zap.Int("skus", len(skus)),
				zap.Int("data", len(data)),
				zap.Int("signatures", len(signatures)),
			)
			return false, NewResult(MalformedResponse, "Bundle returned from getPurchases() has mismatched lists.")
		}

		for i := range data {
			if !s.verifier.Verify([]byte(data[i]), signatures[i]) {
				log.Warn("Purchase signature verification failed, not adding item", zap.String("sku", skus[i]))
				verificationFailed = true
				continue
			}

			p, err := iap.ParsePurchase(t, data[i], signatures[i])
			if err != nil {
				log.Warn("Failed to parse owned purchase", zap.String("sku", skus[i]), zap.Error(err))
				return false, NewResult(MalformedResponse, "Failed to parse purchase data.")
			}
			if p.Token() == "" {
				log.Warn("Purchase has an empty consumption token", zap.String("sku", p.Sku()))
			}
			inv.AddPurchase(p)
		}

		continuationToken, _ = bundle.String(KeyContinuationToken)
		if continuationToken == "" {
			return verificationFailed, nil
		}
	}
}

func (s *Session) querySkuDetails(ctx context.Context, log *zap.Logger, svc RemoteService, inv *iap.Inventory, t iap.ItemType, extra []string) *Result {
	log = log.With(zap.Stringer("item_type", t))

	worklist := inv.OwnedSkus(t)
	seen := make(map[string]struct{}, len(worklist)+len(extra))
	for _, sku := range worklist {
		seen[sku] = struct{}{}
	}
	for _, sku := range extra {
		if _, ok := seen[sku]; ok || sku == "" {
			continue
		}
		seen[sku] = struct{}{}
		worklist = append(worklist, sku)
	}

	if len(worklist) == 0 {
		log.Debug("No skus to fetch details for")
		return nil
	}

	log.Debug("Querying sku details", zap.Strings("skus", worklist))
	bundle, err := svc.GetSkuDetails(ctx, APIVersion, s.packageName, t.String(), worklist)
	if err != nil {
		log.Error("Remote failure querying sku details", zap.Error(err))
		return NewResult(RemoteTransportFailure, "Remote exception while querying sku details.")
	}

	listings, ok := bundle.StringList(KeySkuDetailsList)
	if !ok {
		code, err := bundle.ResponseCode()
		if err != nil {
			log.Warn("Malformed sku details response", zap.Error(err))
			return NewResult(MalformedResponse, "Failed to read sku details response.")
		}
		if code != int(OK) {
			return NewResult(ResponseFromCode(code), "Error refreshing inventory (querying prices of items).")
		}
		log.Warn("Sku details response contained neither an error nor a detail list")
		return NewResult(MalformedResponse, "Sku details response contained no detail list.")
	}

	for _, listing := range listings {
		d, err := iap.ParseSkuDetails(t, listing)
		if err != nil {
			log.Warn("Failed to parse sku details", zap.Error(err))
			return NewResult(MalformedResponse, "Failed to parse sku details.")
		}
		inv.AddSkuDetails(d)
	}
	return nil
}
