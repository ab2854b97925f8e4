package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/iap"
)

type ConsumeFinishedFunc func(purchase *iap.Purchase, result *Result)

// ConsumeAllFinishedFunc receives one result per purchase, in order.
type ConsumeAllFinishedFunc func(purchases []*iap.Purchase, results []*Result)

// Consume consumes a single in-app purchase so it can be bought again. It
// returns nil on success and a *Result otherwise.
func (s *Session) Consume(ctx context.Context, purchase *iap.Purchase) error {
	if purchase == nil {
		return fmt.Errorf("%w: purchase is nil", ErrInvalidArgument)
	}
	svc, _, err := s.begin(OperationConsume)
	if err != nil {
		return err
	}
	defer s.release(OperationConsume)

	res := s.consume(ctx, svc, purchase)
	s.record(OperationConsume, res, Event{Kind: EventConsumed, Sku: purchase.Sku()})
	if res.IsFailure() {
		return res
	}
	return nil
}

// ConsumeAll consumes purchases one after another. A failure does not stop
// the batch; the returned results line up with purchases.
func (s *Session) ConsumeAll(ctx context.Context, purchases []*iap.Purchase) ([]*Result, error) {
	if err := validatePurchases(purchases); err != nil {
		return nil, err
	}
	svc, _, err := s.begin(OperationConsumeAll)
	if err != nil {
		return nil, err
	}
	defer s.release(OperationConsumeAll)

	return s.consumeAll(ctx, svc, purchases), nil
}

func (s *Session) ConsumeAsync(ctx context.Context, purchase *iap.Purchase, onFinished ConsumeFinishedFunc) (*AsyncHandle, error) {
	if purchase == nil {
		return nil, fmt.Errorf("%w: purchase is nil", ErrInvalidArgument)
	}
	if onFinished == nil {
		return nil, fmt.Errorf("%w: callback is nil", ErrInvalidArgument)
	}
	svc, _, err := s.begin(OperationConsume)
	if err != nil {
		return nil, err
	}

	var res *Result
	return s.runAsync(OperationConsume, func() {
		res = s.consume(ctx, svc, purchase)
		s.record(OperationConsume, res, Event{Kind: EventConsumed, Sku: purchase.Sku()})
	}, func() {
		onFinished(purchase, res)
	}), nil
}

// ConsumeAllAsync runs ConsumeAll through the session's Runner. onFinished is
// called once with every result.
func (s *Session) ConsumeAllAsync(ctx context.Context, purchases []*iap.Purchase, onFinished ConsumeAllFinishedFunc) (*AsyncHandle, error) {
	if err := validatePurchases(purchases); err != nil {
		return nil, err
	}
	if onFinished == nil {
		return nil, fmt.Errorf("%w: callback is nil", ErrInvalidArgument)
	}
	svc, _, err := s.begin(OperationConsumeAll)
	if err != nil {
		return nil, err
	}

	var results []*Result
	return s.runAsync(OperationConsumeAll, func() {
		results = s.consumeAll(ctx, svc, purchases)
	}, func() {
		onFinished(purchases, results)
	}), nil
}

func validatePurchases(purchases []*iap.Purchase) error {
	for i, p := range purchases {
		if p == nil {
			return fmt.Errorf("%w: purchase %d is nil", ErrInvalidArgument, i)
		}
	}
	return nil
}

func (s *Session) consumeAll(ctx context.Context, svc RemoteService, purchases []*iap.Purchase) []*Result {
	results := make([]*Result, 0, len(purchases))
	for _, p := range purchases {
		res := s.consume(ctx, svc, p)
		s.record(OperationConsumeAll, res, Event{Kind: EventConsumed, Sku: p.Sku()})
		results = append(results, res)
	}
	return results
}

func (s *Session) consume(ctx context.Context, svc RemoteService, p *iap.Purchase) *Result {
	log := s.log.With(
		zap.String("operation", OperationConsume.String()),
		zap.String("sku", p.Sku()),
	)

	if p.ItemType() != iap.ItemTypeInApp {
		return NewResult(InvalidConsumptionTarget, fmt.Sprintf("Items of type '%s' can't be consumed.", p.ItemType()))
	}
	if p.Token() == "" {
		log.Warn("Can't consume purchase with no token")
		return NewResult(MissingConsumptionToken, "PurchaseInfo is missing token for sku: "+p.Sku())
	}
	if svc == nil {
		return NewResult(ServiceNotAvailable, "Billing service unavailable on device.")
	}

	log.Debug("Consuming purchase")
	code, err := svc.ConsumePurchase(ctx, APIVersion, s.packageName, p.Token())
	if err != nil {
		log.Error("Remote failure consuming purchase", zap.Error(err))
		return NewResult(RemoteTransportFailure, "Remote exception while consuming. PurchaseInfo: "+p.String())
	}
	if code != int(OK) {
		log.Warn("Failed to consume purchase", zap.Int("code", code))
		return NewResult(ResponseFromCode(code), "Error consuming sku "+p.Sku())
	}

	log.Debug("Successfully consumed purchase")
	return NewResult(OK, "Successful consume of sku "+p.Sku())
}
