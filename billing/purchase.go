package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/iap"
)

// PurchaseFinishedFunc receives the outcome of a purchase flow. purchase is
// set on success and on SignatureVerificationFailed.
type PurchaseFinishedFunc func(result *Result, purchase *iap.Purchase)

type PurchaseParams struct {
	Sku              string
	ItemType         iap.ItemType
	RequestToken     RequestToken
	DeveloperPayload string
}

func (p PurchaseParams) validate() error {
	if p.Sku == "" {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, iap.ErrEmptySku)
	}
	if p.ItemType != iap.ItemTypeInApp && p.ItemType != iap.ItemTypeSubscription {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, iap.ErrUnknownItemType)
	}
	if p.RequestToken == "" {
		return fmt.Errorf("%w: request token is empty", ErrInvalidArgument)
	}
	return nil
}

// BeginPurchase starts a purchase flow. On success the intent is handed to
// launcher and the session stays busy until CompletePurchase is called with
// the same request token. Failures before the launch are reported to
// onFinished synchronously.
func (s *Session) BeginPurchase(ctx context.Context, launcher Launcher, params PurchaseParams, onFinished PurchaseFinishedFunc) error {
	if launcher == nil {
		return fmt.Errorf("%w: launcher is nil", ErrInvalidArgument)
	}
	if onFinished == nil {
		return fmt.Errorf("%w: callback is nil", ErrInvalidArgument)
	}
	if err := params.validate(); err != nil {
		return err
	}

	svc, _, err := s.begin(OperationPurchase)
	if err != nil {
		return err
	}

	log := s.log.With(
		zap.String("operation", OperationPurchase.String()),
		zap.String("sku", params.Sku),
		zap.Stringer("item_type", params.ItemType),
	)

	fail := func(res *Result) error {
		log.Warn("Purchase flow failed", zap.Stringer("response", res.Response), zap.String("message", res.Message))
		s.release(OperationPurchase)
		s.record(OperationPurchase, res, Event{Kind: EventPurchaseFinished, Sku: params.Sku})
		if !s.IsDisposed() {
			onFinished(res, nil)
		}
		return nil
	}

	switch {
	case svc == nil:
		return fail(NewResult(ServiceNotAvailable, "Billing service unavailable on device."))
	case params.ItemType == iap.ItemTypeInApp && !s.InAppSupported():
		return fail(NewResult(ServiceUnavailable, "In-app billing not available."))
	case params.ItemType == iap.ItemTypeSubscription && !s.SubscriptionsSupported():
		return fail(NewResult(SubscriptionsUnsupported, "Subscriptions are not available."))
	}

	log.Debug("Constructing buy intent")
	bundle, err := svc.GetBuyIntent(ctx, APIVersion, s.packageName, params.Sku, params.ItemType.String(), params.DeveloperPayload)
	if err != nil {
		log.Error("Remote failure requesting buy intent", zap.Error(err))
		return fail(NewResult(RemoteTransportFailure, "Remote exception while starting purchase flow"))
	}

	code, err := bundle.ResponseCode()
	if err != nil {
		log.Warn("Malformed buy intent response", zap.Error(err))
		return fail(NewResult(MalformedResponse, "Failed to read buy intent response."))
	}
	if code != int(OK) {
		return fail(NewResult(ResponseFromCode(code), "Unable to buy item"))
	}

	intent, _ := bundle.String(KeyBuyIntent)
	if intent == "" {
		return fail(NewResult(IntentDispatchFailed, "Buy intent missing from response."))
	}

	p := &pendingPurchase{
		token:      params.RequestToken,
		sku:        params.Sku,
		itemType:   params.ItemType,
		onFinished: onFinished,
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return fmt.Errorf("%w: disposed while starting purchase", ErrDisposed)
	}
	s.pending = p
	s.mu.Unlock()

	log.Debug("Launching buy intent", zap.String("request_token", string(params.RequestToken)))
	if err := launcher.Launch(ctx, intent, params.RequestToken); err != nil {
		log.Error("Failed to launch buy intent", zap.Error(err))

		// The host may already have completed the flow before failing.
		s.mu.Lock()
		abandoned := s.pending == p
		if abandoned {
			s.pending = nil
		}
		s.mu.Unlock()

		if abandoned {
			return fail(NewResult(IntentDispatchFailed, "Failed to send intent."))
		}
	}
	return nil
}

// CompletePurchase delivers the host's result for a launched purchase flow.
// It reports whether the token matched the pending flow; unmatched results
// are ignored without touching session state.
func (s *Session) CompletePurchase(token RequestToken, status ResultStatus, payload Bundle) bool {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.token != token {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.releaseLocked(OperationPurchase)
	s.mu.Unlock()

	log := s.log.With(
		zap.String("operation", OperationPurchase.String()),
		zap.String("sku", p.sku),
		zap.Stringer("status", status),
	)

	res, purchase := s.purchaseOutcome(log, p, status, payload)
	if res.IsSuccess() {
		log.Debug("Purchase successful", zap.String("order_id", purchase.OrderID()))
	} else {
		log.Warn("Purchase flow finished unsuccessfully", zap.Stringer("response", res.Response), zap.String("message", res.Message))
	}

	s.record(OperationPurchase, res, Event{Kind: EventPurchaseFinished, Sku: p.sku})
	p.onFinished(res, purchase)
	return true
}

func (s *Session) purchaseOutcome(log *zap.Logger, p *pendingPurchase, status ResultStatus, payload Bundle) (*Result, *iap.Purchase) {
	if payload == nil {
		return NewResult(MalformedResponse, "Null data in purchase result."), nil
	}

	switch status {
	case ResultCanceled:
		return NewResult(UserCancelledLocally, "User canceled."), nil
	case ResultOK:
	default:
		log.Warn("Unrecognized purchase result status", zap.Stringer("status", status))
		return NewResult(UnrecognizedPurchaseResult, "Unknown purchase response."), nil
	}

	code, err := payload.ResponseCode()
	if err != nil {
		log.Warn("Malformed purchase result", zap.Error(err))
		return NewResult(MalformedResponse, "Failed to read purchase result."), nil
	}
	if code != int(OK) {
		return NewResult(ResponseFromCode(code), "Problem purchasing item."), nil
	}

	data, hasData := payload.String(KeyPurchaseData)
	signature, hasSignature := payload.String(KeySignature)
	if !hasData || !hasSignature {
		return NewResult(UnknownError, "IAB returned null purchaseData or dataSignature"), nil
	}

	purchase, err := iap.ParsePurchase(p.itemType, data, signature)
	if err != nil {
		log.Warn("Failed to parse purchase data", zap.Error(err))
		return NewResult(MalformedResponse, "Failed to parse purchase data."), nil
	}
	if !iap.VerifyPurchase(s.verifier, purchase) {
		return NewResult(SignatureVerificationFailed, "Signature verification failed for sku "+purchase.Sku()), purchase
	}
	return NewResult(OK, "Success"), purchase
}
