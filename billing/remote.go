package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// APIVersion is the billing protocol version every remote call is made with.
const APIVersion = 3

var ErrServiceNotFound = errors.New("billing service not found")

// RemoteService is the remote billing service. Implementations may block on
// I/O and must honour ctx.
type RemoteService interface {
	IsBillingSupported(ctx context.Context, apiVersion int, packageName, itemType string) (int, error)
	GetBuyIntent(ctx context.Context, apiVersion int, packageName, sku, itemType, developerPayload string) (Bundle, error)
	GetPurchases(ctx context.Context, apiVersion int, packageName, itemType, continuationToken string) (Bundle, error)
	GetSkuDetails(ctx context.Context, apiVersion int, packageName, itemType string, skus []string) (Bundle, error)
	ConsumePurchase(ctx context.Context, apiVersion int, packageName, token string) (int, error)
}

// Connector binds to a RemoteService. It returns ErrServiceNotFound when no
// billing service exists on the platform.
type Connector interface {
	Connect(ctx context.Context) (RemoteService, error)
}

type ConnectorFunc func(ctx context.Context) (RemoteService, error)

func (f ConnectorFunc) Connect(ctx context.Context) (RemoteService, error) {
	return f(ctx)
}

// StaticConnector always binds to svc. A nil svc behaves as an absent
// billing service.
func StaticConnector(svc RemoteService) Connector {
	return ConnectorFunc(func(context.Context) (RemoteService, error) {
		if svc == nil {
			return nil, ErrServiceNotFound
		}
		return svc, nil
	})
}

// RequestToken correlates a launched purchase flow with its completion.
type RequestToken string

func NewRequestToken() RequestToken {
	return RequestToken(uuid.New().String())
}

// ResultStatus is the host-level status delivered with a purchase-flow
// completion.
type ResultStatus int

const (
	ResultCanceled ResultStatus = 0
	ResultOK       ResultStatus = -1
)

func (s ResultStatus) String() string {
	switch s {
	case ResultOK:
		return "ok"
	case ResultCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Launcher hands an opaque purchase intent to the host, which presents the
// purchase UI and later reports back through Session.CompletePurchase with
// the same token.
type Launcher interface {
	Launch(ctx context.Context, intent string, token RequestToken) error
}

type LauncherFunc func(ctx context.Context, intent string, token RequestToken) error

func (f LauncherFunc) Launch(ctx context.Context, intent string, token RequestToken) error {
	return f(ctx, intent, token)
}
