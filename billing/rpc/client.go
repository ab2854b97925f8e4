package rpc

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/flipchat-billing/billing"
)

type ClientOption func(*clientOpts)

type clientOpts struct {
	limiter *rate.Limiter
	closer  io.Closer
}

// WithRateLimit throttles remote calls to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(o *clientOpts) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// WithCloser closes c when the client is closed, typically the connection
// the client was built on.
func WithCloser(c io.Closer) ClientOption {
	return func(o *clientOpts) {
		o.closer = c
	}
}

// Client is a billing.RemoteService backed by a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
	o  clientOpts
}

func NewClient(cc grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{cc: cc}
	for _, opt := range opts {
		opt(&c.o)
	}
	return c
}

func (c *Client) IsBillingSupported(ctx context.Context, apiVersion int, packageName, itemType string) (int, error) {
	resp, err := c.invoke(ctx, methodIsBillingSupported, map[string]any{
		fieldAPIVersion:  apiVersion,
		fieldPackageName: packageName,
		fieldItemType:    itemType,
	})
	if err != nil {
		return 0, err
	}
	return codeFromStruct(resp)
}

func (c *Client) GetBuyIntent(ctx context.Context, apiVersion int, packageName, sku, itemType, developerPayload string) (billing.Bundle, error) {
	resp, err := c.invoke(ctx, methodGetBuyIntent, map[string]any{
		fieldAPIVersion:       apiVersion,
		fieldPackageName:      packageName,
		fieldSku:              sku,
		fieldItemType:         itemType,
		fieldDeveloperPayload: developerPayload,
	})
	if err != nil {
		return nil, err
	}
	return fromStruct(resp), nil
}

func (c *Client) GetPurchases(ctx context.Context, apiVersion int, packageName, itemType, continuationToken string) (billing.Bundle, error) {
	resp, err := c.invoke(ctx, methodGetPurchases, map[string]any{
		fieldAPIVersion:        apiVersion,
		fieldPackageName:       packageName,
		fieldItemType:          itemType,
		fieldContinuationToken: continuationToken,
	})
	if err != nil {
		return nil, err
	}
	return fromStruct(resp), nil
}

func (c *Client) GetSkuDetails(ctx context.Context, apiVersion int, packageName, itemType string, skus []string) (billing.Bundle, error) {
	resp, err := c.invoke(ctx, methodGetSkuDetails, map[string]any{
		fieldAPIVersion:  apiVersion,
		fieldPackageName: packageName,
		fieldItemType:    itemType,
		fieldSkus:        stringsToAny(skus),
	})
	if err != nil {
		return nil, err
	}
	return fromStruct(resp), nil
}

func (c *Client) ConsumePurchase(ctx context.Context, apiVersion int, packageName, token string) (int, error) {
	resp, err := c.invoke(ctx, methodConsumePurchase, map[string]any{
		fieldAPIVersion:  apiVersion,
		fieldPackageName: packageName,
		fieldToken:       token,
	})
	if err != nil {
		return 0, err
	}
	return codeFromStruct(resp)
}

func (c *Client) Close() error {
	if c.o.closer == nil {
		return nil
	}
	return c.o.closer.Close()
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	if c.o.limiter != nil {
		if err := c.o.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "rate limited calling %s", method)
		}
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s request", method)
	}

	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, errors.Wrapf(err, "failed to call %s", method)
	}
	return resp, nil
}

// NewConnector returns a billing.Connector that opens a new connection to
// target on every Connect. The connection is closed when the session is
// disposed.
func NewConnector(target string, dialOpts []grpc.DialOption, opts ...ClientOption) billing.Connector {
	return billing.ConnectorFunc(func(ctx context.Context) (billing.RemoteService, error) {
		if target == "" {
			return nil, billing.ErrServiceNotFound
		}
		do := dialOpts
		if len(do) == 0 {
			do = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		}

		cc, err := grpc.NewClient(target, do...)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create client for %s", target)
		}

		clientOpts := append([]ClientOption{WithCloser(cc)}, opts...)
		return NewClient(cc, clientOpts...), nil
	})
}
