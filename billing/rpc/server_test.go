package rpc

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/billing/memory"
	"github.com/code-payments/flipchat-billing/billing/tests"
	"github.com/code-payments/flipchat-billing/iap"
	iapmemory "github.com/code-payments/flipchat-billing/iap/memory"
	"github.com/code-payments/flipchat-billing/protoutil"
	"github.com/code-payments/flipchat-billing/testutil"
)

const testPackage = "com.example.app"

func startServer(t *testing.T, svc billing.RemoteService, opts ...testutil.ServerOption) *testutil.Server {
	log := zap.Must(zap.NewDevelopment())
	opts = append(opts,
		testutil.WithUnaryServerInterceptor(UnaryServerInterceptors(log)[0]),
		testutil.WithService(func(s *grpc.Server) {
			NewServer(log, svc).Register(s)
		}),
	)
	return testutil.StartGRPCServer(t, opts...)
}

func TestBilling_RPCService(t *testing.T) {
	verifier, signer := iapmemory.MustGenerate()
	svc := memory.NewService(testPackage, signer)
	serv := startServer(t, svc)

	connector := NewConnector(serv.Target(), serv.DialOptions())
	teardown := func() {
		svc.Reset()
	}
	tests.RunSessionTests(t, svc, verifier, connector, teardown)
}

func TestClient_Bundles(t *testing.T) {
	_, signer := iapmemory.MustGenerate()
	svc := memory.NewService(testPackage, signer)
	require.NoError(t, svc.AddProduct(memory.Product{Sku: "gems", ItemType: iap.ItemTypeInApp, Price: "$0.99"}))
	_, err := svc.Grant("gems", "payload")
	require.NoError(t, err)

	client := NewClient(testutil.RunGRPCServer(t, testutil.WithService(func(s *grpc.Server) {
		NewServer(zap.NewNop(), svc).Register(s)
	})))

	ctx := context.Background()
	code, err := client.IsBillingSupported(ctx, billing.APIVersion, testPackage, "inapp")
	require.NoError(t, err)
	require.Equal(t, int(billing.OK), code)

	b, err := client.GetPurchases(ctx, billing.APIVersion, testPackage, "inapp", "")
	require.NoError(t, err)
	respCode, err := b.ResponseCode()
	require.NoError(t, err)
	require.Equal(t, int(billing.OK), respCode)
	skus, ok := b.StringList(billing.KeyItemList)
	require.True(t, ok)
	require.Equal(t, []string{"gems"}, skus)

	b, err = client.GetSkuDetails(ctx, billing.APIVersion, testPackage, "inapp", []string{"gems", "missing"})
	require.NoError(t, err)
	listings, ok := b.StringList(billing.KeySkuDetailsList)
	require.True(t, ok)
	require.Len(t, listings, 1)

	code, err = client.ConsumePurchase(ctx, billing.APIVersion, testPackage, "unknown")
	require.NoError(t, err)
	require.Equal(t, int(billing.ItemNotOwned), code)
	require.NoError(t, client.Close())
}

func TestClient_TransportErrors(t *testing.T) {
	_, signer := iapmemory.MustGenerate()
	svc := memory.NewService(testPackage, signer)
	svc.SetHook(func(_ context.Context, m memory.Method) error {
		if m == memory.MethodGetPurchases {
			return errors.New("backend down")
		}
		if m == memory.MethodConsumePurchase {
			panic("boom")
		}
		return nil
	})

	serv := startServer(t, svc)
	cc, err := grpc.NewClient(serv.Target(), serv.DialOptions()...)
	require.NoError(t, err)
	client := NewClient(cc, WithCloser(cc))
	defer client.Close()

	ctx := context.Background()
	_, err = client.GetPurchases(ctx, billing.APIVersion, testPackage, "inapp", "")
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(errors.Cause(err)))

	_, err = client.ConsumePurchase(ctx, billing.APIVersion, testPackage, "token")
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.Code(errors.Cause(err)))
}

func TestClient_RateLimit(t *testing.T) {
	_, signer := iapmemory.MustGenerate()
	svc := memory.NewService(testPackage, signer)

	var sent atomic.Int32
	serv := startServer(t, svc, testutil.WithUnaryClientInterceptor(
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			sent.Add(1)
			return invoker(ctx, method, req, reply, cc, opts...)
		},
	))

	cc, err := grpc.NewClient(serv.Target(), serv.DialOptions()...)
	require.NoError(t, err)
	client := NewClient(cc, WithCloser(cc), WithRateLimit(rate.Every(time.Hour), 1))
	defer client.Close()

	_, err = client.IsBillingSupported(context.Background(), billing.APIVersion, testPackage, "inapp")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.IsBillingSupported(ctx, billing.APIVersion, testPackage, "inapp")
	require.Error(t, err)
	require.EqualValues(t, 1, sent.Load())
	require.Equal(t, 1, svc.Calls(memory.MethodIsBillingSupported))
}

func TestConnector_NoTarget(t *testing.T) {
	_, err := NewConnector("", nil).Connect(context.Background())
	require.ErrorIs(t, err, billing.ErrServiceNotFound)
}

func TestCodec(t *testing.T) {
	b := billing.Bundle{
		billing.KeyResponseCode:      int(billing.OK),
		billing.KeyItemList:          []string{"a", "b"},
		billing.KeyContinuationToken: "next",
	}

	s, err := toStruct(b)
	require.NoError(t, err)

	expected, err := structpb.NewStruct(map[string]any{
		billing.KeyResponseCode:      0,
		billing.KeyItemList:          []any{"a", "b"},
		billing.KeyContinuationToken: "next",
	})
	require.NoError(t, err)
	require.NoError(t, protoutil.StructEqualError(expected, s))

	decoded := fromStruct(s)
	code, err := decoded.ResponseCode()
	require.NoError(t, err)
	require.Equal(t, 0, code)
	skus, ok := decoded.StringList(billing.KeyItemList)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, skus)

	_, err = toStruct(billing.Bundle{"bad": struct{}{}})
	require.Error(t, err)

	_, err = codeFromStruct(&structpb.Struct{})
	require.ErrorIs(t, err, billing.ErrMalformedBundle)
	_, err = codeFromStruct(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCode: structpb.NewStringValue("0"),
	}})
	require.ErrorIs(t, err, billing.ErrMalformedBundle)

	for _, n := range []float64{0.5, math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err = codeFromStruct(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldCode: structpb.NewNumberValue(n),
		}})
		require.ErrorIs(t, err, billing.ErrMalformedBundle, "accepted code %v", n)
	}

	code, err = codeFromStruct(codeStruct(7))
	require.NoError(t, err)
	require.Equal(t, 7, code)
}
