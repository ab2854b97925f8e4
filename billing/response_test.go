package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseFromCode(t *testing.T) {
	for _, r := range []Response{
		OK, UserCanceled, ServiceUnavailable, ItemUnavailable, DeveloperError, GenericError,
		ItemAlreadyOwned, ItemNotOwned, RemoteTransportFailure, MalformedResponse,
		SignatureVerificationFailed, IntentDispatchFailed, UserCancelledLocally,
		UnrecognizedPurchaseResult, MissingConsumptionToken, UnknownError,
		SubscriptionsUnsupported, InvalidConsumptionTarget, ServiceNotAvailable,
	} {
		require.Equal(t, r, ResponseFromCode(r.Code()))
		require.NotContains(t, r.Description(), "Unknown:")
	}

	for _, code := range []int{2, 9, -1, -1000, -1012, 42} {
		require.Equal(t, UnknownError, ResponseFromCode(code))
	}
	require.Equal(t, "2:Unknown", Response(2).Description())
}

func TestResult(t *testing.T) {
	res := NewResult(OK, "")
	require.True(t, res.IsSuccess())
	require.False(t, res.IsFailure())
	require.Equal(t, "OK", res.Message)

	res = NewResult(ItemAlreadyOwned, "Unable to buy item")
	require.True(t, res.IsFailure())
	require.Equal(t, "Unable to buy item (response: 7:Item Already Owned)", res.Message)

	var err error = res
	wrapped := fmt.Errorf("purchase: %w", err)

	got, ok := AsResult(wrapped)
	require.True(t, ok)
	require.Same(t, res, got)
	require.Equal(t, ItemAlreadyOwned, ResponseOf(wrapped))

	require.Equal(t, OK, ResponseOf(nil))
	require.Equal(t, UnknownError, ResponseOf(errors.New("boom")))
	_, ok = AsResult(ErrDisposed)
	require.False(t, ok)
}
