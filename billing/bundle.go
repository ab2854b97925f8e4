package billing

import (
	"fmt"
	"math"
)

// Bundle keys used by the billing service protocol.
const (
	KeyResponseCode      = "RESPONSE_CODE"
	KeySkuDetailsList    = "DETAILS_LIST"
	KeyBuyIntent         = "BUY_INTENT"
	KeyPurchaseData      = "INAPP_PURCHASE_DATA"
	KeySignature         = "INAPP_DATA_SIGNATURE"
	KeyItemList          = "INAPP_PURCHASE_ITEM_LIST"
	KeyPurchaseDataList  = "INAPP_PURCHASE_DATA_LIST"
	KeySignatureList     = "INAPP_DATA_SIGNATURE_LIST"
	KeyContinuationToken = "INAPP_CONTINUATION_TOKEN"
	KeySkuList           = "ITEM_ID_LIST"
)

// Bundle is the loosely typed key/value container exchanged with the billing
// service.
type Bundle map[string]any

func (b Bundle) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// ResponseCode reads KeyResponseCode. A missing code is treated as OK, which
// is how the billing service reports success on some paths. Any integer
// width is accepted, as are integral floats produced by JSON style codecs.
func (b Bundle) ResponseCode() (int, error) {
	v, ok := b[KeyResponseCode]
	if !ok || v == nil {
		return int(OK), nil
	}
	return DecodeResponseCode(v)
}

// DecodeResponseCode converts a response code value as found in a Bundle or
// on the wire. Integers of any width are accepted when they fit an int, as
// are finite integral floats.
func DecodeResponseCode(v any) (int, error) {
	switch c := v.(type) {
	case int:
		return c, nil
	case int8:
		return int(c), nil
	case int16:
		return int(c), nil
	case int32:
		return int(c), nil
	case int64:
		return intFromInt64(c)
	case uint:
		return intFromUint64(uint64(c))
	case uint8:
		return int(c), nil
	case uint16:
		return int(c), nil
	case uint32:
		return intFromUint64(uint64(c))
	case uint64:
		return intFromUint64(c)
	case float32:
		return intFromFloat(float64(c))
	case float64:
		return intFromFloat(c)
	default:
		return 0, fmt.Errorf("%w: unexpected type for response code: %T", ErrMalformedBundle, v)
	}
}

func intFromInt64(c int64) (int, error) {
	if c < math.MinInt || c > math.MaxInt {
		return 0, fmt.Errorf("%w: response code %d out of range", ErrMalformedBundle, c)
	}
	return int(c), nil
}

func intFromUint64(c uint64) (int, error) {
	if c > math.MaxInt {
		return 0, fmt.Errorf("%w: response code %d out of range", ErrMalformedBundle, c)
	}
	return int(c), nil
}

func intFromFloat(c float64) (int, error) {
	if math.IsInf(c, 0) || math.IsNaN(c) || c != math.Trunc(c) {
		return 0, fmt.Errorf("%w: non-integral response code %v", ErrMalformedBundle, c)
	}
	// 2^63 is exactly representable; anything at or beyond it overflows int64.
	if c < math.MinInt64 || c >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: response code %v out of range", ErrMalformedBundle, c)
	}
	return intFromInt64(int64(c))
}

// String reads a string value. It reports false when the key is missing or
// holds another type.
func (b Bundle) String(key string) (string, bool) {
	s, ok := b[key].(string)
	return s, ok
}

// StringList reads a list of strings. Lists decoded from generic codecs
// arrive as []any and are accepted if every element is a string.
func (b Bundle) StringList(key string) ([]string, bool) {
	switch l := b[key].(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, v := range l {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
