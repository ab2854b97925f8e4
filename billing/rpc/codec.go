package rpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/flipchat-billing/billing"
)

const ServiceName = "billing.v1.Billing"

const (
	methodIsBillingSupported = "IsBillingSupported"
	methodGetBuyIntent       = "GetBuyIntent"
	methodGetPurchases       = "GetPurchases"
	methodGetSkuDetails      = "GetSkuDetails"
	methodConsumePurchase    = "ConsumePurchase"
)

// Request fields.
const (
	fieldAPIVersion        = "api_version"
	fieldPackageName       = "package_name"
	fieldItemType          = "item_type"
	fieldSku               = "sku"
	fieldDeveloperPayload  = "developer_payload"
	fieldContinuationToken = "continuation_token"
	fieldSkus              = "skus"
	fieldToken             = "token"
	fieldCode              = "code"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// toStruct encodes a Bundle. String lists are widened to []any, which is
// what structpb accepts.
func toStruct(b billing.Bundle) (*structpb.Struct, error) {
	fields := make(map[string]any, len(b))
	for k, v := range b {
		switch t := v.(type) {
		case []string:
			fields[k] = stringsToAny(t)
		default:
			fields[k] = v
		}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return s, nil
}

// fromStruct decodes a Bundle. Numbers come back as float64 and lists as
// []any; Bundle accessors accept both.
func fromStruct(s *structpb.Struct) billing.Bundle {
	if s == nil {
		return billing.Bundle{}
	}
	return billing.Bundle(s.AsMap())
}

func codeStruct(code int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCode: structpb.NewNumberValue(float64(code)),
	}}
}

func codeFromStruct(s *structpb.Struct) (int, error) {
	v, ok := s.GetFields()[fieldCode]
	if !ok {
		return 0, fmt.Errorf("%w: response has no code", billing.ErrMalformedBundle)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: code is not a number", billing.ErrMalformedBundle)
	}
	return billing.DecodeResponseCode(n.NumberValue)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

type request struct {
	fields map[string]*structpb.Value
}

func (r request) string(key string) string {
	return r.fields[key].GetStringValue()
}

func (r request) int(key string) int {
	return int(r.fields[key].GetNumberValue())
}

func (r request) strings(key string) []string {
	var out []string
	for _, v := range r.fields[key].GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}
