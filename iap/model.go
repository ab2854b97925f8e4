package iap

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
)

var (
	ErrEmptySku        = errors.New("sku is empty")
	ErrUnknownItemType = errors.New("item type is unknown")
)

type ItemType uint8

const (
	ItemTypeUnknown ItemType = iota
	ItemTypeInApp
	ItemTypeSubscription
)

// String returns the wire token for the item type.
func (t ItemType) String() string {
	switch t {
	case ItemTypeInApp:
		return "inapp"
	case ItemTypeSubscription:
		return "subs"
	default:
		return "unknown"
	}
}

// ParseItemType maps a wire token to an ItemType. Anything unrecognized is
// ItemTypeUnknown.
func ParseItemType(token string) ItemType {
	switch token {
	case "inapp":
		return ItemTypeInApp
	case "subs":
		return ItemTypeSubscription
	default:
		return ItemTypeUnknown
	}
}

type PurchaseState uint8

const (
	PurchaseStateUnknown PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStateCanceled
	PurchaseStateRefunded
)

func PurchaseStateFromCode(code int) PurchaseState {
	switch code {
	case 0:
		return PurchaseStatePurchased
	case 1:
		return PurchaseStateCanceled
	case 2:
		return PurchaseStateRefunded
	default:
		return PurchaseStateUnknown
	}
}

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStateCanceled:
		return "canceled"
	case PurchaseStateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Purchase is a single purchase receipt as reported by the billing service.
// It is created once from the wire payload and never mutated.
type Purchase struct {
	itemType         ItemType
	orderID          string
	packageName      string
	sku              string
	purchaseTime     int64
	purchaseState    PurchaseState
	developerPayload string
	token            string
	originalJSON     string
	signature        string
}

// ParsePurchase parses purchase data as returned by the billing service. The
// consumption token is read from "token", falling back to "purchaseToken".
func ParsePurchase(itemType ItemType, purchaseData, signature string) (*Purchase, error) {
	fields, err := decodeObject(purchaseData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse purchase data: %w", err)
	}

	token := optString(fields, "token")
	if _, ok := fields["token"]; !ok {
		token = optString(fields, "purchaseToken")
	}

	p := &Purchase{
		itemType:         itemType,
		orderID:          optString(fields, "orderId"),
		packageName:      optString(fields, "packageName"),
		sku:              optString(fields, "productId"),
		purchaseTime:     optInt64(fields, "purchaseTime"),
		purchaseState:    PurchaseStateFromCode(int(optInt64(fields, "purchaseState"))),
		developerPayload: optString(fields, "developerPayload"),
		token:            token,
		originalJSON:     purchaseData,
		signature:        signature,
	}
	if p.sku == "" {
		return nil, ErrEmptySku
	}
	return p, nil
}

func (p *Purchase) ItemType() ItemType           { return p.itemType }
func (p *Purchase) OrderID() string              { return p.orderID }
func (p *Purchase) PackageName() string          { return p.packageName }
func (p *Purchase) Sku() string                  { return p.sku }
func (p *Purchase) PurchaseTimeMillis() int64    { return p.purchaseTime }
func (p *Purchase) PurchaseState() PurchaseState { return p.purchaseState }
func (p *Purchase) DeveloperPayload() string     { return p.developerPayload }
func (p *Purchase) Token() string                { return p.token }
func (p *Purchase) OriginalJSON() string         { return p.originalJSON }
func (p *Purchase) Signature() string            { return p.signature }
func (p *Purchase) PurchaseTime() time.Time      { return time.UnixMilli(p.purchaseTime) }
func (p *Purchase) Payload() []byte              { return []byte(p.originalJSON) }

// ReceiptID identifies the receipt by the hash of its original payload.
func (p *Purchase) ReceiptID() []byte {
	hasher := sha256.New()
	hasher.Write([]byte(p.originalJSON))
	return hasher.Sum(nil)
}

func (p *Purchase) ReceiptIDString() string {
	return base58.Encode(p.ReceiptID())
}

func (p *Purchase) String() string {
	return fmt.Sprintf("Purchase(type:%s):%s", p.itemType, p.originalJSON)
}

func decodeObject(data string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("payload is not an object")
	}
	return fields, nil
}

// optString reads a field leniently: missing or null yields "", scalars are
// rendered as strings.
func optString(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// optInt64 reads an integer field leniently: missing or unparseable yields 0.
func optInt64(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return 0
}
