package iap

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// TestSkuPrefix is shared by the reserved skus the billing service answers
// with canned responses.
const TestSkuPrefix = "android.test."

var (
	TestSkuPurchased   = mustNewSkuDetails(ItemTypeInApp, TestSkuPrefix+"purchased", "", "Sample Title", "Sample Description")
	TestSkuCanceled    = mustNewSkuDetails(ItemTypeInApp, TestSkuPrefix+"canceled", "", "Sample Title", "Sample Description")
	TestSkuRefunded    = mustNewSkuDetails(ItemTypeInApp, TestSkuPrefix+"refunded", "", "Sample Title", "Sample Description")
	TestSkuUnavailable = mustNewSkuDetails(ItemTypeInApp, TestSkuPrefix+"item_unavailable", "", "Sample Title", "Sample Description")
)

// SkuDetails is a product listing.
type SkuDetails struct {
	sku         string
	rawType     string
	itemType    ItemType
	price       string
	title       string
	description string
	json        string

	priceAmount  decimal.Decimal
	currencyCode string
}

// ParseSkuDetails parses a listing returned by the billing service. When
// itemType is ItemTypeUnknown the type is resolved from the listing's "type"
// field.
func ParseSkuDetails(itemType ItemType, listing string) (*SkuDetails, error) {
	fields, err := decodeObject(listing)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sku details: %w", err)
	}

	d := &SkuDetails{
		sku:         optString(fields, "productId"),
		rawType:     optString(fields, "type"),
		price:       optString(fields, "price"),
		title:       optString(fields, "title"),
		description: optString(fields, "description"),
		json:        listing,
	}
	if d.sku == "" {
		return nil, ErrEmptySku
	}

	d.itemType = itemType
	if d.itemType == ItemTypeUnknown {
		d.itemType = ParseItemType(d.rawType)
	}
	if d.itemType == ItemTypeUnknown {
		return nil, fmt.Errorf("%w: sku %s has type %q", ErrUnknownItemType, d.sku, d.rawType)
	}
	if d.rawType == "" {
		d.rawType = d.itemType.String()
	}

	if _, ok := fields["price_amount_micros"]; ok {
		d.priceAmount = decimal.New(optInt64(fields, "price_amount_micros"), -6)
	}
	// An unrecognized currency leaves CurrencyCode empty; the listing stays usable.
	if unit, err := currency.ParseISO(optString(fields, "price_currency_code")); err == nil {
		d.currencyCode = unit.String()
	}

	return d, nil
}

// NewSkuDetails builds a listing locally, without a wire payload.
func NewSkuDetails(itemType ItemType, sku, price, title, description string) (*SkuDetails, error) {
	if itemType == ItemTypeUnknown {
		return nil, ErrUnknownItemType
	}
	if sku == "" {
		return nil, ErrEmptySku
	}
	return &SkuDetails{
		sku:         sku,
		rawType:     itemType.String(),
		itemType:    itemType,
		price:       price,
		title:       title,
		description: description,
	}, nil
}

func mustNewSkuDetails(itemType ItemType, sku, price, title, description string) *SkuDetails {
	d, err := NewSkuDetails(itemType, sku, price, title, description)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *SkuDetails) Sku() string { return d.sku }

// Price is the formatted price including the currency sign, excluding tax.
func (d *SkuDetails) Price() string { return d.price }

func (d *SkuDetails) Title() string       { return d.title }
func (d *SkuDetails) Description() string { return d.description }
func (d *SkuDetails) RawType() string     { return d.rawType }
func (d *SkuDetails) ItemType() ItemType  { return d.itemType }
func (d *SkuDetails) JSON() string        { return d.json }

// PriceAmount is the price in units of CurrencyCode. It is zero when the
// listing did not carry price_amount_micros.
func (d *SkuDetails) PriceAmount() decimal.Decimal { return d.priceAmount }

func (d *SkuDetails) CurrencyCode() string { return d.currencyCode }

func (d *SkuDetails) IsTestSku() bool {
	return strings.HasPrefix(d.sku, TestSkuPrefix)
}

func (d *SkuDetails) String() string {
	return fmt.Sprintf("SkuDetails{itemType=%s, sku=%s, type=%s, price=%s, title=%s}", d.itemType, d.sku, d.rawType, d.price, d.title)
}
