package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/iap"
)

var ErrUnknownIntent = errors.New("unknown buy intent")

type Method string

const (
	MethodIsBillingSupported Method = "IsBillingSupported"
	MethodGetBuyIntent       Method = "GetBuyIntent"
	MethodGetPurchases       Method = "GetPurchases"
	MethodGetSkuDetails      Method = "GetSkuDetails"
	MethodConsumePurchase    Method = "ConsumePurchase"
)

// Hook runs before every remote call. A non-nil error is returned to the
// caller as a transport failure.
type Hook func(ctx context.Context, method Method) error

// Product is a catalog listing.
type Product struct {
	Sku          string
	ItemType     iap.ItemType
	Price        string
	Title        string
	Description  string
	PriceMicros  int64
	CurrencyCode string
}

type ownedItem struct {
	sku       string
	itemType  iap.ItemType
	token     string
	data      string
	signature string
}

type buyIntent struct {
	sku              string
	itemType         iap.ItemType
	developerPayload string
}

// Service is an in-memory billing service that signs the receipts it hands
// out with signer.
type Service struct {
	sync.Mutex

	packageName string
	signer      iap.Signer

	pageSize  int
	hook      Hook
	supported map[iap.ItemType]int
	products  map[string]Product
	owned     []*ownedItem
	intents   map[string]*buyIntent
	corrupted map[string]bool
	calls     map[Method]int
}

func NewService(packageName string, signer iap.Signer) *Service {
	s := &Service{
		packageName: packageName,
		signer:      signer,
	}
	s.Reset()
	return s
}

// Reset clears the catalog, ownership and any injected behaviour.
func (s *Service) Reset() {
	s.Lock()
	defer s.Unlock()

	s.pageSize = 100
	s.hook = nil
	s.supported = map[iap.ItemType]int{
		iap.ItemTypeInApp:        int(billing.OK),
		iap.ItemTypeSubscription: int(billing.OK),
	}
	s.products = make(map[string]Product)
	s.owned = nil
	s.intents = make(map[string]*buyIntent)
	s.corrupted = make(map[string]bool)
	s.calls = make(map[Method]int)
}

func (s *Service) PackageName() string { return s.packageName }

func (s *Service) SetPageSize(n int) {
	s.Lock()
	defer s.Unlock()
	if n > 0 {
		s.pageSize = n
	}
}

func (s *Service) SetHook(h Hook) {
	s.Lock()
	defer s.Unlock()
	s.hook = h
}

// SetSupported sets the code IsBillingSupported answers for itemType.
func (s *Service) SetSupported(itemType iap.ItemType, code billing.Response) {
	s.Lock()
	defer s.Unlock()
	s.supported[itemType] = int(code)
}

func (s *Service) AddProduct(p Product) error {
	if p.Sku == "" {
		return iap.ErrEmptySku
	}
	if p.ItemType == iap.ItemTypeUnknown {
		return iap.ErrUnknownItemType
	}

	s.Lock()
	defer s.Unlock()
	s.products[p.Sku] = p
	return nil
}

// CorruptSignatures makes the service report a signature for sku that does
// not match its purchase data.
func (s *Service) CorruptSignatures(sku string) {
	s.Lock()
	defer s.Unlock()
	s.corrupted[sku] = true
}

// Grant records ownership of a catalog product and returns the signed
// receipt.
func (s *Service) Grant(sku, developerPayload string) (*iap.Purchase, error) {
	s.Lock()
	defer s.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, fmt.Errorf("product %s not in catalog", sku)
	}
	item, err := s.grantLocked(p, developerPayload)
	if err != nil {
		return nil, err
	}
	return iap.ParsePurchase(item.itemType, item.data, item.signature)
}

// Owns reports whether sku is currently owned.
func (s *Service) Owns(sku string) bool {
	s.Lock()
	defer s.Unlock()
	for _, item := range s.owned {
		if item.sku == sku {
			return true
		}
	}
	return false
}

func (s *Service) Calls(method Method) int {
	s.Lock()
	defer s.Unlock()
	return s.calls[method]
}

// Fulfill plays the host's part of a purchase flow for an intent handed out
// by GetBuyIntent and returns what the host would report back.
func (s *Service) Fulfill(intent string) (billing.ResultStatus, billing.Bundle, error) {
	s.Lock()
	defer s.Unlock()

	bi, ok := s.intents[intent]
	if !ok {
		return billing.ResultCanceled, nil, ErrUnknownIntent
	}
	delete(s.intents, intent)

	if bi.sku == iap.TestSkuCanceled.Sku() {
		return billing.ResultCanceled, billing.Bundle{billing.KeyResponseCode: int(billing.UserCanceled)}, nil
	}

	item, err := s.grantLocked(s.products[bi.sku], bi.developerPayload)
	if err != nil {
		return billing.ResultCanceled, nil, err
	}
	return billing.ResultOK, billing.Bundle{
		billing.KeyResponseCode: int(billing.OK),
		billing.KeyPurchaseData: item.data,
		billing.KeySignature:    item.signature,
	}, nil
}

// Completer receives purchase-flow results; *billing.Session implements it.
type Completer interface {
	CompletePurchase(token billing.RequestToken, status billing.ResultStatus, payload billing.Bundle) bool
}

// Launcher returns a billing.Launcher that fulfills every intent immediately
// and reports the result to c.
func (s *Service) Launcher(c Completer) billing.Launcher {
	return billing.LauncherFunc(func(_ context.Context, intent string, token billing.RequestToken) error {
		status, payload, err := s.Fulfill(intent)
		if err != nil {
			return err
		}
		c.CompletePurchase(token, status, payload)
		return nil
	})
}

func (s *Service) IsBillingSupported(ctx context.Context, apiVersion int, packageName, itemType string) (int, error) {
	if err := s.enter(ctx, MethodIsBillingSupported); err != nil {
		return 0, err
	}

	s.Lock()
	defer s.Unlock()

	if apiVersion != billing.APIVersion {
		return int(billing.ServiceUnavailable), nil
	}
	if packageName != s.packageName {
		return int(billing.DeveloperError), nil
	}
	code, ok := s.supported[iap.ParseItemType(itemType)]
	if !ok {
		return int(billing.ServiceUnavailable), nil
	}
	return code, nil
}

func (s *Service) GetBuyIntent(ctx context.Context, apiVersion int, packageName, sku, itemType, developerPayload string) (billing.Bundle, error) {
	if err := s.enter(ctx, MethodGetBuyIntent); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	if code := s.checkRequestLocked(apiVersion, packageName); code != billing.OK {
		return responseBundle(code), nil
	}

	t := iap.ParseItemType(itemType)
	if s.supported[t] != int(billing.OK) {
		return responseBundle(billing.ServiceUnavailable), nil
	}

	p, ok := s.products[sku]
	if !ok || sku == iap.TestSkuUnavailable.Sku() {
		return responseBundle(billing.ItemUnavailable), nil
	}
	if p.ItemType != t {
		return responseBundle(billing.DeveloperError), nil
	}
	for _, item := range s.owned {
		if item.sku == sku {
			return responseBundle(billing.ItemAlreadyOwned), nil
		}
	}

	intent := "intent:" + uuid.New().String()
	s.intents[intent] = &buyIntent{
		sku:              sku,
		itemType:         t,
		developerPayload: developerPayload,
	}
	return billing.Bundle{
		billing.KeyResponseCode: int(billing.OK),
		billing.KeyBuyIntent:    intent,
	}, nil
}

// GetPurchases pages owned items in grant order. The continuation token is
// the offset of the next page.
func (s *Service) GetPurchases(ctx context.Context, apiVersion int, packageName, itemType, continuationToken string) (billing.Bundle, error) {
	if err := s.enter(ctx, MethodGetPurchases); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	if code := s.checkRequestLocked(apiVersion, packageName); code != billing.OK {
		return responseBundle(code), nil
	}

	offset := 0
	if continuationToken != "" {
		var err error
		offset, err = strconv.Atoi(continuationToken)
		if err != nil || offset < 0 {
			return responseBundle(billing.DeveloperError), nil
		}
	}

	t := iap.ParseItemType(itemType)
	var matching []*ownedItem
	for _, item := range s.owned {
		if item.itemType == t {
			matching = append(matching, item)
		}
	}

	skus := []string{}
	data := []string{}
	signatures := []string{}
	end := min(offset+s.pageSize, len(matching))
	for i := offset; i < end; i++ {
		item := matching[i]
		skus = append(skus, item.sku)
		data = append(data, item.data)
		signatures = append(signatures, item.signature)
	}

	b := billing.Bundle{
		billing.KeyResponseCode:     int(billing.OK),
		billing.KeyItemList:         skus,
		billing.KeyPurchaseDataList: data,
		billing.KeySignatureList:    signatures,
	}
	if end < len(matching) {
		b[billing.KeyContinuationToken] = strconv.Itoa(end)
	}
	return b, nil
}

func (s *Service) GetSkuDetails(ctx context.Context, apiVersion int, packageName, itemType string, skus []string) (billing.Bundle, error) {
	if err := s.enter(ctx, MethodGetSkuDetails); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	if code := s.checkRequestLocked(apiVersion, packageName); code != billing.OK {
		return responseBundle(code), nil
	}
	if len(skus) == 0 {
		return responseBundle(billing.DeveloperError), nil
	}

	t := iap.ParseItemType(itemType)
	listings := []string{}
	for _, sku := range skus {
		p, ok := s.products[sku]
		if !ok || p.ItemType != t {
			continue
		}
		listing, err := marshalListing(p)
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}

	return billing.Bundle{
		billing.KeyResponseCode:   int(billing.OK),
		billing.KeySkuDetailsList: listings,
	}, nil
}

func (s *Service) ConsumePurchase(ctx context.Context, apiVersion int, packageName, token string) (int, error) {
	if err := s.enter(ctx, MethodConsumePurchase); err != nil {
		return 0, err
	}

	s.Lock()
	defer s.Unlock()

	if code := s.checkRequestLocked(apiVersion, packageName); code != billing.OK {
		return int(code), nil
	}

	for i, item := range s.owned {
		if item.token != token {
			continue
		}
		if item.itemType != iap.ItemTypeInApp {
			return int(billing.DeveloperError), nil
		}
		s.owned = append(s.owned[:i], s.owned[i+1:]...)
		return int(billing.OK), nil
	}
	return int(billing.ItemNotOwned), nil
}

func (s *Service) enter(ctx context.Context, method Method) error {
	s.Lock()
	s.calls[method]++
	hook := s.hook
	s.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, method)
	}
	return nil
}

func (s *Service) checkRequestLocked(apiVersion int, packageName string) billing.Response {
	if apiVersion != billing.APIVersion {
		return billing.ServiceUnavailable
	}
	if packageName != s.packageName {
		return billing.DeveloperError
	}
	return billing.OK
}

func (s *Service) grantLocked(p Product, developerPayload string) (*ownedItem, error) {
	if p.Sku == "" {
		return nil, iap.ErrEmptySku
	}

	state := 0
	if p.Sku == iap.TestSkuRefunded.Sku() {
		state = 2
	}

	token := uuid.New().String()
	raw, err := json.Marshal(purchaseData{
		OrderID:          strconv.FormatInt(time.Now().UnixNano(), 10) + "." + uuid.New().String()[:8],
		PackageName:      s.packageName,
		ProductID:        p.Sku,
		PurchaseTime:     time.Now().UnixMilli(),
		PurchaseState:    state,
		DeveloperPayload: developerPayload,
		PurchaseToken:    token,
	})
	if err != nil {
		return nil, err
	}

	signed := raw
	if s.corrupted[p.Sku] {
		signed = append(append([]byte(nil), raw...), ' ')
	}
	signature, err := s.signer.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to sign purchase: %w", err)
	}

	item := &ownedItem{
		sku:       p.Sku,
		itemType:  p.ItemType,
		token:     token,
		data:      string(raw),
		signature: signature,
	}
	s.owned = append(s.owned, item)
	return item, nil
}

type purchaseData struct {
	OrderID          string `json:"orderId"`
	PackageName      string `json:"packageName"`
	ProductID        string `json:"productId"`
	PurchaseTime     int64  `json:"purchaseTime"`
	PurchaseState    int    `json:"purchaseState"`
	DeveloperPayload string `json:"developerPayload"`
	PurchaseToken    string `json:"purchaseToken"`
}

type listing struct {
	ProductID    string `json:"productId"`
	Type         string `json:"type"`
	Price        string `json:"price"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	PriceMicros  int64  `json:"price_amount_micros,omitempty"`
	CurrencyCode string `json:"price_currency_code,omitempty"`
}

func marshalListing(p Product) (string, error) {
	raw, err := json.Marshal(listing{
		ProductID:    p.Sku,
		Type:         p.ItemType.String(),
		Price:        p.Price,
		Title:        p.Title,
		Description:  p.Description,
		PriceMicros:  p.PriceMicros,
		CurrencyCode: p.CurrencyCode,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func responseBundle(r billing.Response) billing.Bundle {
	return billing.Bundle{billing.KeyResponseCode: int(r)}
}
