package cache

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/ReneKroon/ttlcache"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/iap"
)

// Service caches sku-detail listings of the wrapped RemoteService. Every
// other call passes through.
type Service struct {
	billing.RemoteService

	cache *ttlcache.Cache
	sfg   singleflight.Group
}

func NewInCache(svc billing.RemoteService, ttl time.Duration) *Service {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Service{
		RemoteService: svc,
		cache:         cache,
	}
}

// GetSkuDetails answers from cached listings and fetches only the misses.
// Concurrent requests for the same misses share a single remote call. Error
// responses are passed through and never cached.
func (s *Service) GetSkuDetails(ctx context.Context, apiVersion int, packageName, itemType string, skus []string) (billing.Bundle, error) {
	var (
		listings []string
		misses   []string
	)
	for _, sku := range skus {
		cached, ok := s.cache.Get(toCacheKey(packageName, itemType, sku))
		if ok {
			listings = append(listings, cached.(string))
			continue
		}
		misses = append(misses, sku)
	}

	if len(misses) == 0 {
		return billing.Bundle{
			billing.KeyResponseCode:   int(billing.OK),
			billing.KeySkuDetailsList: listings,
		}, nil
	}

	key := strings.Join([]string{packageName, itemType, strings.Join(misses, ",")}, "/")
	v, err, _ := s.sfg.Do(key, func() (interface{}, error) {
		return s.RemoteService.GetSkuDetails(ctx, apiVersion, packageName, itemType, misses)
	})
	if err != nil {
		return nil, err
	}

	fetched := v.(billing.Bundle)
	fetchedListings, ok := fetched.StringList(billing.KeySkuDetailsList)
	if !ok {
		return fetched, nil
	}

	t := iap.ParseItemType(itemType)
	for _, listing := range fetchedListings {
		if d, err := iap.ParseSkuDetails(t, listing); err == nil {
			s.cache.Set(toCacheKey(packageName, itemType, d.Sku()), listing)
		}
	}

	out := make(billing.Bundle, len(fetched))
	for k, v := range fetched {
		out[k] = v
	}
	out[billing.KeySkuDetailsList] = append(listings, fetchedListings...)
	return out, nil
}

// Invalidate drops the cached listing for sku.
func (s *Service) Invalidate(packageName, itemType, sku string) {
	s.cache.Remove(toCacheKey(packageName, itemType, sku))
}

func (s *Service) Close() error {
	s.cache.Close()
	if closer, ok := s.RemoteService.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func toCacheKey(packageName, itemType, sku string) string {
	return packageName + "/" + itemType + "/" + sku
}
