package iap

import (
	"sort"
	"sync"
)

// Inventory indexes owned purchases and known listings by sku. Later writes
// for a sku replace earlier ones.
type Inventory struct {
	mu        sync.RWMutex
	purchases map[string]*Purchase
	details   map[string]*SkuDetails
}

func NewInventory() *Inventory {
	return &Inventory{
		purchases: map[string]*Purchase{},
		details:   map[string]*SkuDetails{},
	}
}

func (inv *Inventory) AddPurchase(p *Purchase) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.purchases[p.Sku()] = p
}

func (inv *Inventory) AddSkuDetails(d *SkuDetails) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.details[d.Sku()] = d
}

// ErasePurchase forgets a purchase, e.g. after it was consumed.
func (inv *Inventory) ErasePurchase(sku string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.purchases, sku)
}

func (inv *Inventory) Purchase(sku string) (*Purchase, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	p, ok := inv.purchases[sku]
	return p, ok
}

func (inv *Inventory) SkuDetails(sku string) (*SkuDetails, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	d, ok := inv.details[sku]
	return d, ok
}

func (inv *Inventory) HasPurchase(sku string) bool {
	_, ok := inv.Purchase(sku)
	return ok
}

func (inv *Inventory) HasDetails(sku string) bool {
	_, ok := inv.SkuDetails(sku)
	return ok
}

// AllOwnedSkus returns the owned skus of every item type, sorted.
func (inv *Inventory) AllOwnedSkus() []string {
	return inv.OwnedSkus(ItemTypeUnknown)
}

// OwnedSkus returns the sorted owned skus of the given item type.
// ItemTypeUnknown matches every type.
func (inv *Inventory) OwnedSkus(itemType ItemType) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	skus := make([]string, 0, len(inv.purchases))
	for sku, p := range inv.purchases {
		if itemType == ItemTypeUnknown || p.ItemType() == itemType {
			skus = append(skus, sku)
		}
	}
	sort.Strings(skus)
	return skus
}

// AllPurchases returns the owned purchases ordered by sku.
func (inv *Inventory) AllPurchases() []*Purchase {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	purchases := make([]*Purchase, 0, len(inv.purchases))
	for _, p := range inv.purchases {
		purchases = append(purchases, p)
	}
	sort.Slice(purchases, func(i, j int) bool {
		return purchases[i].Sku() < purchases[j].Sku()
	})
	return purchases
}

// AllSkuDetails returns the known listings ordered by sku.
func (inv *Inventory) AllSkuDetails() []*SkuDetails {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	details := make([]*SkuDetails, 0, len(inv.details))
	for _, d := range inv.details {
		details = append(details, d)
	}
	sort.Slice(details, func(i, j int) bool {
		return details[i].Sku() < details[j].Sku()
	})
	return details
}
