package sync

import (
	"context"
	"sort"
	"time"

	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/model"
)

// QueueCalculator is the default offline entitlement fallback: it grants one
// entitlement per product currently sitting purchased in the billing queue.
// The device queue is the only truth available while the backend is down, so
// the snapshot is tagged verified-on-device and never cached as authoritative.
type QueueCalculator struct {
	querier billing.PurchaseQuerier
}

var _ OfflineEntitlementsCalculator = (*QueueCalculator)(nil)

// NewQueueCalculator builds the fallback over the billing queue.
func NewQueueCalculator(querier billing.PurchaseQuerier) *QueueCalculator {
	return &QueueCalculator{querier: querier}
}

// Compute derives a snapshot from the live purchase queue.
func (c *QueueCalculator) Compute(ctx context.Context, appUserID string) (*model.CustomerInfo, error) {
	purchases, err := c.querier.QueryPurchases(ctx, appUserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	info := &model.CustomerInfo{
		OriginalAppUserID: appUserID,
		Entitlements:      make(map[string]model.EntitlementInfo),
		RequestDate:       now,
		Verification:      model.VerificationVerifiedOnDevice,
	}
	for _, p := range purchases {
		txn := p.Transaction
		if txn.PurchaseState != model.PurchaseStatePurchased {
			continue
		}
		for _, productID := range txn.ProductIDs {
			info.Entitlements[productID] = model.EntitlementInfo{
				Identifier:         productID,
				IsActive:           true,
				WillRenew:          txn.Type == model.ProductTypeSubscription,
				ProductIdentifier:  productID,
				LatestPurchaseDate: txn.PurchaseTime,
				OriginalPurchase:   txn.PurchaseTime,
				Store:              "play_store",
			}
			info.AllPurchasedIDs = append(info.AllPurchasedIDs, productID)
			if txn.Type == model.ProductTypeSubscription {
				info.ActiveSubscriptions = append(info.ActiveSubscriptions, productID)
			}
		}
	}
	sort.Strings(info.ActiveSubscriptions)
	sort.Strings(info.AllPurchasedIDs)
	return info, nil
}
