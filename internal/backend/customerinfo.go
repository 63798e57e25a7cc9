package backend

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
)

// Wire shapes of the subscriber response. Only the fields this core consumes.
type subscriberResponse struct {
	RequestDate time.Time      `json:"request_date"`
	Subscriber  subscriberBody `json:"subscriber"`
}

type subscriberBody struct {
	OriginalAppUserID string                       `json:"original_app_user_id"`
	FirstSeen         time.Time                    `json:"first_seen"`
	Entitlements      map[string]wireEntitlement   `json:"entitlements"`
	Subscriptions     map[string]wireSubscription  `json:"subscriptions"`
	NonSubscriptions  map[string][]json.RawMessage `json:"non_subscriptions"`
}

type wireEntitlement struct {
	ProductIdentifier string     `json:"product_identifier"`
	PurchaseDate      time.Time  `json:"purchase_date"`
	ExpiresDate       *time.Time `json:"expires_date"`
}

type wireSubscription struct {
	ExpiresDate      *time.Time `json:"expires_date"`
	UnsubscribeAt    *time.Time `json:"unsubscribe_detected_at"`
	BillingIssuesAt  *time.Time `json:"billing_issues_detected_at"`
	OriginalPurchase time.Time  `json:"original_purchase_date"`
	PeriodType       string     `json:"period_type"`
	Store            string     `json:"store"`
}

// parseCustomerInfo decodes a subscriber response into the snapshot model.
// Any decode failure is a KindCustomerInfo error: a payload this core cannot
// understand must never half-populate the cache.
func parseCustomerInfo(body []byte) (*model.CustomerInfo, error) {
	var resp subscriberResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Wrap(errs.KindCustomerInfo, "malformed subscriber response", err)
	}
	if resp.Subscriber.OriginalAppUserID == "" {
		return nil, errs.New(errs.KindCustomerInfo, "subscriber response missing original_app_user_id")
	}

	now := resp.RequestDate
	if now.IsZero() {
		now = time.Now()
	}

	info := &model.CustomerInfo{
		OriginalAppUserID: resp.Subscriber.OriginalAppUserID,
		Entitlements:      make(map[string]model.EntitlementInfo, len(resp.Subscriber.Entitlements)),
		FirstSeen:         resp.Subscriber.FirstSeen,
		RequestDate:       now,
		Verification:      model.VerificationNotRequested,
	}

	for id, ent := range resp.Subscriber.Entitlements {
		sub := resp.Subscriber.Subscriptions[ent.ProductIdentifier]
		info.Entitlements[id] = model.EntitlementInfo{
			Identifier:         id,
			IsActive:           ent.ExpiresDate == nil || ent.ExpiresDate.After(now),
			WillRenew:          willRenew(ent.ExpiresDate, sub),
			PeriodType:         parsePeriodType(sub.PeriodType),
			ProductIdentifier:  ent.ProductIdentifier,
			LatestPurchaseDate: ent.PurchaseDate,
			OriginalPurchase:   sub.OriginalPurchase,
			ExpirationDate:     ent.ExpiresDate,
			UnsubscribeDetect:  sub.UnsubscribeAt,
			BillingIssueDetect: sub.BillingIssuesAt,
			Store:              sub.Store,
		}
	}

	for id, sub := range resp.Subscriber.Subscriptions {
		info.AllPurchasedIDs = append(info.AllPurchasedIDs, id)
		if sub.ExpiresDate == nil || sub.ExpiresDate.After(now) {
			info.ActiveSubscriptions = append(info.ActiveSubscriptions, id)
		}
	}
	for id := range resp.Subscriber.NonSubscriptions {
		info.AllPurchasedIDs = append(info.AllPurchasedIDs, id)
	}
	sort.Strings(info.ActiveSubscriptions)
	sort.Strings(info.AllPurchasedIDs)

	return info, nil
}

func willRenew(expires *time.Time, sub wireSubscription) bool {
	if expires == nil {
		return false
	}
	return sub.UnsubscribeAt == nil && sub.BillingIssuesAt == nil
}

func parsePeriodType(s string) model.PeriodType {
	switch s {
	case "intro":
		return model.PeriodIntro
	case "trial":
		return model.PeriodTrial
	default:
		return model.PeriodNormal
	}
}
