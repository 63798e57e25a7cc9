package model

import "time"

// VerificationResult tags how the entitlement snapshot was verified.
type VerificationResult int

const (
	VerificationNotRequested VerificationResult = iota
	VerificationVerified
	VerificationFailed
	VerificationVerifiedOnDevice
)

func (v VerificationResult) String() string {
	switch v {
	case VerificationVerified:
		return "verified"
	case VerificationFailed:
		return "failed"
	case VerificationVerifiedOnDevice:
		return "verified_on_device"
	default:
		return "not_requested"
	}
}

// EntitlementInfo is one named right-to-access granted by a product.
type EntitlementInfo struct {
	Identifier         string     `json:"identifier"`
	IsActive           bool       `json:"is_active"`
	WillRenew          bool       `json:"will_renew"`
	PeriodType         PeriodType `json:"-"`
	ProductIdentifier  string     `json:"product_identifier"`
	LatestPurchaseDate time.Time  `json:"latest_purchase_date"`
	OriginalPurchase   time.Time  `json:"original_purchase_date"`
	ExpirationDate     *time.Time `json:"expiration_date,omitempty"`
	UnsubscribeDetect  *time.Time `json:"unsubscribe_detected_at,omitempty"`
	BillingIssueDetect *time.Time `json:"billing_issues_detected_at,omitempty"`
	Store              string     `json:"store"`
}

// CustomerInfo is the cached authoritative entitlement snapshot for one
// app-user-id. It is replaced wholesale on every successful get/post/login
// response, never partially patched.
type CustomerInfo struct {
	OriginalAppUserID   string                     `json:"original_app_user_id"`
	Entitlements        map[string]EntitlementInfo `json:"entitlements"`
	ActiveSubscriptions []string                   `json:"active_subscriptions"`
	AllPurchasedIDs     []string                   `json:"all_purchased_product_ids"`
	FirstSeen           time.Time                  `json:"first_seen"`
	RequestDate         time.Time                  `json:"request_date"`
	Verification        VerificationResult         `json:"verification_result,omitempty"`
}

// ActiveEntitlements returns the identifiers of currently active entitlements.
func (c *CustomerInfo) ActiveEntitlements() []string {
	var out []string
	for id, e := range c.Entitlements {
		if e.IsActive {
			out = append(out, id)
		}
	}
	return out
}
