// Package model defines domain entities shared by the billing, backend and sync layers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType distinguishes subscriptions from one-time products.
type ProductType int

const (
	ProductTypeUnknown ProductType = iota
	ProductTypeSubscription
	ProductTypeOneTime
)

func (t ProductType) String() string {
	switch t {
	case ProductTypeSubscription:
		return "subs"
	case ProductTypeOneTime:
		return "inapp"
	default:
		return "unknown"
	}
}

// PurchaseState reports whether the store considers a purchase complete.
type PurchaseState int

const (
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

// InitiationSource records why a sync or acknowledge operation was triggered.
// It selects the retry policy applied on recoverable billing failures.
type InitiationSource int

const (
	SourcePurchase InitiationSource = iota
	SourceRestore
	// SourceUnsyncedActivePurchases marks background reconciliation sweeps.
	SourceUnsyncedActivePurchases
)

func (s InitiationSource) String() string {
	switch s {
	case SourcePurchase:
		return "purchase"
	case SourceRestore:
		return "restore"
	case SourceUnsyncedActivePurchases:
		return "unsynced_active_purchases"
	default:
		return "unknown"
	}
}

// PeriodType classifies the phase of a subscription price.
type PeriodType int

const (
	PeriodNormal PeriodType = iota
	PeriodIntro
	PeriodTrial
)

func (p PeriodType) String() string {
	switch p {
	case PeriodIntro:
		return "intro"
	case PeriodTrial:
		return "trial"
	default:
		return "normal"
	}
}

// ReplacementMode describes how an upgrade/downgrade replaces the previous subscription.
type ReplacementMode string

const (
	ReplacementModeNone                ReplacementMode = ""
	ReplacementModeWithTimeProration   ReplacementMode = "with_time_proration"
	ReplacementModeChargeProratedPrice ReplacementMode = "charge_prorated_price"
	ReplacementModeChargeFullPrice     ReplacementMode = "charge_full_price"
	ReplacementModeWithoutProration    ReplacementMode = "without_proration"
	ReplacementModeDeferred            ReplacementMode = "deferred"
)

// PresentedOfferingContext captures which marketing offering/placement led to a purchase.
type PresentedOfferingContext struct {
	OfferingID  string
	PlacementID string
}

// StoreTransaction is an immutable record of one purchase observed in the store
// billing queue. Owned by the billing layer; read-only everywhere else.
type StoreTransaction struct {
	ProductIDs               []string
	PurchaseToken            string
	PurchaseTime             time.Time
	PurchaseState            PurchaseState
	Type                     ProductType
	IsAcknowledged           bool
	SubscriptionOptionID     string
	PresentedOfferingContext *PresentedOfferingContext
	ReplacementMode          ReplacementMode
	StoreUserID              string
	OrderID                  string
}

// StoreProduct is cached product metadata joined onto a transaction when posting.
type StoreProduct struct {
	ID            string
	Type          ProductType
	Price         decimal.Decimal
	Currency      string
	PeriodISO8601 string
	PeriodType    PeriodType
}

// ReceiptInfo is the normalized payload for one receipt post. Transient: rebuilt
// from a StoreTransaction plus cached product metadata on every attempt.
type ReceiptInfo struct {
	ProductIDs               []string
	Product                  *StoreProduct
	SubscriptionOptionID     string
	PresentedOfferingContext *PresentedOfferingContext
	ReplacementMode          ReplacementMode
}

// TokenHash identifies a purchase token without persisting the token itself.
type TokenHash string

// HashedPurchase pairs a token hash with its transaction. Slices of these keep
// the billing queue's insertion order, which plain maps would lose.
type HashedPurchase struct {
	Hash        TokenHash
	Transaction StoreTransaction
}

// ReceiptInfoFrom builds a ReceiptInfo for a transaction, attaching product
// metadata when available.
func ReceiptInfoFrom(txn StoreTransaction, product *StoreProduct) ReceiptInfo {
	return ReceiptInfo{
		ProductIDs:               append([]string(nil), txn.ProductIDs...),
		Product:                  product,
		SubscriptionOptionID:     txn.SubscriptionOptionID,
		PresentedOfferingContext: txn.PresentedOfferingContext,
		ReplacementMode:          txn.ReplacementMode,
	}
}
