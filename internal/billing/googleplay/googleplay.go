// Package googleplay adapts the Google Play Developer API to the billing
// client contracts. It acts as the store for daemon-side reconciliation:
// transactions observed by the host app are registered here and refreshed
// against the publisher API when the queue is queried.
package googleplay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/model"
)

const callTimeout = 30 * time.Second

// Adapter implements billing.Client, billing.ClientProvider and
// billing.PurchaseQuerier over androidpublisher.
type Adapter struct {
	packageName string
	svc         *androidpublisher.Service
	log         *zap.Logger

	mu           sync.Mutex
	transactions []model.StoreTransaction
	byToken      map[string]model.StoreTransaction
}

var (
	_ billing.Client          = (*Adapter)(nil)
	_ billing.ClientProvider  = (*Adapter)(nil)
	_ billing.PurchaseQuerier = (*Adapter)(nil)
)

// New authenticates with a service account and builds the adapter.
func New(ctx context.Context, packageName string, serviceAccountJSON []byte, log *zap.Logger) (*Adapter, error) {
	config, err := google.JWTConfigFromJSON(serviceAccountJSON, androidpublisher.AndroidpublisherScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	svc, err := androidpublisher.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create androidpublisher client: %w", err)
	}
	return &Adapter{
		packageName: packageName,
		svc:         svc,
		log:         log,
		byToken:     make(map[string]model.StoreTransaction),
	}, nil
}

// WithConnectedClient runs fn with this adapter. The publisher API is
// stateless HTTP, so the handle is always connected; disconnection retry
// paths exist for stores with session-based clients.
func (a *Adapter) WithConnectedClient(fn func(billing.Client)) { fn(a) }

// RegisterTransaction records a transaction reported by the host app so the
// queue query and finalize calls can resolve its product.
func (a *Adapter) RegisterTransaction(txn model.StoreTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.byToken[txn.PurchaseToken]; !seen {
		a.transactions = append(a.transactions, txn)
	}
	a.byToken[txn.PurchaseToken] = txn
}

// Acknowledge settles the purchase with the publisher API.
func (a *Adapter) Acknowledge(token string, done func(billing.ResponseCode)) {
	txn, ok := a.lookup(token)
	if !ok {
		done(billing.ResponseDeveloperError)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var err error
	if txn.Type == model.ProductTypeSubscription {
		req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
		err = a.svc.Purchases.Subscriptions.
			Acknowledge(a.packageName, productID(txn), token, req).Context(ctx).Do()
	} else {
		req := &androidpublisher.ProductPurchasesAcknowledgeRequest{}
		err = a.svc.Purchases.Products.
			Acknowledge(a.packageName, productID(txn), token, req).Context(ctx).Do()
	}
	done(mapError(err))
}

// Consume settles a one-time purchase. The publisher API has no separate
// consume call; acknowledging is the server-side settlement, and the device
// client clears its own queue entry.
func (a *Adapter) Consume(token string, done func(billing.ResponseCode)) {
	a.Acknowledge(token, done)
}

// QueryPurchases refreshes the registered transactions that are still
// purchase-complete, in registration order.
func (a *Adapter) QueryPurchases(ctx context.Context, appUserID string) ([]model.HashedPurchase, error) {
	txns := a.snapshot()
	out := make([]model.HashedPurchase, 0, len(txns))
	for _, txn := range txns {
		refreshed, err := a.refresh(ctx, txn)
		if err != nil {
			a.log.Warn("purchase refresh failed, keeping registered state",
				zap.String("tokenHash", string(cache.HashToken(txn.PurchaseToken))),
				zap.Error(err))
			refreshed = txn
		}
		if refreshed.PurchaseState == model.PurchaseStateUnspecified {
			continue
		}
		out = append(out, model.HashedPurchase{
			Hash:        cache.HashToken(refreshed.PurchaseToken),
			Transaction: refreshed,
		})
	}
	return out, nil
}

// QueryAllPurchases returns every registered transaction without filtering,
// for full-reconciliation restores.
func (a *Adapter) QueryAllPurchases(ctx context.Context, appUserID string) ([]model.StoreTransaction, error) {
	return a.snapshot(), nil
}

func (a *Adapter) lookup(token string) (model.StoreTransaction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	txn, ok := a.byToken[token]
	return txn, ok
}

func (a *Adapter) snapshot() []model.StoreTransaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.StoreTransaction(nil), a.transactions...)
}

func (a *Adapter) refresh(ctx context.Context, txn model.StoreTransaction) (model.StoreTransaction, error) {
	if txn.Type == model.ProductTypeSubscription {
		sub, err := a.svc.Purchases.Subscriptions.
			Get(a.packageName, productID(txn), txn.PurchaseToken).Context(ctx).Do()
		if err != nil {
			return txn, err
		}
		txn.IsAcknowledged = sub.AcknowledgementState == 1
		txn.OrderID = sub.OrderId
		if time.Now().After(time.UnixMilli(sub.ExpiryTimeMillis)) {
			txn.PurchaseState = model.PurchaseStateUnspecified
		}
		return txn, nil
	}
	prod, err := a.svc.Purchases.Products.
		Get(a.packageName, productID(txn), txn.PurchaseToken).Context(ctx).Do()
	if err != nil {
		return txn, err
	}
	txn.IsAcknowledged = prod.AcknowledgementState == 1
	txn.OrderID = prod.OrderId
	switch prod.PurchaseState {
	case 0:
		txn.PurchaseState = model.PurchaseStatePurchased
	case 2:
		txn.PurchaseState = model.PurchaseStatePending
	default:
		txn.PurchaseState = model.PurchaseStateUnspecified
	}
	return txn, nil
}

func productID(txn model.StoreTransaction) string {
	if len(txn.ProductIDs) == 0 {
		return ""
	}
	return txn.ProductIDs[0]
}

func mapError(err error) billing.ResponseCode {
	if err == nil {
		return billing.ResponseOK
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return billing.ResponseNetworkError
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return billing.ResponseItemUnavailable
	case gerr.Code == http.StatusGone:
		return billing.ResponseItemNotOwned
	case gerr.Code == http.StatusBadRequest:
		return billing.ResponseDeveloperError
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return billing.ResponseBillingUnavailable
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return billing.ResponseServiceUnavailable
	default:
		return billing.ResponseError
	}
}
