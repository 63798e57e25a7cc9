// Package billing drives platform acknowledge/consume calls to a terminal
// outcome, retrying through disconnections and recoverable store errors per
// the source-dependent backoff policy.
package billing

import (
	"context"

	"github.com/subwise/subwise-go/internal/backoff"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
)

// ResponseCode is the classified outcome of one native billing call.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	// ResponseServiceDisconnected means the client handle died mid-call.
	// Reconnecting is free: no backoff, no attempt counted.
	ResponseServiceDisconnected
	ResponseServiceUnavailable
	ResponseBillingUnavailable
	ResponseItemUnavailable
	ResponseDeveloperError
	ResponseError
	ResponseItemAlreadyOwned
	ResponseItemNotOwned
	ResponseNetworkError
	ResponseFeatureNotSupported
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "OK"
	case ResponseServiceDisconnected:
		return "SERVICE_DISCONNECTED"
	case ResponseServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case ResponseBillingUnavailable:
		return "BILLING_UNAVAILABLE"
	case ResponseItemUnavailable:
		return "ITEM_UNAVAILABLE"
	case ResponseDeveloperError:
		return "DEVELOPER_ERROR"
	case ResponseError:
		return "ERROR"
	case ResponseItemAlreadyOwned:
		return "ITEM_ALREADY_OWNED"
	case ResponseItemNotOwned:
		return "ITEM_NOT_OWNED"
	case ResponseNetworkError:
		return "NETWORK_ERROR"
	case ResponseFeatureNotSupported:
		return "FEATURE_NOT_SUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Client is one connected billing-client handle. Calls are asynchronous; done
// is invoked exactly once with the platform response code.
type Client interface {
	Acknowledge(token string, done func(ResponseCode))
	Consume(token string, done func(ResponseCode))
}

// ClientProvider obtains a connected client handle, transparently reconnecting
// as needed. The connection lifecycle itself is outside this core.
type ClientProvider interface {
	WithConnectedClient(fn func(Client))
}

// PurchaseQuerier reads the store billing queue for the current user.
type PurchaseQuerier interface {
	// QueryPurchases returns current entitled/active purchases keyed by token
	// hash, in queue order.
	QueryPurchases(ctx context.Context, appUserID string) ([]model.HashedPurchase, error)
	// QueryAllPurchases returns full history including expired purchases, used
	// for full-reconciliation restores.
	QueryAllPurchases(ctx context.Context, appUserID string) ([]model.StoreTransaction, error)
}

const restoreAcknowledgeErrMsg = "this product is already active for another user; " +
	"log in with the account that purchased it before restoring"

// classify maps a non-OK, non-disconnect response code onto the retry class and
// the error kind delivered if retries are exhausted.
func classify(code ResponseCode, source model.InitiationSource) (backoff.ErrorClass, *errs.Error) {
	switch code {
	case ResponseServiceUnavailable:
		return backoff.ClassServiceUnavailable,
			errs.New(errs.KindStoreProblem, "billing service unavailable")
	case ResponseNetworkError:
		return backoff.ClassTransient,
			errs.New(errs.KindNetwork, "network error communicating with the store")
	case ResponseError:
		return backoff.ClassTransient,
			errs.New(errs.KindStoreProblem, "store returned an error")
	case ResponseItemUnavailable:
		return backoff.ClassTerminal,
			errs.New(errs.KindProductNotAvailable, "item unavailable: "+code.String())
	case ResponseItemNotOwned:
		msg := "item not owned"
		if source == model.SourceRestore {
			msg = restoreAcknowledgeErrMsg
		}
		return backoff.ClassTerminal, errs.New(errs.KindPurchaseNotAllowed, msg)
	case ResponseBillingUnavailable:
		return backoff.ClassTerminal,
			errs.New(errs.KindPurchaseNotAllowed, "billing unavailable on this device")
	default:
		// DEVELOPER_ERROR, FEATURE_NOT_SUPPORTED, ITEM_ALREADY_OWNED and any
		// unknown codes are not retryable.
		return backoff.ClassTerminal,
			errs.New(errs.KindStoreProblem, "unexpected store response: "+code.String())
	}
}
