package subwise

import (
	"time"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/backend"
	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/metrics"
	"github.com/subwise/subwise-go/internal/storage"
	"github.com/subwise/subwise-go/internal/sync"
)

// Config wires a Client. Store, billing and transport collaborators are
// injected; everything else has working defaults.
type Config struct {
	// APIKey authenticates against the entitlement backend. Required unless a
	// custom Executor is supplied.
	APIKey string

	// BaseURL of the entitlement backend. Required unless Executor is supplied.
	BaseURL string

	// AppUserID is the initial identity. Empty mints an anonymous id.
	AppUserID string

	// ClientProvider supplies connected billing clients. Required.
	ClientProvider billing.ClientProvider

	// Querier reads the billing purchase queue. Required.
	Querier billing.PurchaseQuerier

	// Store persists posted tokens and snapshots. Defaults to in-memory.
	Store storage.KeyValueStore

	// Executor overrides the HTTP transport. Defaults to the resty client
	// built from APIKey/BaseURL/SignKey.
	Executor backend.HTTPExecutor

	// Products joins cached product metadata onto posted receipts. Optional.
	Products sync.StoreProductsProvider

	// SignKey enables HMAC signing of sensitive request fields. Optional.
	SignKey []byte

	// FinishTransactions controls whether accepted purchases are finalized
	// with the store. When false the host app owns finalization and only
	// token bookkeeping happens.
	FinishTransactions bool

	// AutoSyncEnabled gates the pending purchase sweep.
	AutoSyncEnabled bool

	// AllowSharingAccount posts sweep receipts in restore mode.
	AllowSharingAccount bool

	// RequestTimeout for backend calls. Defaults to 30s.
	RequestTimeout time.Duration

	// Workers sizes the background dispatcher. Defaults to 4.
	Workers int

	// Metrics receives pipeline counters. Optional.
	Metrics *metrics.Metrics

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.ClientProvider == nil {
		return errs.Wrap(errs.KindUnknown, "billing client provider is required", errs.ErrConfiguration)
	}
	if c.Querier == nil {
		return errs.Wrap(errs.KindUnknown, "purchase querier is required", errs.ErrConfiguration)
	}
	if c.Executor == nil && (c.APIKey == "" || c.BaseURL == "") {
		return errs.Wrap(errs.KindUnknown, "api key and base url are required", errs.ErrConfiguration)
	}
	return nil
}
