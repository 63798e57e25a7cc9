package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/dispatch"
	"github.com/subwise/subwise-go/internal/model"
)

// Outcome classifies one pending-purchase sweep.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeAutoSyncDisabled
	OutcomeNoPendingPurchases
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeAutoSyncDisabled:
		return "auto_sync_disabled"
	case OutcomeNoPendingPurchases:
		return "no_pending_purchases"
	default:
		return "unknown"
	}
}

// Result is the terminal report of one sweep. CustomerInfo is set for
// OutcomeSuccess, Err for OutcomeError.
type Result struct {
	Outcome      Outcome
	CustomerInfo *model.CustomerInfo
	Err          error
}

// AppUserIDProvider yields the identity a sweep posts under.
type AppUserIDProvider interface {
	CurrentAppUserID() string
}

// Orchestrator runs the maintenance sweep: diff the live billing queue against
// the posted-token cache and post whatever the backend has not seen yet.
type Orchestrator struct {
	autoSyncEnabled bool
	identity        AppUserIDProvider
	querier         billing.PurchaseQuerier
	cache           *cache.DeviceCache
	poster          *Poster
	d               *dispatch.Dispatcher
	log             *zap.Logger

	// OnOutcome observes sweep outcomes for metrics. May be nil.
	OnOutcome func(outcome string)
}

// NewOrchestrator wires the sweep.
func NewOrchestrator(
	autoSyncEnabled bool,
	identity AppUserIDProvider,
	querier billing.PurchaseQuerier,
	deviceCache *cache.DeviceCache,
	poster *Poster,
	d *dispatch.Dispatcher,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		autoSyncEnabled: autoSyncEnabled,
		identity:        identity,
		querier:         querier,
		cache:           deviceCache,
		poster:          poster,
		d:               d,
		log:             log,
	}
}

// SyncPendingPurchaseQueue sweeps the billing queue in the background and
// reports exactly one Result. Fire-and-forget: the caller's goroutine is never
// blocked on queue or network I/O.
func (o *Orchestrator) SyncPendingPurchaseQueue(allowSharingAccount bool, onResult func(Result)) {
	if !o.autoSyncEnabled {
		o.finish(onResult, Result{Outcome: OutcomeAutoSyncDisabled})
		return
	}
	o.d.Enqueue(func() { o.run(allowSharingAccount, onResult) }, dispatch.DelayNone)
}

func (o *Orchestrator) run(allowSharingAccount bool, onResult func(Result)) {
	ctx := context.Background()
	appUserID := o.identity.CurrentAppUserID()

	queue, err := o.querier.QueryPurchases(ctx, appUserID)
	if err != nil {
		o.log.Warn("failed to query purchase queue", zap.Error(err))
		o.finish(onResult, Result{Outcome: OutcomeError, Err: wrapQueueError(err)})
		return
	}

	live := make(map[model.TokenHash]struct{}, len(queue))
	for _, p := range queue {
		live[p.Hash] = struct{}{}
	}
	if cerr := o.cache.CleanPreviouslySentTokens(ctx, live); cerr != nil {
		// Stale entries only cost memory; the sweep still proceeds.
		o.log.Warn("failed to prune posted token cache", zap.Error(cerr))
	}

	unsynced, err := o.cache.ActivePurchasesNotInCache(ctx, queue)
	if err != nil {
		o.finish(onResult, Result{Outcome: OutcomeError, Err: err})
		return
	}
	if len(unsynced) == 0 {
		o.finish(onResult, Result{Outcome: OutcomeNoPendingPurchases})
		return
	}

	o.log.Info("syncing pending purchases",
		zap.String("appUserID", appUserID), zap.Int("count", len(unsynced)))
	o.postAll(unsynced, appUserID, allowSharingAccount, onResult)
}

// postAll fans out the posts and aggregates first-error-wins: the first
// failure observed terminates the sweep report immediately, later results for
// the same wave are dropped. Success requires every post to succeed and
// carries the snapshot of the last transaction in submission order.
func (o *Orchestrator) postAll(
	unsynced []model.StoreTransaction,
	appUserID string,
	allowSharingAccount bool,
	onResult func(Result),
) {
	var mu sync.Mutex
	remaining := len(unsynced)
	reported := false
	infos := make([]*model.CustomerInfo, len(unsynced))

	for i, txn := range unsynced {
		i, txn := i, txn
		o.poster.PostTransaction(txn, appUserID, allowSharingAccount,
			model.SourceUnsyncedActivePurchases,
			func(info *model.CustomerInfo) {
				mu.Lock()
				infos[i] = info
				remaining--
				done := remaining == 0 && !reported
				if done {
					reported = true
				}
				mu.Unlock()
				if done {
					o.finish(onResult, Result{
						Outcome:      OutcomeSuccess,
						CustomerInfo: infos[len(infos)-1],
					})
				}
			},
			func(err error) {
				mu.Lock()
				first := !reported
				reported = true
				mu.Unlock()
				if first {
					o.finish(onResult, Result{Outcome: OutcomeError, Err: err})
				}
			})
	}
}

func (o *Orchestrator) finish(onResult func(Result), r Result) {
	if o.OnOutcome != nil {
		o.OnOutcome(r.Outcome.String())
	}
	onResult(r)
}
