// Package backend talks to the entitlement service. Every operation is
// deduplicated by logical key: concurrent identical requests share one HTTP
// call, requests differing in any price- or identity-affecting field dispatch
// independently.
package backend

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/coalesce"
	"github.com/subwise/subwise-go/internal/dispatch"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
)

// Origin tags where a response payload came from.
type Origin string

const (
	OriginBackend Origin = "backend"
	OriginCache   Origin = "cache"
)

// HTTPResult is the transport-level outcome of one request.
type HTTPResult struct {
	Code   int
	Body   []byte
	Origin Origin
}

// HTTPExecutor performs one signed request against the entitlement service.
// A nil body means GET. Transport failures return an error; HTTP error
// statuses return a normal HTTPResult.
type HTTPExecutor interface {
	PerformRequest(
		ctx context.Context,
		path string,
		body any,
		fieldsToSign []string,
		headers map[string]string,
	) (HTTPResult, error)
}

const requestTimeout = 30 * time.Second

// PostReceiptRequest carries everything one receipt post needs. All fields
// that affect pricing or identity participate in the deduplication key.
type PostReceiptRequest struct {
	Token              string
	AppUserID          string
	IsRestore          bool
	FinishTransactions bool
	ReceiptInfo        model.ReceiptInfo
	StoreAppUserID     string
	Source             model.InitiationSource
}

type loginResult struct {
	info    *model.CustomerInfo
	created bool
}

// Backend coalesces customer-info fetches, receipt posts and logins.
type Backend struct {
	exec HTTPExecutor
	log  *zap.Logger

	getCalls   *coalesce.Coalescer[*model.CustomerInfo]
	postCalls  *coalesce.Coalescer[*model.CustomerInfo]
	loginCalls *coalesce.Coalescer[loginResult]
}

// New builds a Backend dispatching through d.
func New(exec HTTPExecutor, d *dispatch.Dispatcher, log *zap.Logger) *Backend {
	return &Backend{
		exec:       exec,
		log:        log,
		getCalls:   coalesce.New[*model.CustomerInfo](d),
		postCalls:  coalesce.New[*model.CustomerInfo](d),
		loginCalls: coalesce.New[loginResult](d),
	}
}

// Observe installs coalescer hit/miss observers, keyed by operation name.
func (b *Backend) Observe(onHit, onMiss func(op string)) {
	b.getCalls.OnHit = func() { onHit("get_customer_info") }
	b.getCalls.OnMiss = func() { onMiss("get_customer_info") }
	b.postCalls.OnHit = func() { onHit("post_receipt") }
	b.postCalls.OnMiss = func() { onMiss("post_receipt") }
	b.loginCalls.OnHit = func() { onHit("log_in") }
	b.loginCalls.OnMiss = func() { onMiss("log_in") }
}

// GetCustomerInfo fetches the entitlement snapshot for appUserID. Background
// callers pass a scheduling delay; a foreground caller joining the same key
// promotes a still-delayed dispatch to immediate.
func (b *Backend) GetCustomerInfo(
	appUserID string, delay dispatch.Delay, onResult func(*model.CustomerInfo, error),
) {
	key := "customer_info\x00" + appUserID
	b.getCalls.Execute(key, delay, func() (*model.CustomerInfo, error) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := b.exec.PerformRequest(
			ctx, "/subscribers/"+url.PathEscape(appUserID), nil, nil, nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindNetwork, "get customer info", err)
		}
		if res.Code >= 300 {
			return nil, backendStatusError(res)
		}
		return parseCustomerInfo(res.Body)
	}, onResult)
}

// PostReceipt submits one receipt. Never retried internally: retry policy for
// posting lives with the caller, which tracks what was already accepted.
// onError receives a *PostReceiptError; extract the behavior via BehaviorOf.
func (b *Backend) PostReceipt(
	req PostReceiptRequest,
	onSuccess func(*model.CustomerInfo),
	onError func(error),
) {
	b.postCalls.Execute(postKey(req), dispatch.DelayNone, func() (*model.CustomerInfo, error) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := b.exec.PerformRequest(
			ctx, "/receipts", postBody(req), []string{req.AppUserID, req.Token}, nil)
		if err != nil {
			return nil, &PostReceiptError{
				Err:      errs.Wrap(errs.KindNetwork, "post receipt", err),
				Behavior: ShouldNotConsume,
			}
		}
		if res.Code >= 300 {
			status, code, message := parseErrorBody(res)
			return nil, classifyPost(status, code, message)
		}
		return parseCustomerInfo(res.Body)
	}, func(info *model.CustomerInfo, err error) {
		if err != nil {
			onError(err)
			return
		}
		onSuccess(info)
	})
}

// LogIn switches the subscriber identity, aliasing old to new. created reports
// whether the backend minted a new subscriber.
func (b *Backend) LogIn(
	oldAppUserID, newAppUserID string,
	onResult func(info *model.CustomerInfo, created bool, err error),
) {
	key := strings.Join([]string{"log_in", oldAppUserID, newAppUserID}, "\x00")
	b.loginCalls.Execute(key, dispatch.DelayNone, func() (loginResult, error) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		body := map[string]any{
			"app_user_id":     oldAppUserID,
			"new_app_user_id": newAppUserID,
		}
		res, err := b.exec.PerformRequest(
			ctx, "/subscribers/identify", body, []string{oldAppUserID, newAppUserID}, nil)
		if err != nil {
			return loginResult{}, errs.Wrap(errs.KindNetwork, "log in", err)
		}
		if res.Code >= 300 {
			return loginResult{}, backendStatusError(res)
		}
		info, perr := parseCustomerInfo(res.Body)
		if perr != nil {
			return loginResult{}, perr
		}
		return loginResult{info: info, created: res.Code == 201}, nil
	}, func(r loginResult, err error) {
		onResult(r.info, r.created, err)
	})
}

// postKey builds the deduplication identity of a receipt post. Any field that
// changes what the backend would charge or record makes a distinct key.
func postKey(req PostReceiptRequest) string {
	parts := []string{
		"post_receipt",
		req.Token,
		req.AppUserID,
		strconv.FormatBool(req.IsRestore),
		strconv.FormatBool(req.FinishTransactions),
		strings.Join(req.ReceiptInfo.ProductIDs, ","),
		req.ReceiptInfo.SubscriptionOptionID,
		string(req.ReceiptInfo.ReplacementMode),
		req.StoreAppUserID,
		req.Source.String(),
	}
	if p := req.ReceiptInfo.Product; p != nil {
		parts = append(parts,
			p.Price.String(), p.Currency, p.PeriodISO8601, p.PeriodType.String())
	}
	if oc := req.ReceiptInfo.PresentedOfferingContext; oc != nil {
		parts = append(parts, oc.OfferingID, oc.PlacementID)
	}
	return strings.Join(parts, "\x00")
}

func postBody(req PostReceiptRequest) map[string]any {
	body := map[string]any{
		"fetch_token":      req.Token,
		"app_user_id":      req.AppUserID,
		"is_restore":       req.IsRestore,
		"observer_mode":    !req.FinishTransactions,
		"product_ids":      req.ReceiptInfo.ProductIDs,
		"initiation_source": req.Source.String(),
	}
	if req.ReceiptInfo.SubscriptionOptionID != "" {
		body["subscription_option_id"] = req.ReceiptInfo.SubscriptionOptionID
	}
	if req.ReceiptInfo.ReplacementMode != model.ReplacementModeNone {
		body["replacement_mode"] = string(req.ReceiptInfo.ReplacementMode)
	}
	if req.StoreAppUserID != "" {
		body["store_user_id"] = req.StoreAppUserID
	}
	if p := req.ReceiptInfo.Product; p != nil {
		body["price"] = p.Price.String()
		body["currency"] = p.Currency
		body["normal_duration"] = p.PeriodISO8601
		body["period_type"] = p.PeriodType.String()
	}
	if oc := req.ReceiptInfo.PresentedOfferingContext; oc != nil {
		body["presented_offering_identifier"] = oc.OfferingID
		if oc.PlacementID != "" {
			body["presented_placement_identifier"] = oc.PlacementID
		}
	}
	return body
}

func backendStatusError(res HTTPResult) *errs.Error {
	_, _, message := parseErrorBody(res)
	if message == "" {
		message = "backend returned status " + strconv.Itoa(res.Code)
	}
	return errs.New(errs.KindUnknownBackend, message)
}

func parseErrorBody(res HTTPResult) (status, code int, message string) {
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(res.Body, &payload)
	return res.Code, payload.Code, payload.Message
}
