package backend

import (
	"errors"
	"fmt"

	"github.com/subwise/subwise-go/internal/errs"
)

// Backend business error codes carried in 4xx response bodies.
const (
	// codeUnsupportedRequest marks a request shape the backend permanently
	// rejects. Retrying or marking synced would both be wrong: the purchase
	// must stay unconsumed so a fixed client can resubmit it.
	codeUnsupportedRequest = 7662
)

// markSyncedCodes are permanent business rejections for which the receipt will
// never be accepted as-is; the caller should record the token as synced so the
// sweep stops resubmitting a doomed request.
var markSyncedCodes = map[int]struct{}{
	7226: {},
}

// ErrorHandlingBehavior tells the post-receipt caller what to do with the
// purchase after a failed post.
type ErrorHandlingBehavior int

const (
	// ShouldNotConsume leaves the purchase unfinished so a corrected request
	// can resubmit it.
	ShouldNotConsume ErrorHandlingBehavior = iota

	// ShouldBeMarkedSynced records the token as posted despite the error.
	ShouldBeMarkedSynced

	// ShouldUseOfflineEntitlementsAndNotConsume signals a server-side failure:
	// fall back to device-computed entitlements, keep the purchase unfinished.
	ShouldUseOfflineEntitlementsAndNotConsume
)

func (b ErrorHandlingBehavior) String() string {
	switch b {
	case ShouldBeMarkedSynced:
		return "mark_synced"
	case ShouldUseOfflineEntitlementsAndNotConsume:
		return "offline_entitlements"
	default:
		return "not_consume"
	}
}

// PostReceiptError is the classified failure of one receipt post. It wraps the
// underlying errs.Error and carries the handling behavior for the caller.
type PostReceiptError struct {
	Err      *errs.Error
	Behavior ErrorHandlingBehavior
}

func (e *PostReceiptError) Error() string {
	return fmt.Sprintf("%v (behavior: %s)", e.Err, e.Behavior)
}

func (e *PostReceiptError) Unwrap() error { return e.Err }

// BehaviorOf extracts the handling behavior from a post error, defaulting to
// the conservative ShouldNotConsume.
func BehaviorOf(err error) ErrorHandlingBehavior {
	var pre *PostReceiptError
	if errors.As(err, &pre) {
		return pre.Behavior
	}
	return ShouldNotConsume
}

// classifyPost maps a non-2xx post-receipt response onto an error and the
// caller behavior. Unknown 4xx business codes get ShouldNotConsume so a
// backend newly rejecting a request never silently discards purchases.
func classifyPost(status, code int, message string) *PostReceiptError {
	msg := message
	if msg == "" {
		msg = fmt.Sprintf("receipt post failed with status %d", status)
	}
	switch {
	case status >= 500:
		return &PostReceiptError{
			Err:      errs.New(errs.KindUnknownBackend, msg),
			Behavior: ShouldUseOfflineEntitlementsAndNotConsume,
		}
	case code == codeUnsupportedRequest:
		return &PostReceiptError{
			Err:      errs.New(errs.KindUnsupported, msg),
			Behavior: ShouldNotConsume,
		}
	default:
		if _, ok := markSyncedCodes[code]; ok {
			return &PostReceiptError{
				Err:      errs.New(errs.KindUnknownBackend, msg),
				Behavior: ShouldBeMarkedSynced,
			}
		}
		return &PostReceiptError{
			Err:      errs.New(errs.KindUnknownBackend, msg),
			Behavior: ShouldNotConsume,
		}
	}
}
