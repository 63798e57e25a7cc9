package billing

import (
	"time"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/backoff"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
)

// RunAfter schedules fn on the designated billing execution context after the
// given delay. All store calls for one executor flow through the same RunAfter
// so attempts stay serialized.
type RunAfter func(after time.Duration, fn func())

// executor drives one acknowledge or consume call to a terminal outcome. It
// re-acquires a connected client for every attempt; a disconnection observed
// mid-call just re-issues the request without consuming a retry.
type executor struct {
	op       string
	token    string
	provider ClientProvider
	runAfter RunAfter
	issue    func(Client, string, func(ResponseCode))
	inBG     func() bool
	log      *zap.Logger

	state     backoff.State
	onSuccess func(token string)
	onError   func(*errs.Error)
	done      bool
}

func newExecutor(
	op string,
	token string,
	source model.InitiationSource,
	provider ClientProvider,
	runAfter RunAfter,
	inBG func() bool,
	log *zap.Logger,
	issue func(Client, string, func(ResponseCode)),
	onSuccess func(string),
	onError func(*errs.Error),
) *executor {
	return &executor{
		op:        op,
		token:     token,
		provider:  provider,
		runAfter:  runAfter,
		issue:     issue,
		inBG:      inBG,
		log:       log,
		state:     backoff.State{Source: source},
		onSuccess: onSuccess,
		onError:   onError,
	}
}

// Run issues the first attempt immediately.
func (e *executor) Run() {
	e.execute(0)
}

func (e *executor) execute(after time.Duration) {
	e.runAfter(after, func() {
		e.provider.WithConnectedClient(func(cl Client) {
			e.issue(cl, e.token, e.processResult)
		})
	})
}

func (e *executor) processResult(code ResponseCode) {
	if e.done {
		return
	}
	switch code {
	case ResponseOK:
		e.done = true
		e.onSuccess(e.token)
	case ResponseServiceDisconnected:
		e.log.Debug("billing client disconnected mid-call, reconnecting",
			zap.String("op", e.op))
		e.execute(0)
	default:
		class, cerr := classify(code, e.state.Source)
		if class == backoff.ClassTerminal {
			e.fail(cerr)
			return
		}
		e.state.AppInBackground = e.inBG()
		decision, next := backoff.Next(e.state, class)
		if !decision.Retry {
			e.fail(cerr)
			return
		}
		e.state = next
		e.log.Debug("retrying billing call",
			zap.String("op", e.op),
			zap.String("code", code.String()),
			zap.Int("retries", next.Retries),
			zap.Duration("after", decision.After))
		e.execute(decision.After)
	}
}

func (e *executor) fail(cerr *errs.Error) {
	e.done = true
	e.log.Warn("billing call failed",
		zap.String("op", e.op),
		zap.String("source", e.state.Source.String()),
		zap.String("kind", cerr.Kind.String()))
	e.onError(cerr)
}
