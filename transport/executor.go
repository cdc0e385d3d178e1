package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/metrics"
	"github.com/status-im/tapsign-go/types"
)

type result struct {
	resp *types.Response
	err  error
}

// executor serializes commands on one session. A dispatched command always runs
// to its response or timeout; a caller whose context ends stops waiting and the
// late result is dropped.
type executor struct {
	kind    types.TransportKind
	sm      *types.StateMachine
	slot    chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newExecutor(kind types.TransportKind, sm *types.StateMachine, opts Options) *executor {
	return &executor{
		kind:    kind,
		sm:      sm,
		slot:    make(chan struct{}, 1),
		logger:  logging.WithTransport(opts.Logger, kind.String()),
		metrics: opts.Metrics,
	}
}

func (e *executor) run(
	ctx context.Context,
	cmd *types.Command,
	waitCard func(context.Context) error,
	send func() (*types.Response, error),
) (*types.Response, error) {
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := waitCard(ctx); err != nil {
		<-e.slot
		return nil, err
	}

	if !e.sm.TransitionFrom(types.StateCardPresent, types.StateExecuting) {
		<-e.slot
		return nil, &types.CardNotDetectedError{Reason: "card left before the command was sent"}
	}

	done := make(chan result, 1)
	started := time.Now()
	go func() {
		resp, err := send()
		e.sm.TransitionFrom(types.StateExecuting, types.StateCardPresent)
		<-e.slot
		e.metrics.RecordCommand(e.kind.String(), cmd.Name, commandStatus(resp, err), time.Since(started))
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		e.logger.Debug("caller stopped waiting, command still in flight", zap.String("command", cmd.Name))
		return nil, ctx.Err()
	}
}

func commandStatus(resp *types.Response, err error) string {
	var timeout *types.CommandTimeoutError
	var notDetected *types.CardNotDetectedError
	switch {
	case errors.As(err, &timeout):
		return metrics.StatusTimeout
	case errors.As(err, &notDetected):
		return metrics.StatusNoCard
	case err != nil:
		return metrics.StatusError
	case resp != nil && resp.Error != nil:
		if resp.Error.Name == types.ErrorWrongPassword {
			return metrics.StatusWrongPIN
		}
		if resp.Error.Name == types.ErrorCardAbsent {
			return metrics.StatusNoCard
		}
		return metrics.StatusError
	default:
		return metrics.StatusSuccess
	}
}

// waitForCard blocks until sm reports a card, the wait times out, the transport
// goes away or ctx ends.
func waitForCard(ctx context.Context, sm *types.StateMachine, p *presence, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		changed := p.changed()

		switch sm.State() {
		case types.StateCardPresent:
			return nil
		case types.StateAwaitingCard, types.StateExecuting:
		case types.StateClosed:
			return types.ErrTransportClosed
		default:
			return types.ErrNotConnected
		}

		select {
		case <-changed:
		case <-timer.C:
			return &types.CardNotDetectedError{Reason: "no card presented within " + timeout.String()}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
