package tapsign

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/types"
)

// ConsentFlow connects relay sessions and tracks the user's approval of this
// origin on the relay. Every retry uses a fresh session.
type ConsentFlow struct {
	newSession func() types.Session
	logger     *zap.Logger

	mu      sync.Mutex
	session types.Session
	request types.ConsentRequest
}

func NewConsentFlow(newSession func() types.Session, logger *zap.Logger) *ConsentFlow {
	return &ConsentFlow{
		newSession: newSession,
		logger:     logging.OrNop(logger),
		request:    types.ConsentRequest{Status: types.ConsentNotRequired},
	}
}

// Request returns the current consent request.
func (f *ConsentFlow) Request() types.ConsentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.request
}

// Connect opens a session. When the relay asks for consent the request becomes
// pending and the ConsentRequiredError is returned.
func (f *ConsentFlow) Connect(ctx context.Context) (types.Session, error) {
	return f.open(ctx, false)
}

// Deny records that the user refused. Later retries fail without contacting the relay.
func (f *ConsentFlow) Deny() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.request.Status = types.ConsentDenied
	f.dropSession()
}

// RetryAfterConsent connects again once the user has acted on the consent page.
func (f *ConsentFlow) RetryAfterConsent(ctx context.Context) (types.Session, error) {
	return f.open(ctx, true)
}

// open connects a fresh session without holding the lock, so Request and Deny
// stay responsive while the relay waits for a card.
func (f *ConsentFlow) open(ctx context.Context, retry bool) (types.Session, error) {
	f.mu.Lock()
	if f.request.Status == types.ConsentDenied {
		f.mu.Unlock()
		return nil, &types.ConsentDeniedError{}
	}
	if retry {
		f.dropSession()
	}
	f.mu.Unlock()

	s := f.newSession()
	err := s.Connect(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		if f.request.Status == types.ConsentDenied {
			_ = s.Disconnect()
			return nil, &types.ConsentDeniedError{}
		}
		if f.request.Status == types.ConsentPending {
			f.request.Status = types.ConsentGranted
			f.logger.Info("consent granted")
		}
		f.dropSession()
		f.session = s
		return s, nil
	}

	var required *types.ConsentRequiredError
	var denied *types.ConsentDeniedError
	switch {
	case errors.As(err, &denied):
		f.request.Status = types.ConsentDenied
		f.logger.Info("consent denied")
	case errors.As(err, &required) && f.request.Status != types.ConsentDenied:
		f.request = types.ConsentRequest{ConsentURL: required.ConsentURL, Status: types.ConsentPending}
		f.logger.Info("consent required", zap.String("url", required.ConsentURL))
	}

	_ = s.Disconnect()
	return nil, err
}

func (f *ConsentFlow) dropSession() {
	if f.session == nil {
		return
	}
	if err := f.session.Disconnect(); err != nil {
		f.logger.Debug("error closing session", zap.Error(err))
	}
	f.session = nil
}
