package tapsign

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/config"
	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

// Factories build the sessions a Selector may open.
type Factories struct {
	Relay  func() types.Session
	Cloud  func() *transport.CloudSession
	Direct func() (types.Session, error)
}

// Selector picks the transport for the configured mode and owns the one live
// session.
type Selector struct {
	mode      string
	nativeNFC bool
	factories Factories
	consent   *ConsentFlow
	logger    *zap.Logger

	mu      sync.Mutex
	session types.Session
	cloud   *transport.CloudSession
}

func NewSelector(mode string, nativeNFC bool, factories Factories, logger *zap.Logger) *Selector {
	logger = logging.OrNop(logger)
	s := &Selector{
		mode:      mode,
		nativeNFC: nativeNFC,
		factories: factories,
		logger:    logger,
	}
	if factories.Relay != nil {
		s.consent = NewConsentFlow(factories.Relay, logger)
	}
	return s
}

// Session returns the live session, if any.
func (s *Selector) Session() types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Consent returns the consent state of the relay transport.
func (s *Selector) Consent() types.ConsentRequest {
	if s.consent == nil {
		return types.ConsentRequest{Status: types.ConsentNotRequired}
	}
	return s.consent.Request()
}

// Open returns a usable session, reusing the current one while its transport is up.
func (s *Selector) Open(ctx context.Context) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && live(s.session) {
		return s.session, nil
	}
	s.closeSession()

	var sess types.Session
	var err error

	switch s.mode {
	case config.ModeRelay:
		sess, err = s.openRelay(ctx)
	case config.ModeCloud:
		sess, err = s.openCloud()
	case config.ModeDirect:
		sess, err = s.openDirect(ctx)
	case config.ModeAuto:
		sess, err = s.openAuto(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", s.mode)
	}

	if err != nil {
		return nil, err
	}

	s.session = sess
	return sess, nil
}

func (s *Selector) openAuto(ctx context.Context) (types.Session, error) {
	if s.nativeNFC {
		sess, err := s.openDirect(ctx)
		if err == nil {
			return sess, nil
		}
		s.logger.Info("direct reader not usable, falling back to phone pairing", zap.Error(err))
		return s.openCloud()
	}

	sess, err := s.openRelay(ctx)
	var unavailable *types.RelayUnavailableError
	if errors.As(err, &unavailable) {
		s.logger.Info("relay not running, falling back to phone pairing", zap.Error(err))
		return s.openCloud()
	}

	return sess, err
}

func (s *Selector) openRelay(ctx context.Context) (types.Session, error) {
	if s.consent == nil {
		return nil, errors.New("relay transport not configured")
	}
	return s.consent.Connect(ctx)
}

// openCloud returns the pairing session without connecting it; the caller pairs
// the phone with StartPairing.
func (s *Selector) openCloud() (types.Session, error) {
	if s.factories.Cloud == nil {
		return nil, errors.New("cloud transport not configured")
	}
	if s.cloud == nil || s.cloud.State() == types.StateClosed {
		s.cloud = s.factories.Cloud()
	}
	return s.cloud, nil
}

func (s *Selector) openDirect(ctx context.Context) (types.Session, error) {
	if s.factories.Direct == nil {
		return nil, types.ErrDirectUnavailable
	}

	sess, err := s.factories.Direct()
	if err != nil {
		return nil, err
	}

	if err := sess.Connect(ctx); err != nil {
		_ = sess.Disconnect()
		return nil, err
	}

	return sess, nil
}

// Cloud returns the pairing session, switching the selector to it.
func (s *Selector) Cloud() (*transport.CloudSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && s.session != types.Session(s.cloud) {
		s.closeSession()
	}

	if _, err := s.openCloud(); err != nil {
		return nil, err
	}
	s.session = s.cloud

	return s.cloud, nil
}

// RetryAfterConsent reconnects the relay once the user acted on the consent page.
func (s *Selector) RetryAfterConsent(ctx context.Context) (types.Session, error) {
	if s.consent == nil {
		return nil, errors.New("relay transport not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.consent.RetryAfterConsent(ctx)
	if err != nil {
		return nil, err
	}

	s.session = sess
	return sess, nil
}

func (s *Selector) DenyConsent() {
	if s.consent != nil {
		s.consent.Deny()
	}
}

// Close disconnects the live session.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.closeSession()
	if s.cloud != nil {
		_ = s.cloud.Disconnect()
		s.cloud = nil
	}
	return err
}

func (s *Selector) closeSession() error {
	if s.session == nil {
		return nil
	}

	sess := s.session
	s.session = nil
	if sess == types.Session(s.cloud) && sess.State() != types.StateClosed {
		return nil
	}
	return sess.Disconnect()
}

// live reports whether sess can still carry commands. A cloud session counts as
// live until it is closed so that its pairing survives.
func live(sess types.Session) bool {
	switch sess.State() {
	case types.StateCardPresent, types.StateExecuting, types.StateAwaitingCard:
		return true
	case types.StateClosed:
		return false
	default:
		return sess.Kind() == types.TransportCloudPairing
	}
}
