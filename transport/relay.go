package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/types"
)

// Close codes the relay uses to refuse an origin.
const (
	CloseConsentRequired = 4002
	CloseConsentDenied   = 4003
)

const (
	RelayRequestExec      = "exec_halo"
	RelayEventConnected   = "ws_connected"
	RelayEventHandleAdded = "handle_added"
	RelayEventHandleGone  = "handle_removed"
	RelayEventSuccess     = "exec_success"
	RelayEventException   = "exec_exception"
)

type RelayRequest struct {
	Type    string         `json:"type"`
	Handle  string         `json:"handle"`
	UID     string         `json:"uid"`
	Command *types.Command `json:"command"`
}

type RelayEvent struct {
	Event string          `json:"event"`
	UID   string          `json:"uid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RelayHandleData struct {
	Handle string `json:"handle"`
	Reader string `json:"reader,omitempty"`
}

type RelaySuccessData struct {
	Res json.RawMessage `json:"res"`
}

type RelayExceptionData struct {
	Exception types.CommandError `json:"exception"`
}

// RelaySession talks to a relay process on the loopback interface that bridges a
// USB attached reader.
type RelaySession struct {
	url         string
	origin      string
	opts        Options
	sm          *types.StateMachine
	presence    *presence
	exec        *executor
	logger      *zap.Logger
	established atomic.Bool

	mu  sync.Mutex
	rpc *rpcConn
}

var _ types.Session = (*RelaySession)(nil)

func NewRelaySession(relayURL, origin string, opts Options) *RelaySession {
	opts = opts.withDefaults()
	sm := types.NewStateMachine()
	logger := logging.WithTransport(opts.Logger, types.TransportRelay.String())

	return &RelaySession{
		url:      relayURL,
		origin:   origin,
		opts:     opts,
		sm:       sm,
		presence: newPresence(logger),
		exec:     newExecutor(types.TransportRelay, sm, opts),
		logger:   logger,
	}
}

func (s *RelaySession) Kind() types.TransportKind {
	return types.TransportRelay
}

func (s *RelaySession) State() types.SessionState {
	return s.sm.State()
}

func (s *RelaySession) Handle() string {
	return s.sm.Handle()
}

func (s *RelaySession) Events() <-chan types.PresenceEvent {
	return s.presence.events
}

// Connect opens the relay channel and waits for a card to be presented.
func (s *RelaySession) Connect(ctx context.Context) error {
	switch s.sm.State() {
	case types.StateCardPresent, types.StateExecuting, types.StateAwaitingCard:
		if s.established.Load() {
			return nil
		}
	case types.StateClosed:
		return types.ErrTransportClosed
	}

	if err := s.sm.Transition(types.StateConnecting); err != nil {
		return err
	}
	defer s.opts.Metrics.TrackConnecting(types.TransportRelay.String())()

	header := http.Header{}
	header.Set("Origin", s.origin)

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			_ = s.sm.Transition(types.StateAwaitingConsent)
			return &types.ConsentRequiredError{ConsentURL: s.ConsentURL()}
		}

		_ = s.sm.Transition(types.StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Info("relay not reachable", zap.String("url", s.url), zap.Error(err))
		return &types.RelayUnavailableError{URL: s.url, Err: err}
	}

	rpc := newRPCConn(conn, s.logger, nil)
	rpc.onMessage = func(msg []byte) { s.handleMessage(rpc, msg) }

	s.mu.Lock()
	s.rpc = rpc
	s.mu.Unlock()

	rpc.start()

	timer := time.NewTimer(s.opts.CardTimeout)
	defer timer.Stop()

	for {
		changed := s.presence.changed()

		if s.sm.State() == types.StateCardPresent {
			s.established.Store(true)
			go s.watch(rpc)
			s.logger.Info("card present", zap.String("handle", s.sm.Handle()))
			return nil
		}

		select {
		case <-changed:
		case <-rpc.Done():
			return s.refused(rpc.Err())
		case <-timer.C:
			s.abort(rpc)
			return &types.CardNotDetectedError{Reason: "no card presented within " + s.opts.CardTimeout.String()}
		case <-ctx.Done():
			s.abort(rpc)
			return ctx.Err()
		}
	}
}

// refused interprets the relay closing the channel during Connect.
func (s *RelaySession) refused(err error) error {
	code, reason := closeCode(err)

	switch code {
	case CloseConsentRequired:
		if s.sm.Transition(types.StateAwaitingConsent) != nil {
			_ = s.sm.Transition(types.StateDisconnected)
		}
		consentURL := reason
		if consentURL == "" {
			consentURL = s.ConsentURL()
		}
		return &types.ConsentRequiredError{ConsentURL: consentURL}
	case CloseConsentDenied:
		_ = s.sm.Transition(types.StateDisconnected)
		return &types.ConsentDeniedError{}
	default:
		_ = s.sm.Transition(types.StateDisconnected)
		if err == nil {
			err = types.ErrTransportClosed
		}
		return &types.RelayUnavailableError{URL: s.url, Err: err}
	}
}

func (s *RelaySession) abort(rpc *rpcConn) {
	_ = s.sm.Transition(types.StateDisconnected)
	_ = rpc.close()
}

// watch closes the session when an established channel goes away.
func (s *RelaySession) watch(rpc *rpcConn) {
	<-rpc.Done()
	if !s.established.Load() {
		return
	}

	_ = s.sm.Transition(types.StateClosed)
	s.presence.publish(types.PresenceEvent{Kind: types.TransportLost})
	s.logger.Info("relay channel closed")
}

func (s *RelaySession) handleMessage(rpc *rpcConn, msg []byte) {
	var ev RelayEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		s.logger.Warn("malformed relay message", zap.Error(err))
		return
	}

	switch ev.Event {
	case RelayEventConnected:
		s.sm.TransitionFrom(types.StateConnecting, types.StateAwaitingCard)
	case RelayEventHandleAdded:
		var data RelayHandleData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.Handle == "" {
			s.logger.Warn("handle_added without handle", zap.Error(err))
			return
		}
		if s.sm.State() == types.StateExecuting {
			return
		}
		if err := s.sm.CardPresent(data.Handle); err != nil {
			s.logger.Warn("unexpected card", zap.Error(err))
			return
		}
		s.presence.publish(types.PresenceEvent{Kind: types.CardAdded, Handle: data.Handle})
	case RelayEventHandleGone:
		if s.sm.TransitionFrom(types.StateCardPresent, types.StateAwaitingCard) ||
			s.sm.TransitionFrom(types.StateExecuting, types.StateAwaitingCard) {
			s.presence.publish(types.PresenceEvent{Kind: types.CardRemoved})
		}
	case RelayEventSuccess:
		var data RelaySuccessData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			rpc.resolve(ev.UID, result{err: err})
			return
		}
		rpc.resolve(ev.UID, result{resp: &types.Response{Data: data.Res}})
	case RelayEventException:
		var data RelayExceptionData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			rpc.resolve(ev.UID, result{err: err})
			return
		}
		rpc.resolve(ev.UID, result{resp: &types.Response{Error: &data.Exception}})
	default:
		s.logger.Debug("ignoring relay event", zap.String("event", ev.Event))
	}
}

// Execute sends one command to the present card, waiting for a card first when
// the previous one was lifted.
func (s *RelaySession) Execute(ctx context.Context, cmd *types.Command) (*types.Response, error) {
	s.mu.Lock()
	rpc := s.rpc
	s.mu.Unlock()

	if rpc == nil || !s.established.Load() {
		return nil, types.ErrNotConnected
	}

	uid := uuid.NewString()
	return s.exec.run(ctx, cmd, s.waitCard, func() (*types.Response, error) {
		logging.WithCommand(s.logger, cmd.Name, uid).Debug("sending command")
		frame := RelayRequest{
			Type:    RelayRequestExec,
			Handle:  s.sm.Handle(),
			UID:     uid,
			Command: cmd,
		}
		return rpc.call(uid, frame, cmd.Name, s.opts.CommandTimeout)
	})
}

func (s *RelaySession) waitCard(ctx context.Context) error {
	return waitForCard(ctx, s.sm, s.presence, s.opts.CardTimeout)
}

// Disconnect closes the channel. The session cannot be reused afterwards.
func (s *RelaySession) Disconnect() error {
	s.established.Store(false)
	_ = s.sm.Transition(types.StateClosed)

	s.mu.Lock()
	rpc := s.rpc
	s.rpc = nil
	s.mu.Unlock()

	if rpc == nil {
		return nil
	}
	return rpc.close()
}

// ConsentURL is the page on the relay where the user approves this origin.
func (s *RelaySession) ConsentURL() string {
	u, err := url.Parse(s.url)
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/consent"
	u.RawQuery = url.Values{"website": {s.origin}}.Encode()
	u.Fragment = ""

	return u.String()
}

func (s *RelaySession) pendingCount() int {
	s.mu.Lock()
	rpc := s.rpc
	s.mu.Unlock()
	if rpc == nil {
		return 0
	}
	return rpc.pendingCount()
}
