package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/pairing"
	"github.com/status-im/tapsign-go/types"
)

const (
	GatewayWelcome              = "welcome"
	GatewayExecutorConnected    = "executor_connected"
	GatewayExecutorDisconnected = "executor_disconnected"
	GatewayRequest              = "request_cmd"
	GatewayResult               = "result"
)

// GatewayMessage is the frame exchanged with the hosted gateway. Payload is sealed
// with the pairing key and only readable by the paired phone.
type GatewayMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	UID       string `json:"uid,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// CloudSession reaches the card through a phone paired over a hosted gateway.
type CloudSession struct {
	gatewayURL  string
	executorURL string
	opts        Options
	sm          *types.StateMachine
	presence    *presence
	exec        *executor
	logger      *zap.Logger
	established atomic.Bool

	mu         sync.Mutex
	rpc        *rpcConn
	key        []byte
	info       *types.PairingInfo
	welcome    chan string
	paired     chan struct{}
	pairedOnce sync.Once
}

var _ types.Session = (*CloudSession)(nil)

func NewCloudSession(gatewayURL, executorURL string, opts Options) *CloudSession {
	opts = opts.withDefaults()
	sm := types.NewStateMachine()
	logger := logging.WithTransport(opts.Logger, types.TransportCloudPairing.String())

	return &CloudSession{
		gatewayURL:  gatewayURL,
		executorURL: executorURL,
		opts:        opts,
		sm:          sm,
		presence:    newPresence(logger),
		exec:        newExecutor(types.TransportCloudPairing, sm, opts),
		logger:      logger,
	}
}

func (s *CloudSession) Kind() types.TransportKind {
	return types.TransportCloudPairing
}

func (s *CloudSession) State() types.SessionState {
	return s.sm.State()
}

func (s *CloudSession) Handle() string {
	return s.sm.Handle()
}

func (s *CloudSession) Events() <-chan types.PresenceEvent {
	return s.presence.events
}

// Pairing returns the pairing link of a started session, or nil.
func (s *CloudSession) Pairing() *types.PairingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// StartPairing registers with the gateway and returns the link and QR code the
// user scans with the phone.
func (s *CloudSession) StartPairing(ctx context.Context) (*types.PairingInfo, error) {
	if info := s.Pairing(); info != nil && s.sm.State() == types.StateAwaitingCard {
		return info, nil
	}

	if err := s.sm.Transition(types.StateConnecting); err != nil {
		return nil, err
	}

	conn, _, err := s.opts.Dialer.DialContext(ctx, s.gatewayURL, nil)
	if err != nil {
		_ = s.sm.Transition(types.StateDisconnected)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.RelayUnavailableError{URL: s.gatewayURL, Err: err}
	}

	rpc := newRPCConn(conn, s.logger, nil)
	rpc.onMessage = func(msg []byte) { s.handleMessage(rpc, msg) }

	welcome := make(chan string, 1)
	s.mu.Lock()
	s.rpc = rpc
	s.welcome = welcome
	s.paired = make(chan struct{})
	s.pairedOnce = sync.Once{}
	s.mu.Unlock()

	rpc.start()

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

	var sessionID string
	select {
	case sessionID = <-welcome:
	case <-rpc.Done():
		_ = s.sm.Transition(types.StateDisconnected)
		return nil, &types.RelayUnavailableError{URL: s.gatewayURL, Err: types.ErrTransportClosed}
	case <-timer.C:
		s.abort(rpc)
		return nil, &types.RelayUnavailableError{URL: s.gatewayURL, Err: errors.New("no session assigned by gateway")}
	case <-ctx.Done():
		s.abort(rpc)
		return nil, ctx.Err()
	}

	info, key, err := s.buildPairing(sessionID)
	if err != nil {
		s.abort(rpc)
		return nil, err
	}

	s.mu.Lock()
	s.key = key
	s.info = info
	s.mu.Unlock()

	_ = s.sm.Transition(types.StateAwaitingCard)
	s.logger.Info("pairing started", zap.String("session_id", sessionID))

	return info, nil
}

func (s *CloudSession) buildPairing(sessionID string) (*types.PairingInfo, []byte, error) {
	secret, err := pairing.GenerateSecret()
	if err != nil {
		return nil, nil, err
	}

	key, err := pairing.DeriveKey(secret, sessionID)
	if err != nil {
		return nil, nil, err
	}

	link, err := pairing.BuildURL(s.executorURL, sessionID, secret)
	if err != nil {
		return nil, nil, err
	}

	png, err := pairing.QRCode(link)
	if err != nil {
		return nil, nil, err
	}

	return &types.PairingInfo{URL: link, SessionID: sessionID, QRCode: png}, key, nil
}

// WaitConnected blocks until the phone joins. There is no timeout; cancel ctx to
// give up, which also closes the gateway channel.
func (s *CloudSession) WaitConnected(ctx context.Context) error {
	if s.established.Load() {
		return nil
	}

	s.mu.Lock()
	rpc, paired := s.rpc, s.paired
	s.mu.Unlock()

	if rpc == nil || s.Pairing() == nil {
		return types.ErrPairingNotStarted
	}

	done := s.opts.Metrics.TrackConnecting(types.TransportCloudPairing.String())
	defer done()

	select {
	case <-paired:
		s.established.Store(true)
		go s.watch(rpc)
		s.logger.Info("phone paired")
		return nil
	case <-rpc.Done():
		_ = s.sm.Transition(types.StateDisconnected)
		return &types.RelayUnavailableError{URL: s.gatewayURL, Err: types.ErrTransportClosed}
	case <-ctx.Done():
		s.abort(rpc)
		return ctx.Err()
	}
}

// Connect waits for the paired phone. StartPairing must have been called.
func (s *CloudSession) Connect(ctx context.Context) error {
	return s.WaitConnected(ctx)
}

func (s *CloudSession) abort(rpc *rpcConn) {
	_ = s.sm.Transition(types.StateDisconnected)
	s.mu.Lock()
	s.info = nil
	s.mu.Unlock()
	_ = rpc.close()
}

func (s *CloudSession) watch(rpc *rpcConn) {
	<-rpc.Done()
	if !s.established.Load() {
		return
	}

	_ = s.sm.Transition(types.StateClosed)
	s.presence.publish(types.PresenceEvent{Kind: types.TransportLost})
	s.logger.Info("gateway channel closed")
}

func (s *CloudSession) handleMessage(rpc *rpcConn, msg []byte) {
	var m GatewayMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		s.logger.Warn("malformed gateway message", zap.Error(err))
		return
	}

	switch m.Type {
	case GatewayWelcome:
		s.mu.Lock()
		welcome := s.welcome
		s.mu.Unlock()
		select {
		case welcome <- m.SessionID:
		default:
		}
	case GatewayExecutorConnected:
		if err := s.sm.CardPresent("phone:" + m.SessionID); err != nil {
			s.logger.Warn("unexpected executor", zap.Error(err))
			return
		}
		s.mu.Lock()
		paired := s.paired
		s.pairedOnce.Do(func() { close(paired) })
		s.mu.Unlock()
		s.presence.publish(types.PresenceEvent{Kind: types.CardAdded, Handle: s.sm.Handle()})
	case GatewayExecutorDisconnected:
		s.logger.Info("phone left the session")
		_ = rpc.close()
	case GatewayResult:
		resp, err := s.openResult(m.Payload)
		rpc.resolve(m.UID, result{resp: resp, err: err})
	default:
		s.logger.Debug("ignoring gateway message", zap.String("type", m.Type))
	}
}

func (s *CloudSession) openResult(payload string) (*types.Response, error) {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	plain, err := pairing.Open(key, payload)
	if err != nil {
		return nil, err
	}

	var resp types.Response
	if err := json.Unmarshal(plain, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Execute relays one command to the paired phone.
func (s *CloudSession) Execute(ctx context.Context, cmd *types.Command) (*types.Response, error) {
	if !s.established.Load() {
		return nil, types.ErrNotPaired
	}

	s.mu.Lock()
	rpc, key := s.rpc, s.key
	s.mu.Unlock()

	plain, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	uid := uuid.NewString()
	return s.exec.run(ctx, cmd, s.waitCard, func() (*types.Response, error) {
		payload, err := pairing.Seal(key, plain)
		if err != nil {
			return nil, err
		}

		logging.WithCommand(s.logger, cmd.Name, uid).Debug("sending command")
		frame := GatewayMessage{Type: GatewayRequest, UID: uid, Payload: payload}
		return rpc.call(uid, frame, cmd.Name, s.opts.CommandTimeout)
	})
}

func (s *CloudSession) waitCard(ctx context.Context) error {
	return waitForCard(ctx, s.sm, s.presence, s.opts.CardTimeout)
}

func (s *CloudSession) Disconnect() error {
	s.established.Store(false)
	_ = s.sm.Transition(types.StateClosed)

	s.mu.Lock()
	rpc := s.rpc
	s.rpc = nil
	s.info = nil
	s.mu.Unlock()

	if rpc == nil {
		return nil
	}
	return rpc.close()
}
