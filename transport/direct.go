package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/apdu"
	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/types"
)

// CardReader is an NFC reader built into or attached to this device.
type CardReader interface {
	Readers() ([]string, error)
	// WaitForCard blocks until a card is in the field of reader.
	WaitForCard(ctx context.Context, reader string, timeout time.Duration) error
	Connect(reader string) (Card, error)
	Release() error
}

// Card is a connected card exchanging raw APDUs.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect() error
}

var errWrongApplet = errors.New("selected applet does not match")

type directResponse struct {
	Data  interface{}         `cbor:"data"`
	Error *types.CommandError `cbor:"error"`
}

// DirectSession drives a card through a reader owned by this process.
type DirectSession struct {
	reader      CardReader
	readerName  string
	aid         []byte
	opts        Options
	sm          *types.StateMachine
	presence    *presence
	exec        *executor
	logger      *zap.Logger
	established atomic.Bool

	mu   sync.Mutex
	card Card
}

var _ types.Session = (*DirectSession)(nil)

// NewDirectSession uses readerName, or the first reader found when it is empty.
func NewDirectSession(reader CardReader, readerName string, aid []byte, opts Options) *DirectSession {
	opts = opts.withDefaults()
	sm := types.NewStateMachine()
	logger := logging.WithTransport(opts.Logger, types.TransportDirect.String())

	return &DirectSession{
		reader:     reader,
		readerName: readerName,
		aid:        aid,
		opts:       opts,
		sm:         sm,
		presence:   newPresence(logger),
		exec:       newExecutor(types.TransportDirect, sm, opts),
		logger:     logger,
	}
}

func (s *DirectSession) Kind() types.TransportKind {
	return types.TransportDirect
}

func (s *DirectSession) State() types.SessionState {
	return s.sm.State()
}

func (s *DirectSession) Handle() string {
	return s.sm.Handle()
}

func (s *DirectSession) Events() <-chan types.PresenceEvent {
	return s.presence.events
}

// Connect picks a reader and waits for a card with the applet selected.
func (s *DirectSession) Connect(ctx context.Context) error {
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
	defer s.opts.Metrics.TrackConnecting(types.TransportDirect.String())()

	name, err := s.pickReader()
	if err != nil {
		_ = s.sm.Transition(types.StateDisconnected)
		return err
	}
	s.readerName = name

	_ = s.sm.Transition(types.StateAwaitingCard)
	if err := s.present(ctx); err != nil {
		_ = s.sm.Transition(types.StateDisconnected)
		return err
	}

	s.established.Store(true)
	s.logger.Info("card present", zap.String("reader", name))
	return nil
}

func (s *DirectSession) pickReader() (string, error) {
	readers, err := s.reader.Readers()
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDirectUnavailable, err)
	}

	if len(readers) == 0 {
		return "", types.ErrDirectUnavailable
	}

	if s.readerName == "" {
		return readers[0], nil
	}

	for _, r := range readers {
		if r == s.readerName {
			return r, nil
		}
	}

	return "", fmt.Errorf("%w: reader %q not found", types.ErrDirectUnavailable, s.readerName)
}

// present waits for a card on the chosen reader, connects and selects the applet.
func (s *DirectSession) present(ctx context.Context) error {
	if err := s.reader.WaitForCard(ctx, s.readerName, s.opts.CardTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &types.CardNotDetectedError{Reason: err.Error()}
	}

	card, err := s.reader.Connect(s.readerName)
	if err != nil {
		return &types.CardNotDetectedError{Reason: err.Error()}
	}

	if err := s.selectApplet(card); err != nil {
		_ = card.Disconnect()
		return err
	}

	s.mu.Lock()
	s.card = card
	s.mu.Unlock()

	if err := s.sm.CardPresent(s.readerName); err != nil {
		return err
	}
	s.presence.publish(types.PresenceEvent{Kind: types.CardAdded, Handle: s.readerName})

	return nil
}

func (s *DirectSession) selectApplet(card Card) error {
	raw, err := apdu.NewCommandSelect(s.aid).Serialize()
	if err != nil {
		return err
	}

	out, err := card.Transmit(raw)
	if err != nil {
		return &types.CardNotDetectedError{Reason: err.Error()}
	}

	resp, err := apdu.ParseResponse(out)
	if err != nil {
		return err
	}

	if !resp.IsOK() {
		return apdu.NewErrBadResponse(resp.Sw, "select failed")
	}

	name, err := apdu.FindTag(resp.Data, apdu.TagFCITemplate, apdu.TagFCIName)
	if err != nil {
		return err
	}

	if !bytes.Equal(name, s.aid) {
		return errWrongApplet
	}

	return nil
}

// Execute runs one command. When the card was lifted it waits up to the card
// timeout for it to come back.
func (s *DirectSession) Execute(ctx context.Context, cmd *types.Command) (*types.Response, error) {
	if !s.established.Load() {
		return nil, types.ErrNotConnected
	}

	return s.exec.run(ctx, cmd, s.waitCard, func() (*types.Response, error) {
		s.logger.Debug("sending command", zap.String("command", cmd.Name))
		return s.transmit(cmd)
	})
}

func (s *DirectSession) waitCard(ctx context.Context) error {
	switch s.sm.State() {
	case types.StateCardPresent:
		return nil
	case types.StateAwaitingCard:
		s.logger.Info("waiting for the card to be presented again")
		return s.present(ctx)
	case types.StateClosed:
		return types.ErrTransportClosed
	default:
		return types.ErrNotConnected
	}
}

func (s *DirectSession) transmit(cmd *types.Command) (*types.Response, error) {
	s.mu.Lock()
	card := s.card
	s.mu.Unlock()

	raw, err := apdu.Wrap(cmd)
	if err != nil {
		return nil, err
	}

	done := make(chan result, 1)
	go func() {
		out, err := card.Transmit(raw)
		if err != nil {
			done <- result{err: &types.CardNotDetectedError{Reason: err.Error()}}
			return
		}

		var dr directResponse
		if err := apdu.Unwrap(out, &dr); err != nil {
			done <- result{err: err}
			return
		}

		if dr.Error != nil {
			done <- result{resp: &types.Response{Error: dr.Error}}
			return
		}

		data, err := json.Marshal(dr.Data)
		done <- result{resp: &types.Response{Data: data}, err: err}
	}()

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		var notDetected *types.CardNotDetectedError
		if errors.As(r.err, &notDetected) {
			s.cardLost(card)
		}
		return r.resp, r.err
	case <-timer.C:
		s.cardLost(card)
		return nil, &types.CommandTimeoutError{Command: cmd.Name, Timeout: s.opts.CommandTimeout}
	}
}

func (s *DirectSession) cardLost(card Card) {
	if err := card.Disconnect(); err != nil {
		s.logger.Debug("error disconnecting card", zap.Error(err))
	}

	s.mu.Lock()
	if s.card == card {
		s.card = nil
	}
	s.mu.Unlock()

	if s.sm.TransitionFrom(types.StateExecuting, types.StateAwaitingCard) ||
		s.sm.TransitionFrom(types.StateCardPresent, types.StateAwaitingCard) {
		s.presence.publish(types.PresenceEvent{Kind: types.CardRemoved})
	}
}

// Disconnect releases the card and the reader context.
func (s *DirectSession) Disconnect() error {
	s.established.Store(false)
	_ = s.sm.Transition(types.StateClosed)

	s.mu.Lock()
	card := s.card
	s.card = nil
	s.mu.Unlock()

	if card != nil {
		if err := card.Disconnect(); err != nil {
			s.logger.Debug("error disconnecting card", zap.Error(err))
		}
	}

	return s.reader.Release()
}
