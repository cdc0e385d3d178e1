package tapsign

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/status-im/tapsign-go/internal/emulator"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

// cardChannel runs commands straight against an emulated card.
type cardChannel struct {
	card *emulator.Card

	mu        sync.Mutex
	intercept func(cmd *types.Command) (*types.Response, error)
}

func (c *cardChannel) Execute(ctx context.Context, cmd *types.Command) (*types.Response, error) {
	c.mu.Lock()
	intercept := c.intercept
	c.mu.Unlock()

	if intercept != nil {
		if resp, err := intercept(cmd); resp != nil || err != nil {
			return resp, err
		}
	}

	data, cardErr := c.card.Execute(cmd)
	if cardErr != nil {
		return &types.Response{Error: cardErr}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &types.Response{Data: raw}, nil
}

func (c *cardChannel) setIntercept(fn func(cmd *types.Command) (*types.Response, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intercept = fn
}

func newCard(t *testing.T, slots ...int) (*emulator.Card, map[int]*ecdsa.PrivateKey) {
	card := emulator.NewCard(emulator.DefaultPassword)
	keys := map[int]*ecdsa.PrivateKey{}

	for _, slot := range slots {
		key, err := card.GenerateKey(slot, slot != KeySlotSystem)
		require.NoError(t, err)
		keys[slot] = key
	}

	return card, keys
}

func addressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func slotNumbers(slots []types.KeySlot) []int {
	out := make([]int, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.SlotNumber)
	}
	return out
}

func commandNames(calls []types.Command) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Name)
	}
	return out
}

const testOrigin = "http://localhost"

func testTransportOptions(t *testing.T) transport.Options {
	return transport.Options{
		CardTimeout:    500 * time.Millisecond,
		CommandTimeout: 2 * time.Second,
		Logger:         zaptest.NewLogger(t),
	}
}

func startRelay(t *testing.T, card *emulator.Card) (*emulator.RelayServer, string) {
	relay := emulator.NewRelayServer(card, zaptest.NewLogger(t))
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(srv.Close)
	return relay, emulator.WebsocketURL(srv.URL)
}

func closedURL() string {
	srv := httptest.NewServer(nil)
	url := emulator.WebsocketURL(srv.URL)
	srv.Close()
	return url
}

// relayFactory builds relay sessions and counts how many were made.
func relayFactory(t *testing.T, url string, count *int32) func() types.Session {
	return func() types.Session {
		atomic.AddInt32(count, 1)
		s := transport.NewRelaySession(url, testOrigin, testTransportOptions(t))
		t.Cleanup(func() { _ = s.Disconnect() })
		return s
	}
}

func cloudFactory(t *testing.T, url string) func() *transport.CloudSession {
	return func() *transport.CloudSession {
		s := transport.NewCloudSession(url+"?side=requestor", "https://gateway.example/e", testTransportOptions(t))
		t.Cleanup(func() { _ = s.Disconnect() })
		return s
	}
}

type fakeSession struct {
	kind        types.TransportKind
	connectErr  error
	sm          *types.StateMachine
	disconnects int32

	// gate, when set, holds Connect until it is closed. started is closed
	// once Connect is waiting on it.
	gate    chan struct{}
	started chan struct{}
}

func newFakeSession(kind types.TransportKind, connectErr error) *fakeSession {
	return &fakeSession{kind: kind, connectErr: connectErr, sm: types.NewStateMachine()}
}

func (f *fakeSession) Kind() types.TransportKind          { return f.kind }
func (f *fakeSession) State() types.SessionState          { return f.sm.State() }
func (f *fakeSession) Handle() string                     { return f.sm.Handle() }
func (f *fakeSession) Events() <-chan types.PresenceEvent { return nil }

func (f *fakeSession) Connect(ctx context.Context) error {
	if f.gate != nil {
		close(f.started)
		<-f.gate
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	if err := f.sm.Transition(types.StateConnecting); err != nil {
		return err
	}
	return f.sm.CardPresent("fake")
}

func (f *fakeSession) Execute(ctx context.Context, cmd *types.Command) (*types.Response, error) {
	return &types.Response{}, nil
}

func (f *fakeSession) Disconnect() error {
	atomic.AddInt32(&f.disconnects, 1)
	return f.sm.Transition(types.StateClosed)
}

func httptestServer(t *testing.T, h interface{ Handler() http.Handler }) string {
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}
