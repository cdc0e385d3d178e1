package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/status-im/tapsign-go/types"
)

// silentRelay presents a card and never answers a command.
func silentRelay(t *testing.T) string {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		data, _ := json.Marshal(RelayHandleData{Handle: "h1"})
		_ = conn.WriteJSON(RelayEvent{Event: RelayEventConnected})
		_ = conn.WriteJSON(RelayEvent{Event: RelayEventHandleAdded, Data: data})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestCommandTimeoutDeregistersCall(t *testing.T) {
	s := NewRelaySession(silentRelay(t), "http://localhost", Options{
		CardTimeout:    time.Second,
		CommandTimeout: 100 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = s.Disconnect() })

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, "h1", s.Handle())

	_, err := s.Execute(context.Background(), &types.Command{Name: types.CommandGetKeyInfo, KeyNo: 9})
	var timeout *types.CommandTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, types.CommandGetKeyInfo, timeout.Command)

	assert.Equal(t, 0, s.pendingCount())
	assert.Equal(t, types.StateCardPresent, s.State())
}

func TestCancelledCallerDoesNotAbortCommand(t *testing.T) {
	s := NewRelaySession(silentRelay(t), "http://localhost", Options{
		CardTimeout:    time.Second,
		CommandTimeout: 200 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = s.Disconnect() })
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Execute(ctx, &types.Command{Name: types.CommandGetKeyInfo, KeyNo: 9})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the command still owns the card until its own timeout
	assert.Equal(t, types.StateExecuting, s.State())
	assert.Equal(t, 1, s.pendingCount())

	require.Eventually(t, func() bool {
		return s.State() == types.StateCardPresent && s.pendingCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConsentURL(t *testing.T) {
	cases := []struct {
		relayURL string
		expected string
	}{
		{"ws://127.0.0.1:32868/ws", "http://127.0.0.1:32868/consent?website=http%3A%2F%2Flocalhost"},
		{"wss://relay.example:443/ws?x=1", "https://relay.example:443/consent?website=http%3A%2F%2Flocalhost"},
	}

	for _, c := range cases {
		s := NewRelaySession(c.relayURL, "http://localhost", Options{})
		assert.Equal(t, c.expected, s.ConsentURL())
	}
}
