package transport_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/status-im/tapsign-go/internal/emulator"
	"github.com/status-im/tapsign-go/pairing"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

const executorURL = "https://gateway.example/e"

func startGateway(t *testing.T) (*emulator.GatewayServer, string) {
	gateway := emulator.NewGatewayServer(zaptest.NewLogger(t))
	srv := httptest.NewServer(gateway.Handler())
	t.Cleanup(srv.Close)
	return gateway, emulator.WebsocketURL(srv.URL)
}

func newCloudSession(t *testing.T, url string) *transport.CloudSession {
	s := transport.NewCloudSession(url+"?side=requestor", executorURL, testOptions(t))
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestCloudPairingFlow(t *testing.T) {
	_, url := startGateway(t)
	card := emulator.NewCard(emulator.DefaultPassword)
	_, err := card.GenerateKey(8, true)
	require.NoError(t, err)

	s := newCloudSession(t, url)
	ctx := context.Background()

	_, err = s.Execute(ctx, &types.Command{Name: types.CommandGetKeyInfo, KeyNo: 8})
	assert.ErrorIs(t, err, types.ErrNotPaired)
	assert.ErrorIs(t, s.Connect(ctx), types.ErrPairingNotStarted)

	info, err := s.StartPairing(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.URL, executorURL+"?id="+info.SessionID+"#"))
	assert.True(t, bytes.HasPrefix(info.QRCode, []byte("\x89PNG")))
	assert.Equal(t, types.StateAwaitingCard, s.State())

	sessionID, secret, err := pairing.ParseURL(info.URL)
	require.NoError(t, err)
	assert.Equal(t, info.SessionID, sessionID)
	assert.Len(t, secret, pairing.SecretSize)

	phone, err := emulator.JoinSession(ctx, url, info.URL, card, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.WaitConnected(ctx))
	assert.Equal(t, types.StateCardPresent, s.State())
	assert.Equal(t, "phone:"+info.SessionID, s.Handle())

	resp, err := s.Execute(ctx, &types.Command{Name: types.CommandGetKeyInfo, KeyNo: 8})
	require.NoError(t, err)
	keyInfo(t, resp)

	phone.Close()
	require.Eventually(t, func() bool {
		return s.State() == types.StateClosed
	}, time.Second, 5*time.Millisecond)

	_, err = s.Execute(ctx, &types.Command{Name: types.CommandGetKeyInfo, KeyNo: 8})
	assert.Error(t, err)
}

func TestCloudWaitCancelled(t *testing.T) {
	gateway, url := startGateway(t)

	s := newCloudSession(t, url)
	_, err := s.StartPairing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, gateway.Sessions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = s.WaitConnected(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.StateDisconnected, s.State())
	assert.Nil(t, s.Pairing())

	require.Eventually(t, func() bool {
		return gateway.Sessions() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCloudGatewayUnavailable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := emulator.WebsocketURL(srv.URL)
	srv.Close()

	s := newCloudSession(t, url)
	_, err := s.StartPairing(context.Background())

	var unavailable *types.RelayUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, types.StateDisconnected, s.State())
}
