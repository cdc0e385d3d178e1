package tapsign

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/status-im/tapsign-go/config"
	"github.com/status-im/tapsign-go/types"
)

func TestSelectorAutoFallsBackToCloud(t *testing.T) {
	var made int32
	factories := Factories{
		Relay: relayFactory(t, closedURL(), &made),
		Cloud: cloudFactory(t, closedURL()),
	}

	s := NewSelector(config.ModeAuto, false, factories, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })

	sess, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TransportCloudPairing, sess.Kind())
	assert.Equal(t, int32(1), made)

	// the unpaired cloud session is kept
	again, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Same(t, sess, again)

	cloud, err := s.Cloud()
	require.NoError(t, err)
	assert.Same(t, sess, types.Session(cloud))
}

func TestSelectorAutoKeepsConsentError(t *testing.T) {
	required := &types.ConsentRequiredError{ConsentURL: "http://127.0.0.1/consent"}
	factories := Factories{
		Relay: func() types.Session { return newFakeSession(types.TransportRelay, required) },
		Cloud: cloudFactory(t, closedURL()),
	}

	s := NewSelector(config.ModeAuto, false, factories, zaptest.NewLogger(t))

	_, err := s.Open(context.Background())
	var got *types.ConsentRequiredError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, types.ConsentPending, s.Consent().Status)
	assert.Nil(t, s.Session())
}

func TestSelectorAutoNativeNFC(t *testing.T) {
	direct := newFakeSession(types.TransportDirect, nil)
	s := NewSelector(config.ModeAuto, true, Factories{
		Direct: func() (types.Session, error) { return direct, nil },
		Cloud:  cloudFactory(t, closedURL()),
	}, zaptest.NewLogger(t))

	sess, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Same(t, types.Session(direct), sess)

	s = NewSelector(config.ModeAuto, true, Factories{
		Direct: func() (types.Session, error) { return nil, types.ErrDirectUnavailable },
		Cloud:  cloudFactory(t, closedURL()),
	}, zaptest.NewLogger(t))

	sess, err = s.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TransportCloudPairing, sess.Kind())
}

func TestSelectorFixedModes(t *testing.T) {
	var made int32
	s := NewSelector(config.ModeRelay, false, Factories{
		Relay: relayFactory(t, closedURL(), &made),
		Cloud: cloudFactory(t, closedURL()),
	}, zaptest.NewLogger(t))

	_, err := s.Open(context.Background())
	var unavailable *types.RelayUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	s = NewSelector(config.ModeDirect, false, Factories{}, zaptest.NewLogger(t))
	_, err = s.Open(context.Background())
	assert.ErrorIs(t, err, types.ErrDirectUnavailable)

	failing := newFakeSession(types.TransportDirect, errors.New("no card"))
	s = NewSelector(config.ModeDirect, false, Factories{
		Direct: func() (types.Session, error) { return failing, nil },
	}, zaptest.NewLogger(t))
	_, err = s.Open(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), failing.disconnects)

	s = NewSelector("bluetooth", false, Factories{}, zaptest.NewLogger(t))
	_, err = s.Open(context.Background())
	assert.Error(t, err)
}

func TestSelectorReusesLiveSession(t *testing.T) {
	var sessions []*fakeSession
	s := NewSelector(config.ModeRelay, false, Factories{
		Relay: func() types.Session {
			f := newFakeSession(types.TransportRelay, nil)
			sessions = append(sessions, f)
			return f
		},
	}, zaptest.NewLogger(t))

	first, err := s.Open(context.Background())
	require.NoError(t, err)
	again, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)
	require.Len(t, sessions, 1)

	require.NoError(t, sessions[0].Disconnect())

	fresh, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	require.Len(t, sessions, 2)

	require.NoError(t, s.Close())
	assert.Equal(t, types.StateClosed, sessions[1].State())
	assert.Nil(t, s.Session())
}
