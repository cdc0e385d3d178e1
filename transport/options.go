// Package transport implements the sessions that carry card commands to a card:
// a local relay bridging a USB reader, a hosted gateway with a paired phone acting
// as the reader, and an in-process reader.
package transport

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/metrics"
)

const (
	DefaultCardTimeout    = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	handshakeTimeout      = 10 * time.Second
	eventBufferSize       = 16
)

// Options holds settings shared by every session type.
type Options struct {
	// CardTimeout bounds the wait for a card (or a card handle) to appear.
	CardTimeout time.Duration
	// CommandTimeout bounds each command independently.
	CommandTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Dialer         *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.CardTimeout <= 0 {
		o.CardTimeout = DefaultCardTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return o
}
