package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/types"
)

// presence fans card presence changes out to Events() and wakes goroutines waiting
// for a card.
type presence struct {
	mu     sync.Mutex
	wake   chan struct{}
	events chan types.PresenceEvent
	logger *zap.Logger
}

func newPresence(logger *zap.Logger) *presence {
	return &presence{
		wake:   make(chan struct{}),
		events: make(chan types.PresenceEvent, eventBufferSize),
		logger: logger,
	}
}

// changed returns a channel closed on the next presence change.
func (p *presence) changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

func (p *presence) publish(ev types.PresenceEvent) {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()

	select {
	case p.events <- ev:
	default:
		p.logger.Debug("dropping presence event, no reader", zap.Stringer("event", ev.Kind))
	}
}
