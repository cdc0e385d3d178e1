package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/types"
)

const writeTimeout = 5 * time.Second

// rpcConn owns a websocket: one writer at a time, a read loop feeding onMessage,
// and the table of calls waiting for a reply keyed by correlation id.
type rpcConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	pending   map[string]chan result
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	onMessage func([]byte)
	logger    *zap.Logger
}

func newRPCConn(conn *websocket.Conn, logger *zap.Logger, onMessage func([]byte)) *rpcConn {
	return &rpcConn{
		conn:      conn,
		pending:   make(map[string]chan result),
		done:      make(chan struct{}),
		onMessage: onMessage,
		logger:    logger,
	}
}

func (c *rpcConn) start() {
	go c.readLoop()
}

func (c *rpcConn) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.onMessage(msg)
	}
}

// shutdown fails every pending call and records why the socket went away.
func (c *rpcConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if !isExpectedClose(err) {
			c.logger.Debug("relay connection lost", zap.Error(err))
		}

		c.mu.Lock()
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[string]chan result)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- result{err: types.ErrTransportClosed}
		}

		close(c.done)
	})
}

// Done is closed once the read loop has stopped.
func (c *rpcConn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, if it has ended.
func (c *rpcConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *rpcConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *rpcConn) register(uid string) (<-chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, types.ErrTransportClosed
	default:
	}

	ch := make(chan result, 1)
	c.pending[uid] = ch
	return ch, nil
}

func (c *rpcConn) unregister(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, uid)
}

// resolve delivers r to the call registered under uid. Replies for unknown ids
// (timed out or never sent) are dropped.
func (c *rpcConn) resolve(uid string, r result) bool {
	c.mu.Lock()
	ch, ok := c.pending[uid]
	delete(c.pending, uid)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply for unknown call", zap.String("uid", uid))
		return false
	}

	ch <- r
	return true
}

func (c *rpcConn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// call sends frame and waits for the reply correlated by uid, up to timeout.
func (c *rpcConn) call(uid string, frame interface{}, name string, timeout time.Duration) (*types.Response, error) {
	ch, err := c.register(uid)
	if err != nil {
		return nil, err
	}

	if err := c.writeJSON(frame); err != nil {
		c.unregister(uid)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timer.C:
		c.unregister(uid)
		return nil, &types.CommandTimeoutError{Command: name, Timeout: timeout}
	}
}

func (c *rpcConn) close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown(net.ErrClosed)
	return err
}

func isExpectedClose(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// closeCode returns the websocket close code carried by err, or 0.
func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return 0, ""
}
