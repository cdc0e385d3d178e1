package emulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/pairing"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

const (
	sideRequestor = "requestor"
	sideExecutor  = "executor"
)

type gatewaySession struct {
	requestor *wsConn
	executor  *wsConn
}

// GatewayServer forwards sealed frames between a requestor and the phone that
// joined its session. It never sees plaintext commands.
type GatewayServer struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*gatewaySession
}

func NewGatewayServer(logger *zap.Logger) *GatewayServer {
	return &GatewayServer{
		logger:   logging.OrNop(logger).With(zap.String("component", "emulator-gateway")),
		sessions: map[string]*gatewaySession{},
	}
}

func (g *GatewayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	return mux
}

// Sessions returns the number of sessions with a connected requestor.
func (g *GatewayServer) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *GatewayServer) serveWS(w http.ResponseWriter, r *http.Request) {
	side := r.URL.Query().Get("side")
	if side != sideRequestor && side != sideExecutor {
		http.Error(w, "unknown side", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	if side == sideRequestor {
		g.serveRequestor(c)
		return
	}
	g.serveExecutor(c, r.URL.Query().Get("id"))
}

func (g *GatewayServer) serveRequestor(c *wsConn) {
	id := uuid.NewString()

	g.mu.Lock()
	g.sessions[id] = &gatewaySession{requestor: c}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		sess := g.sessions[id]
		delete(g.sessions, id)
		g.mu.Unlock()
		if sess != nil && sess.executor != nil {
			sess.executor.closeWith(websocket.CloseNormalClosure, "")
		}
	}()

	if err := c.writeJSON(transport.GatewayMessage{Type: transport.GatewayWelcome, SessionID: id}); err != nil {
		return
	}

	for {
		var msg transport.GatewayMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != transport.GatewayRequest {
			continue
		}

		g.mu.Lock()
		sess := g.sessions[id]
		g.mu.Unlock()
		if sess == nil || sess.executor == nil {
			g.logger.Debug("dropping request, no executor", zap.String("uid", msg.UID))
			continue
		}
		_ = sess.executor.writeJSON(msg)
	}
}

func (g *GatewayServer) serveExecutor(c *wsConn, id string) {
	g.mu.Lock()
	sess, ok := g.sessions[id]
	joined := ok && sess.executor == nil
	if joined {
		sess.executor = c
	}
	g.mu.Unlock()

	if !joined {
		c.closeWith(websocket.ClosePolicyViolation, "unknown session")
		return
	}

	_ = sess.requestor.writeJSON(transport.GatewayMessage{Type: transport.GatewayExecutorConnected, SessionID: id})

	defer func() {
		g.mu.Lock()
		if s, ok := g.sessions[id]; ok && s.executor == c {
			s.executor = nil
		}
		g.mu.Unlock()
		_ = sess.requestor.writeJSON(transport.GatewayMessage{Type: transport.GatewayExecutorDisconnected, SessionID: id})
	}()

	for {
		var msg transport.GatewayMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == transport.GatewayResult {
			_ = sess.requestor.writeJSON(msg)
		}
	}
}

// Phone plays the executor side: it joins a session from a pairing link and
// runs the commands it receives against its card.
type Phone struct {
	card   *Card
	conn   *wsConn
	key    []byte
	logger *zap.Logger
	done   chan struct{}
}

// JoinSession opens the pairing link against the gateway websocket at gatewayURL.
func JoinSession(ctx context.Context, gatewayURL, link string, card *Card, logger *zap.Logger) (*Phone, error) {
	sessionID, secret, err := pairing.ParseURL(link)
	if err != nil {
		return nil, err
	}

	key, err := pairing.DeriveKey(secret, sessionID)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("side", sideExecutor)
	q.Set("id", sessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	p := &Phone{
		card:   card,
		conn:   &wsConn{conn: conn},
		key:    key,
		logger: logging.OrNop(logger).With(zap.String("component", "emulator-phone")),
		done:   make(chan struct{}),
	}
	go p.loop()

	return p, nil
}

func (p *Phone) loop() {
	defer close(p.done)

	for {
		var msg transport.GatewayMessage
		if err := p.conn.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != transport.GatewayRequest {
			continue
		}
		go p.exec(msg)
	}
}

func (p *Phone) exec(msg transport.GatewayMessage) {
	plain, err := pairing.Open(p.key, msg.Payload)
	if err != nil {
		p.logger.Warn("cannot open request", zap.Error(err))
		return
	}

	var cmd types.Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		p.logger.Warn("malformed request", zap.Error(err))
		return
	}

	var resp types.Response
	data, cardErr := p.card.Execute(&cmd)
	if cardErr != nil {
		resp.Error = cardErr
	} else if resp.Data, err = json.Marshal(data); err != nil {
		return
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return
	}

	payload, err := pairing.Seal(p.key, out)
	if err != nil {
		return
	}

	_ = p.conn.writeJSON(transport.GatewayMessage{Type: transport.GatewayResult, UID: msg.UID, Payload: payload})
}

// Close leaves the session.
func (p *Phone) Close() {
	p.conn.closeWith(websocket.CloseNormalClosure, "")
	<-p.done
}

// WebsocketURL turns an http(s) test server address into its ws(s) /ws endpoint.
func WebsocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}
