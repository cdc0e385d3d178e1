package emulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.conn.Close()
}

// RelayServer emulates the local relay bridging a USB reader.
type RelayServer struct {
	card   *Card
	logger *zap.Logger

	mu             sync.Mutex
	requireConsent bool
	rejectUpgrade  bool
	dropReplies    bool
	approved       map[string]bool
	denied         map[string]bool
	present        bool
	handle         string
	conns          map[*wsConn]struct{}
}

func NewRelayServer(card *Card, logger *zap.Logger) *RelayServer {
	return &RelayServer{
		card:     card,
		logger:   logging.OrNop(logger).With(zap.String("component", "emulator-relay")),
		approved: map[string]bool{},
		denied:   map[string]bool{},
		conns:    map[*wsConn]struct{}{},
	}
}

// Handler serves the websocket on /ws and the consent page on /consent.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/consent", s.serveConsent)
	return mux
}

// RequireConsent makes the relay refuse origins that were not approved.
func (s *RelayServer) RequireConsent(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireConsent = require
}

// RejectUpgrade makes unapproved origins fail the handshake with 403 instead of
// a close frame.
func (s *RelayServer) RejectUpgrade(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectUpgrade = reject
}

// DropReplies makes the relay swallow command replies.
func (s *RelayServer) DropReplies(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReplies = drop
}

func (s *RelayServer) Approve(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[origin] = true
	delete(s.denied, origin)
}

func (s *RelayServer) Deny(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[origin] = true
	delete(s.approved, origin)
}

// Present places the card on the reader under a fresh handle.
func (s *RelayServer) Present() {
	s.mu.Lock()
	s.present = true
	s.handle = uuid.NewString()
	ev := handleEvent(transport.RelayEventHandleAdded, s.handle)
	conns := s.connList()
	s.mu.Unlock()

	broadcast(conns, ev)
}

func (s *RelayServer) Remove() {
	s.mu.Lock()
	if !s.present {
		s.mu.Unlock()
		return
	}
	ev := handleEvent(transport.RelayEventHandleGone, s.handle)
	s.present = false
	s.handle = ""
	conns := s.connList()
	s.mu.Unlock()

	broadcast(conns, ev)
}

// CloseAll drops every client connection.
func (s *RelayServer) CloseAll() {
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "")
	}
}

func (s *RelayServer) connList() []*wsConn {
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *RelayServer) serveConsent(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("website")
	if origin == "" {
		http.Error(w, "missing website", http.StatusBadRequest)
		return
	}

	switch r.URL.Query().Get("decision") {
	case "allow":
		s.Approve(origin)
		fmt.Fprintf(w, "%s may now use the reader\n", origin)
	case "deny":
		s.Deny(origin)
		fmt.Fprintf(w, "%s was denied\n", origin)
	default:
		fmt.Fprintf(w, "allow %s to use the reader? add decision=allow or decision=deny\n", origin)
	}
}

func (s *RelayServer) consentURL(r *http.Request, origin string) string {
	u := url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     "/consent",
		RawQuery: url.Values{"website": {origin}}.Encode(),
	}
	return u.String()
}

func (s *RelayServer) serveWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	s.mu.Lock()
	denied := s.denied[origin]
	needsConsent := s.requireConsent && !s.approved[origin]
	rejectUpgrade := s.rejectUpgrade
	s.mu.Unlock()

	if needsConsent && !denied && rejectUpgrade {
		http.Error(w, "origin not approved", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}

	switch {
	case denied:
		c.closeWith(transport.CloseConsentDenied, "denied")
		return
	case needsConsent:
		c.closeWith(transport.CloseConsentRequired, s.consentURL(r, origin))
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	present, handle := s.present, s.handle
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	_ = c.writeJSON(transport.RelayEvent{Event: transport.RelayEventConnected})
	if present {
		_ = c.writeJSON(handleEvent(transport.RelayEventHandleAdded, handle))
	}

	for {
		var req transport.RelayRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go s.exec(c, req)
	}
}

func (s *RelayServer) exec(c *wsConn, req transport.RelayRequest) {
	s.mu.Lock()
	present, handle, drop := s.present, s.handle, s.dropReplies
	s.mu.Unlock()

	if !present || req.Handle != handle || req.Command == nil {
		s.reply(c, req.UID, nil, &types.CommandError{
			Kind:    types.ErrorKindReader,
			Name:    types.ErrorCardAbsent,
			Message: "card is not present",
		})
		return
	}

	data, cardErr := s.card.Execute(req.Command)
	if drop {
		return
	}

	s.mu.Lock()
	present = s.present
	s.mu.Unlock()
	if !present {
		data, cardErr = nil, &types.CommandError{Kind: types.ErrorKindReader, Name: types.ErrorCardAbsent, Message: "card lifted"}
	}

	s.reply(c, req.UID, data, cardErr)
}

func (s *RelayServer) reply(c *wsConn, uid string, data interface{}, cardErr *types.CommandError) {
	var ev transport.RelayEvent
	var err error
	ev.UID = uid

	if cardErr != nil {
		ev.Event = transport.RelayEventException
		ev.Data, err = json.Marshal(transport.RelayExceptionData{Exception: *cardErr})
	} else {
		var res []byte
		res, err = json.Marshal(data)
		if err == nil {
			ev.Event = transport.RelayEventSuccess
			ev.Data, err = json.Marshal(transport.RelaySuccessData{Res: res})
		}
	}

	if err != nil {
		s.logger.Error("encoding reply", zap.Error(err))
		return
	}

	if err := c.writeJSON(ev); err != nil {
		s.logger.Debug("writing reply", zap.Error(err))
	}
}

func handleEvent(event, handle string) transport.RelayEvent {
	data, _ := json.Marshal(transport.RelayHandleData{Handle: handle, Reader: "emulated reader"})
	return transport.RelayEvent{Event: event, Data: data}
}

func broadcast(conns []*wsConn, ev transport.RelayEvent) {
	for _, c := range conns {
		_ = c.writeJSON(ev)
	}
}
