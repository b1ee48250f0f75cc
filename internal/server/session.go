package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	// websocket close reasons must fit a control frame
	maxCloseReason = 123
)

// Application close codes sent to websocket clients.
const (
	WSCloseNotRunning  = 4101
	WSCloseUnavailable = 4102
	WSCloseFetchFailed = 4103
)

// wsCloseCode maps a group close reason onto a websocket close code.
func wsCloseCode(c groups.CloseCode) int {
	switch c {
	case groups.CloseNotRunning:
		return WSCloseNotRunning
	case groups.CloseUnavailable:
		return WSCloseUnavailable
	case groups.CloseFetchFailed:
		return WSCloseFetchFailed
	default:
		return websocket.CloseNormalClosure
	}
}

type outFrame struct {
	data      []byte
	close     bool
	closeCode int
	reason    string
}

// conn serializes writes to one websocket. Text frames are dropped when the
// client falls behind; close frames are always delivered.
type conn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	out  chan outFrame
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, log *slog.Logger) *conn {
	c := &conn{ws: ws, log: log, out: make(chan outFrame, sendBuffer), done: make(chan struct{})}
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

func (c *conn) text(b []byte) {
	select {
	case <-c.done:
	case c.out <- outFrame{data: b}:
	default:
		c.log.Warn("websocket client too slow, dropping message")
	}
}

func (c *conn) json(m message.Client) {
	b, err := message.EncodeClient(m)
	if err != nil {
		c.log.Error("encode client message", "error", err)
		return
	}
	c.text(b)
}

func (c *conn) closeWith(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	select {
	case <-c.done:
	case c.out <- outFrame{close: true, closeCode: code, reason: reason}:
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.shutdown()
	}()
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if f.close {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.reason))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop hands every inbound text frame to fn until the connection ends.
func (c *conn) readLoop(fn func([]byte)) {
	defer c.shutdown()
	for {
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		if kind == websocket.TextMessage {
			fn(b)
		}
	}
}

// --- usercomms ---

// userSession is one /ws/usercomms client. It follows at most one simulation
// at a time and stays open when that simulation stops, so the client can
// connect to another one.
type userSession struct {
	r    *Router
	conn *conn

	mu  sync.Mutex
	sub *subscription
}

// subscription is the session's membership in one simcomms group.
type subscription struct {
	s     *userSession
	id    string
	group string
}

func (sub *subscription) current() bool {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	return sub.s.sub == sub
}

func (sub *subscription) Send(m message.Client) {
	if sub.current() {
		sub.s.conn.json(m)
	}
}

func (sub *subscription) OnGroupClosed(groups.CloseInfo) {
	s := sub.s
	s.mu.Lock()
	active := s.sub == sub
	if active {
		s.sub = nil
	}
	s.mu.Unlock()
	if active {
		s.conn.json(message.SimStopped{})
	}
}

func (r *Router) handleUserComms(c *gin.Context) {
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	s := &userSession{r: r, conn: newConn(ws, r.log.With("socket", "usercomms"))}
	s.conn.readLoop(s.handle)
	s.leave()
}

func (s *userSession) leave() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		s.r.mgr.Bus().Leave(sub.group, sub)
	}
}

func (s *userSession) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return ""
	}
	return s.sub.id
}

const notConnected = "not connected to a simulation"

func (s *userSession) fail(text string) {
	s.conn.json(message.ClientError{Text: text})
}

func (s *userSession) handle(b []byte) {
	req, err := message.DecodeRequest(b)
	if err != nil {
		s.fail("invalid request: " + err.Error())
		return
	}
	switch v := req.(type) {
	case message.ConnectTo:
		s.connect(v.SimulationID)
	case message.GetHeader:
		s.sendHeader(s.currentID())
	case message.StopRequest:
		id := s.currentID()
		if id == "" {
			s.fail(notConnected)
			return
		}
		if err := s.r.sims.Stop(id); err != nil {
			s.fail(err.Error())
		}
	case message.MessageToInstance:
		var env message.Envelope
		if err := json.Unmarshal(v.Payload, &env); err != nil || env.Action == "" {
			s.fail("msgtoinstance payload needs an action")
			return
		}
		s.toInstance(message.UserMessage{Action: env.Action, Data: env.Data})
	case message.Extension:
		if v.Action == "devreload" {
			s.reload()
			return
		}
		s.toInstance(message.UserMessage{Action: v.Action, Data: v.Data})
	}
}

func (s *userSession) connect(id string) {
	s.leave()
	if id == "" {
		s.fail("connectto needs a simulation id")
		return
	}
	sub := &subscription{s: s, id: id, group: groups.SimComms(id)}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	if !s.r.mgr.Bus().Join(sub.group, sub) {
		// not running: the client may still replay the archived frames
		s.mu.Lock()
		if s.sub == sub {
			s.sub = nil
		}
		s.mu.Unlock()
	}
	s.sendHeader(id)
}

func (s *userSession) sendHeader(id string) {
	if id == "" {
		s.fail(notConnected)
		return
	}
	h, err := s.r.sims.Header(id)
	if err != nil {
		s.fail(err.Error())
		return
	}
	s.conn.json(h)
}

func (s *userSession) toInstance(m message.UserMessage) {
	id := s.currentID()
	if id == "" {
		s.fail(notConnected)
		return
	}
	if err := s.r.mgr.SendMessage(id, m); err != nil {
		s.fail(err.Error())
	}
}

func (s *userSession) reload() {
	id := s.currentID()
	if id == "" {
		s.fail(notConnected)
		return
	}
	if _, err := s.r.sims.Reload(id); err != nil {
		s.fail("reload failed: " + err.Error())
	}
}

// --- initlogs ---

// initLogSession streams a simulation's backend fetch output as plain text
// and closes with the group's close code.
type initLogSession struct {
	conn *conn
}

func (s *initLogSession) Send(m message.Client) {
	if v, ok := m.(message.InfoLog); ok {
		s.conn.text([]byte(v.Text))
	}
}

func (s *initLogSession) OnGroupClosed(info groups.CloseInfo) {
	s.conn.closeWith(wsCloseCode(info.Code), "")
}

func (r *Router) handleInitLogs(c *gin.Context) {
	id := c.Param("uuid")
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	s := &initLogSession{conn: newConn(ws, r.log.With("socket", "initlogs", "simulation", id))}
	bus := r.mgr.Bus()
	name := groups.InitLogs(id)

	if info, closed := bus.CloseInfo(name); closed {
		if info.Message != "" {
			s.conn.text([]byte(info.Message))
		}
		s.conn.closeWith(wsCloseCode(info.Code), "")
	} else if !bus.Join(name, s) {
		// the group may have closed between the two calls
		if info, closed := bus.CloseInfo(name); closed {
			s.conn.closeWith(wsCloseCode(info.Code), "")
		} else {
			s.conn.closeWith(WSCloseUnavailable, "no init logs for "+id)
		}
	}
	s.conn.readLoop(func([]byte) {})
	bus.Leave(name, s)
}
