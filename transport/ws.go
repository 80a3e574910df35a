// Package transport bridges an external frontend (a browser, a desktop
// shell, a test harness) to a RepoBackend over WebSocket, the way the
// teacher's transport package bridged browsers to its Hub — except framing
// is now gorilla/websocket instead of a hand-rolled RFC 6455 reader, since
// wire-level feed/frontend framing is explicitly out of scope and nothing
// in this repo depends on owning that detail itself.
package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/repo"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to WebSocket connections, one per
// document, each multiplexed through a shared Gateway onto one
// RepoBackend.
type Handler struct {
	rb  *repo.RepoBackend
	gw  *Gateway
	log *zap.SugaredLogger
}

// NewHandler builds a Handler over gw. log may be nil (defaults to a no-op
// logger).
func NewHandler(rb *repo.RepoBackend, gw *Gateway, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{rb: rb, gw: gw, log: log}
}

// ServeHTTP upgrades the connection and runs its read/write loops until the
// client disconnects. The document id is the final path segment, e.g.
// "/ws/<base58 doc id>".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/ws/")
	doc, err := ids.ParseActorId(idStr)
	if err != nil {
		http.Error(w, "bad document id: "+err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	sess := newSession(h.rb, h.gw, conn, doc, h.log)
	sess.run()
}

// session is one WebSocket connection's bridge to a single document.
type session struct {
	rb   *repo.RepoBackend
	gw   *Gateway
	conn *websocket.Conn
	doc  ids.DocId
	log  *zap.SugaredLogger

	toClient chan repo.ToFrontend
	subID    int
}

func newSession(rb *repo.RepoBackend, gw *Gateway, conn *websocket.Conn, doc ids.DocId, log *zap.SugaredLogger) *session {
	s := &session{
		rb:       rb,
		gw:       gw,
		conn:     conn,
		doc:      doc,
		log:      log,
		toClient: make(chan repo.ToFrontend, 64),
	}
	s.subID = gw.Subscribe(doc, s.toClient)
	return s
}

func (s *session) run() {
	done := make(chan struct{})
	go s.writeLoop(done)
	s.readLoop()
	close(done)
	s.gw.Unsubscribe(s.doc, s.subID)
	s.conn.Close()
}

func (s *session) readLoop() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warnw("websocket read error", "doc", s.doc, "err", err)
			}
			return
		}
		msg, err := decodeToBackend(raw)
		if err != nil {
			s.log.Warnw("dropping malformed frontend frame", "doc", s.doc, "err", err)
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch forwards msg to the repo, additionally registering a reply
// waiter for the request/reply message kinds so the eventual Reply still
// reaches this session even though Gateway routes Reply by query id, not
// by document.
func (s *session) dispatch(msg repo.ToBackend) {
	switch m := msg.(type) {
	case repo.Query:
		s.awaitAndForward(m.Id)
	case repo.DebugMsg:
		s.awaitAndForward(m.QueryId)
	case repo.WriteFileMsg:
		s.awaitAndForward(m.QueryId)
	case repo.ReadFileMsg:
		s.awaitAndForward(m.QueryId)
	}
	s.rb.Receive(msg)
}

func (s *session) awaitAndForward(queryID uint64) {
	replyCh := s.gw.AwaitReply(queryID)
	go func() {
		reply, ok := <-replyCh
		if !ok {
			return
		}
		select {
		case s.toClient <- reply:
		default:
		}
	}()
}

func (s *session) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.toClient:
			if !ok {
				return
			}
			if err := s.send(msg); err != nil {
				s.log.Warnw("websocket write error", "doc", s.doc, "err", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *session) send(msg repo.ToFrontend) error {
	raw, err := encodeToFrontend(msg)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}
