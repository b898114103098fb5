package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/wire"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 25 * time.Second

	readLimit = 64 * 1024

	sendBuffer = 32
)

// session is one live websocket connection for a user. Frames destined
// for the peer are queued on out; recvLoop and sendLoop are the only
// goroutines touching conn.
type session struct {
	hub  *Hub
	uid  string
	sid  string
	conn *websocket.Conn

	mu      sync.Mutex
	out     chan *wire.ServerFrame
	closing bool

	logger *zap.Logger
}

// push queues a frame for the peer. Pushing to a closing session or past
// a full buffer drops the frame; the client reconciles from persisted
// state on reconnect.
func (s *session) push(f *wire.ServerFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("send buffer full, dropping frame", zap.String("sid", s.sid))
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	close(s.out)
	s.mu.Unlock()

	// WriteControl is safe concurrently with sendLoop's data writes.
	_ = s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
	_ = s.conn.Close()

	s.hub.dropSession(s)
}

func (s *session) recvLoop() {
	defer s.close()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("read loop ended", zap.String("sid", s.sid), zap.Error(err))
			return
		}
		if msgType != websocket.TextMessage {
			s.pushError(wire.CodeInvalidArgument, "only text frames are supported")
			continue
		}

		var frame wire.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.pushError(wire.CodeInvalidArgument, "malformed frame")
			continue
		}
		s.dispatch(&frame)
	}
}

func (s *session) sendLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			raw, err := json.Marshal(f)
			if err != nil {
				s.logger.Error("marshal frame", zap.Error(err))
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Info("write failed", zap.String("sid", s.sid), zap.Error(err))
				go s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go s.close()
				return
			}
		}
	}
}

func (s *session) dispatch(frame *wire.ClientFrame) {
	switch {
	case frame.Send != nil:
		s.handleSend(frame.Send)
	case frame.MarkRead != nil:
		s.handleMarkRead(frame.MarkRead)
	case frame.Subscribe != nil:
		s.handleSubscribe(frame.Subscribe)
	case frame.Typing != nil:
		s.handleTyping(frame.Typing)
	default:
		s.pushError(wire.CodeInvalidArgument, "unsupported frame")
	}
}

func (s *session) handleSend(req *wire.Send) {
	if req.ConversationID == "" || (req.Body == "" && req.Attachment == "") {
		s.pushError(wire.CodeInvalidArgument, "send requires a conversation and a payload")
		return
	}
	ok, err := s.hub.db.IsParticipant(req.ConversationID, s.uid)
	if err != nil {
		s.pushError(wire.CodePersistenceFailure, "membership check failed")
		return
	}
	if !ok {
		s.pushError(wire.CodeNotParticipant, "not a participant of this conversation")
		return
	}

	m, err := s.hub.coordinator.PersistMessage(req.ConversationID, s.uid, req.ClientMsgID, req.Body, req.Attachment)
	if err != nil {
		s.logger.Error("persist failed", zap.Error(err), zap.String("conversation_id", req.ConversationID))
		s.pushError(wire.CodePersistenceFailure, "message not persisted")
		return
	}

	wm := toWireMessage(m)
	s.push(s.hub.envelope(&wire.ServerFrame{
		Ack: &wire.Ack{ClientMsgID: req.ClientMsgID, Message: wm},
	}))
	s.hub.fanoutToConversation(req.ConversationID, s.uid,
		&wire.ServerFrame{Message: wm})
}

func (s *session) handleMarkRead(req *wire.MarkRead) {
	if req.ConversationID == "" {
		s.pushError(wire.CodeInvalidArgument, "mark_read requires a conversation")
		return
	}
	ok, err := s.hub.db.IsParticipant(req.ConversationID, s.uid)
	if err != nil || !ok {
		s.pushError(wire.CodeNotParticipant, "not a participant of this conversation")
		return
	}
	if _, err := s.hub.coordinator.BatchTransition(req.ConversationID, s.uid, status.Read); err != nil {
		s.logger.Error("mark read failed", zap.Error(err), zap.String("conversation_id", req.ConversationID))
		s.pushError(wire.CodePersistenceFailure, "mark read failed")
	}
}

func (s *session) handleSubscribe(req *wire.Subscribe) {
	if req.ConversationID == "" {
		s.pushError(wire.CodeInvalidArgument, "subscribe requires a conversation")
		return
	}
	ok, err := s.hub.db.IsParticipant(req.ConversationID, s.uid)
	if err != nil || !ok {
		s.pushError(wire.CodeNotParticipant, "not a participant of this conversation")
		return
	}
	// Fan-out is membership-driven; subscribe only validates that the
	// conversation is visible to this user.
}

func (s *session) handleTyping(req *wire.Typing) {
	if req.ConversationID == "" {
		return
	}
	s.hub.fanoutToConversation(req.ConversationID, s.uid, &wire.ServerFrame{
		Typing: &wire.Typing{ConversationID: req.ConversationID, UserID: s.uid},
	})
}

func (s *session) pushError(code, msg string) {
	s.push(&wire.ServerFrame{Error: &wire.Error{Code: code, Message: msg}})
}

func toWireMessage(m *store.Message) *wire.Message {
	return &wire.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Attachment:     m.Attachment,
		Seq:            m.Seq,
		Status:         m.Status,
		StatusUpdated:  m.StatusUpdated,
		CreatedAt:      m.CreatedAt,
	}
}
