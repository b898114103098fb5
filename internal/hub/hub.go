// Package hub is the server's realtime transport: one websocket session
// per connected client, fan-out of message, status, presence and typing
// events, and routing of client requests into the delivery coordinator.
package hub

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/delivery"
	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/presence"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The hub sits behind a trusted gateway in production.
		return true
	},
}

// Hub manages live sessions and implements delivery.StatusNotifier.
type Hub struct {
	db          *store.DB
	coordinator *delivery.Coordinator
	registry    *presence.Registry
	auth        Authenticator
	sessions    *sessionStore
	logger      *zap.Logger
	cancel      context.CancelFunc
}

// New creates a hub.
func New(db *store.DB, coordinator *delivery.Coordinator, registry *presence.Registry, auth Authenticator, logger *zap.Logger) *Hub {
	return &Hub{
		db:          db,
		coordinator: coordinator,
		registry:    registry,
		auth:        auth,
		sessions:    newSessionStore(),
		logger:      logger,
	}
}

// Start watches presence transitions and fans them out to connected
// clients.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.registry.Watch(64)

	go func() {
		defer unsub()
		for {
			select {
			case tr := <-ch:
				frame := &wire.ServerFrame{
					Presence: &wire.PresenceUpdate{UserID: tr.UserID, Online: tr.Online},
				}
				for _, sess := range h.sessions.all() {
					if sess.uid != tr.UserID {
						sess.push(h.envelope(frame))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the presence fan-out and closes every session.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	for _, sess := range h.sessions.all() {
		sess.close()
	}
}

// ServeHTTP upgrades the request to a websocket session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.auth.Auth(r)
	if err != nil {
		h.logger.Warn("authentication failed", zap.Error(err))
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.String("user_id", uid), zap.Error(err))
		return
	}

	sess := &session{
		hub:    h,
		uid:    uid,
		sid:    strings.ReplaceAll(uuid.New().String(), "-", ""),
		conn:   conn,
		out:    make(chan *wire.ServerFrame, sendBuffer),
		logger: h.logger,
	}
	h.sessions.add(sess)
	metrics.SessionsOnline.Inc()
	h.registry.Connect(uid)
	h.logger.Info("session opened", zap.String("user_id", uid), zap.String("sid", sess.sid))

	go sess.recvLoop()
	go sess.sendLoop()
}

// NotifyStatus implements delivery.StatusNotifier: every online
// participant of the conversation learns about the transition.
func (h *Hub) NotifyStatus(conversationID string, messageIDs []string, s status.Status) {
	for _, id := range messageIDs {
		h.fanoutToConversation(conversationID, "", &wire.ServerFrame{
			Status: &wire.StatusUpdate{
				MessageID:      id,
				ConversationID: conversationID,
				Status:         s.String(),
			},
		})
	}
}

// fanoutToConversation pushes the frame to every online participant
// except excludeUID.
func (h *Hub) fanoutToConversation(conversationID, excludeUID string, frame *wire.ServerFrame) {
	participants, err := h.db.Participants(conversationID)
	if err != nil {
		h.logger.Error("fanout participants lookup failed",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	enveloped := h.envelope(frame)
	for _, uid := range participants {
		if uid == excludeUID {
			continue
		}
		for _, sess := range h.sessions.forUser(uid) {
			sess.push(enveloped)
		}
	}
}

func (h *Hub) dropSession(sess *session) {
	if h.sessions.del(sess.sid) == nil {
		return
	}
	metrics.SessionsOnline.Dec()
	h.registry.Disconnect(sess.uid)
	h.logger.Info("session closed", zap.String("user_id", sess.uid), zap.String("sid", sess.sid))
}

// envelope stamps a frame with an event id and timestamp for client-side
// dedup.
func (h *Hub) envelope(f *wire.ServerFrame) *wire.ServerFrame {
	if f.EventID == "" {
		f.EventID = uuid.New().String()
		f.OccurredAt = time.Now().UnixMilli()
	}
	return f
}
