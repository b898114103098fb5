package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/delivery"
	"github.com/courier-im/courier/internal/presence"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/wire"
)

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	db     *store.DB
	reg    *presence.Registry
	coord  *delivery.Coordinator
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	reg := presence.NewRegistry()
	coord := delivery.NewCoordinator(db, reg, zap.NewNop())
	h := New(db, coord, reg, HeaderAuthenticator{}, zap.NewNop())
	coord.SetNotifier(h)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	h.Start(ctx)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Stop()
		coord.Stop()
		cancel()
		_ = db.Close()
	})
	return &testEnv{t: t, srv: srv, db: db, reg: reg, coord: coord, cancel: cancel}
}

func (e *testEnv) dial(uid string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	header := http.Header{"X-Courier-User": []string{uid}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f *wire.ClientFrame) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// recvUntil reads frames until match returns true, skipping unrelated
// frames (presence updates arrive interleaved with everything else).
func recvUntil(t *testing.T, conn *websocket.Conn, match func(*wire.ServerFrame) bool) *wire.ServerFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var f wire.ServerFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		if match(&f) {
			return &f
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func TestRejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSendDeliversToOnlineRecipient(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")
	bob := env.dial("bob")

	// Wait until both are registered.
	require.Eventually(t, func() bool {
		return env.reg.Online("alice") && env.reg.Online("bob")
	}, time.Second, 10*time.Millisecond)

	send(t, alice, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "hello bob",
	}})

	ack := recvUntil(t, alice, func(f *wire.ServerFrame) bool { return f.Ack != nil })
	assert.Equal(t, "tmp-1", ack.Ack.ClientMsgID)
	assert.Equal(t, status.Delivered.String(), ack.Ack.Message.Status)
	assert.Equal(t, int64(1), ack.Ack.Message.Seq)
	assert.NotEmpty(t, ack.EventID)

	msg := recvUntil(t, bob, func(f *wire.ServerFrame) bool { return f.Message != nil })
	assert.Equal(t, "hello bob", msg.Message.Body)
	assert.Equal(t, "alice", msg.Message.SenderID)
}

func TestSendToOfflineRecipientStaysSent(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")

	send(t, alice, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "anyone there?",
	}})

	ack := recvUntil(t, alice, func(f *wire.ServerFrame) bool { return f.Ack != nil })
	assert.Equal(t, status.Sent.String(), ack.Ack.Message.Status)
}

// TestResendAfterReconnectNotDuplicated reconnects after an acked send
// and resends the same client message id, as the outbox does when the
// ack was lost. The second ack must carry the original message.
func TestResendAfterReconnectNotDuplicated(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")
	send(t, alice, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "hello bob",
	}})
	first := recvUntil(t, alice, func(f *wire.ServerFrame) bool { return f.Ack != nil })
	require.NoError(t, alice.Close())

	again := env.dial("alice")
	send(t, again, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "hello bob",
	}})
	second := recvUntil(t, again, func(f *wire.ServerFrame) bool { return f.Ack != nil })

	assert.Equal(t, first.Ack.Message.ID, second.Ack.Message.ID)
	assert.Equal(t, first.Ack.Message.Seq, second.Ack.Message.Seq)

	msgs, err := env.db.ListMessages(conv, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMarkReadBroadcastsStatus(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")
	bob := env.dial("bob")

	require.Eventually(t, func() bool {
		return env.reg.Online("alice") && env.reg.Online("bob")
	}, time.Second, 10*time.Millisecond)

	send(t, alice, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "read me",
	}})
	ack := recvUntil(t, alice, func(f *wire.ServerFrame) bool { return f.Ack != nil })
	msgID := ack.Ack.Message.ID

	recvUntil(t, bob, func(f *wire.ServerFrame) bool { return f.Message != nil })
	send(t, bob, &wire.ClientFrame{MarkRead: &wire.MarkRead{ConversationID: conv}})

	upd := recvUntil(t, alice, func(f *wire.ServerFrame) bool {
		return f.Status != nil && f.Status.Status == status.Read.String()
	})
	assert.Equal(t, msgID, upd.Status.MessageID)

	m, err := env.db.GetMessage(msgID)
	require.NoError(t, err)
	assert.Equal(t, status.Read.String(), m.Status)
}

func TestConnectAutoDelivers(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")
	send(t, alice, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "offline msg",
	}})
	ack := recvUntil(t, alice, func(f *wire.ServerFrame) bool { return f.Ack != nil })
	require.Equal(t, status.Sent.String(), ack.Ack.Message.Status)

	// Bob connects; the sent backlog is promoted and alice sees it.
	env.dial("bob")
	upd := recvUntil(t, alice, func(f *wire.ServerFrame) bool {
		return f.Status != nil && f.Status.Status == status.Delivered.String()
	})
	assert.Equal(t, ack.Ack.Message.ID, upd.Status.MessageID)
}

func TestSendRejectedForNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	mallory := env.dial("mallory")
	send(t, mallory, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    "tmp-1",
		ConversationID: conv,
		Body:           "let me in",
	}})

	errFrame := recvUntil(t, mallory, func(f *wire.ServerFrame) bool { return f.Error != nil })
	assert.Equal(t, wire.CodeNotParticipant, errFrame.Error.Code)
}

func TestTypingFanout(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")
	bob := env.dial("bob")

	require.Eventually(t, func() bool {
		return env.reg.Online("bob")
	}, time.Second, 10*time.Millisecond)

	send(t, alice, &wire.ClientFrame{Typing: &wire.Typing{ConversationID: conv}})

	typing := recvUntil(t, bob, func(f *wire.ServerFrame) bool { return f.Typing != nil })
	assert.Equal(t, "alice", typing.Typing.UserID)
	assert.Equal(t, conv, typing.Typing.ConversationID)
}

func TestPresenceFanout(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial("alice")

	env.dial("bob")
	online := recvUntil(t, alice, func(f *wire.ServerFrame) bool {
		return f.Presence != nil && f.Presence.UserID == "bob"
	})
	assert.True(t, online.Presence.Online)
}

func TestAbruptDisconnectDuringFanout(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.db.CreateConversation("alice", "bob")
	require.NoError(t, err)

	alice := env.dial("alice")
	bob := env.dial("bob")
	require.Eventually(t, func() bool {
		return env.reg.Online("alice") && env.reg.Online("bob")
	}, 2*time.Second, 10*time.Millisecond)

	// Flood bob's send pump and drop his connection mid-stream; the
	// teardown close runs while the pump may be writing.
	for i := 0; i < 50; i++ {
		send(t, alice, &wire.ClientFrame{Typing: &wire.Typing{ConversationID: conv}})
	}
	_ = bob.Close()
	for i := 0; i < 50; i++ {
		send(t, alice, &wire.ClientFrame{Typing: &wire.Typing{ConversationID: conv}})
	}

	require.Eventually(t, func() bool {
		return !env.reg.Online("bob")
	}, 2*time.Second, 10*time.Millisecond)

	// The hub survived: a fresh send still round-trips.
	send(t, alice, &wire.ClientFrame{Send: &wire.Send{
		ClientMsgID: "c-after", ConversationID: conv, Body: "still here",
	}})
	ack := recvUntil(t, alice, func(f *wire.ServerFrame) bool { return f.Ack != nil })
	require.Equal(t, "c-after", ack.Ack.ClientMsgID)
}
