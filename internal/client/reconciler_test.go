package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/outbox"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/wire"
)

// fakeConn is an in-memory transport: frames the reconciler writes land
// on writes, frames pushed to incoming come out of ReadFrame.
type fakeConn struct {
	writes   chan *wire.ClientFrame
	incoming chan *wire.ServerFrame
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes:   make(chan *wire.ClientFrame, 64),
		incoming: make(chan *wire.ServerFrame, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteFrame(f *wire.ClientFrame) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.writes <- f:
		return nil
	}
}

func (c *fakeConn) ReadFrame() (*wire.ServerFrame, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	case f := <-c.incoming:
		return f, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(f *wire.ServerFrame) {
	c.incoming <- f
}

// nextWrite waits for the next frame the reconciler wrote.
func (c *fakeConn) nextWrite(t *testing.T) *wire.ClientFrame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

type testClient struct {
	rec   *Reconciler
	queue *outbox.Queue
	bus   *bus.Bus

	mu    sync.Mutex
	conns []*fakeConn
}

// dial hands out pre-created connections in order, then blocks until
// the context dies so tests control every reconnect.
func (tc *testClient) dial(ctx context.Context) (Conn, error) {
	tc.mu.Lock()
	if len(tc.conns) > 0 {
		c := tc.conns[0]
		tc.conns = tc.conns[1:]
		tc.mu.Unlock()
		return c, nil
	}
	tc.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func fastTuning() config.Delivery {
	return config.Delivery{
		SendTimeout:      config.Duration{Duration: 100 * time.Millisecond},
		MaxRetryAttempts: 3,
		RetryBaseDelay:   config.Duration{Duration: 20 * time.Millisecond},
		RetryMaxDelay:    config.Duration{Duration: 80 * time.Millisecond},
		TypingExpiry:     config.Duration{Duration: 200 * time.Millisecond},
	}
}

func newTestClient(t *testing.T, conns ...*fakeConn) *testClient {
	t.Helper()
	q, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	tc := &testClient{queue: q, bus: bus.New(), conns: conns}
	tc.rec = NewReconciler("alice", tc.dial, q, fastTuning(), tc.bus, zap.NewNop())
	return tc
}

func ackFor(clientMsgID, conversationID, body string, seq int64) *wire.ServerFrame {
	return &wire.ServerFrame{Ack: &wire.Ack{
		ClientMsgID: clientMsgID,
		Message: &wire.Message{
			ID:             "srv-" + clientMsgID,
			ConversationID: conversationID,
			SenderID:       "alice",
			Body:           body,
			Seq:            seq,
			Status:         status.Sent.String(),
		},
	}}
}

func waitConnected(t *testing.T, tc *testClient) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tc.rec.ConnState() == Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendAckPromotesPending(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "hello", "")
	require.NoError(t, err)
	require.True(t, m.Pending)

	f := conn.nextWrite(t)
	require.NotNil(t, f.Send)
	require.Equal(t, m.TempID, f.Send.ClientMsgID)
	require.Equal(t, "hello", f.Send.Body)

	conn.push(ackFor(f.Send.ClientMsgID, "conv-1", "hello", 1))

	require.Eventually(t, func() bool {
		got := tc.rec.Messages().Get("srv-" + m.TempID)
		return got != nil && !got.Pending && got.Seq == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The acked entry must leave the outbox.
	e, err := tc.queue.Get(m.TempID)
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestSendTimeoutSchedulesRetry(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "slow", "")
	require.NoError(t, err)

	first := conn.nextWrite(t)
	require.NotNil(t, first.Send)

	// No ack: the timeout fails the message and a retry fires.
	require.Eventually(t, func() bool {
		got := tc.rec.Messages().Get(m.TempID)
		return got != nil && got.Status == status.Failed
	}, 2*time.Second, 10*time.Millisecond)

	second := conn.nextWrite(t)
	require.NotNil(t, second.Send)
	require.Equal(t, m.TempID, second.Send.ClientMsgID)

	// An ack for the retry resolves the entry normally.
	conn.push(ackFor(m.TempID, "conv-1", "slow", 1))
	require.Eventually(t, func() bool {
		e, err := tc.queue.Get(m.TempID)
		return err == nil && e == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryBudgetExhausts(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)

	failures, unsub := tc.bus.Subscribe("message.send_failed", 16)
	defer unsub()

	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "doomed", "")
	require.NoError(t, err)

	// Initial attempt plus three retries, never acked.
	for i := 0; i < 4; i++ {
		f := conn.nextWrite(t)
		require.NotNil(t, f.Send)
	}

	var exhausted bool
	deadline := time.After(3 * time.Second)
	for !exhausted {
		select {
		case evt := <-failures:
			sf := evt.Payload.(SendFailure)
			require.Equal(t, m.TempID, sf.TempID)
			exhausted = sf.Exhausted
		case <-deadline:
			t.Fatal("never saw exhausted send failure")
		}
	}

	// The entry survives for an explicit resend.
	e, err := tc.queue.Get(m.TempID)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, status.Failed, e.Status)
	got := tc.rec.Messages().Get(m.TempID)
	require.Equal(t, status.Failed, got.Status)
}

func TestResendAfterExhaustion(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "again", "")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		conn.nextWrite(t)
	}
	require.Eventually(t, func() bool {
		e, _ := tc.queue.Get(m.TempID)
		return e != nil && e.Status == status.Failed && e.RetryCount >= 3
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, tc.rec.Resend(m.TempID))

	f := conn.nextWrite(t)
	require.NotNil(t, f.Send)
	conn.push(ackFor(m.TempID, "conv-1", "again", 1))

	require.Eventually(t, func() bool {
		e, err := tc.queue.Get(m.TempID)
		return err == nil && e == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDiscardDropsEntryAndCancelsRetry(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "nevermind", "")
	require.NoError(t, err)
	conn.nextWrite(t)

	// Fail once so a retry is armed, then discard before it fires.
	require.Eventually(t, func() bool {
		got := tc.rec.Messages().Get(m.TempID)
		return got != nil && got.Status == status.Failed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tc.rec.Discard(m.TempID))

	e, err := tc.queue.Get(m.TempID)
	require.NoError(t, err)
	require.Nil(t, e)
	require.Nil(t, tc.rec.Messages().Get(m.TempID))

	// A retry armed just before the discard may still emit one frame;
	// after that the entry is gone and the line goes quiet.
	drainDeadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-conn.writes:
		case <-drainDeadline:
			break drain
		}
	}
	select {
	case f := <-conn.writes:
		t.Fatalf("unexpected frame after discard: %+v", f)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOutboxDrainedOnConnect(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)

	// Queued before any connection exists.
	e1, err := tc.queue.Enqueue("conv-1", "first", "")
	require.NoError(t, err)
	e2, err := tc.queue.Enqueue("conv-1", "second", "")
	require.NoError(t, err)

	tc.rec.Start(context.Background())
	defer tc.rec.Stop()

	f1 := conn.nextWrite(t)
	require.NotNil(t, f1.Send)
	require.Equal(t, e1.ID, f1.Send.ClientMsgID)
	conn.push(ackFor(e1.ID, "conv-1", "first", 1))

	f2 := conn.nextWrite(t)
	require.NotNil(t, f2.Send)
	require.Equal(t, e2.ID, f2.Send.ClientMsgID)
	conn.push(ackFor(e2.ID, "conv-1", "second", 2))

	require.Eventually(t, func() bool {
		pending, err := tc.queue.ListPending()
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectResubscribesAndDrains(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	tc := newTestClient(t, first, second)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "hello", "")
	require.NoError(t, err)
	f := first.nextWrite(t)
	first.push(ackFor(f.Send.ClientMsgID, "conv-1", "hello", 1))
	require.Eventually(t, func() bool {
		got := tc.rec.Messages().Get("srv-" + m.TempID)
		return got != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Queue one more, then drop the connection before it can be acked.
	_, err = tc.rec.Send("conv-1", "offline bound", "")
	require.NoError(t, err)
	first.Close()

	// The new connection re-subscribes to the known conversation, then
	// the drain resends the unacked entry.
	var sawSubscribe, sawSend bool
	for !sawSubscribe || !sawSend {
		f := second.nextWrite(t)
		switch {
		case f.Subscribe != nil:
			require.Equal(t, "conv-1", f.Subscribe.ConversationID)
			sawSubscribe = true
		case f.Send != nil:
			require.Equal(t, "offline bound", f.Send.Body)
			sawSend = true
		}
	}
	require.Equal(t, Connected, tc.rec.ConnState())
}

func TestStatusEventsApplyMonotonically(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()
	waitConnected(t, tc)

	m, err := tc.rec.Send("conv-1", "tracked", "")
	require.NoError(t, err)
	f := conn.nextWrite(t)
	conn.push(ackFor(f.Send.ClientMsgID, "conv-1", "tracked", 1))

	srvID := "srv-" + m.TempID
	require.Eventually(t, func() bool {
		return tc.rec.Messages().Get(srvID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	conn.push(&wire.ServerFrame{Status: &wire.StatusUpdate{
		MessageID: srvID, ConversationID: "conv-1", Status: status.Read.String(),
	}})
	require.Eventually(t, func() bool {
		return tc.rec.Messages().Get(srvID).Status == status.Read
	}, 2*time.Second, 10*time.Millisecond)

	// A stale delivered event arriving after read must not regress.
	conn.push(&wire.ServerFrame{Status: &wire.StatusUpdate{
		MessageID: srvID, ConversationID: "conv-1", Status: status.Delivered.String(),
	}})
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, status.Read, tc.rec.Messages().Get(srvID).Status)
}

func TestPresenceAndTypingEvents(t *testing.T) {
	conn := newFakeConn()
	tc := newTestClient(t, conn)
	tc.rec.Start(context.Background())
	defer tc.rec.Stop()

	conn.push(&wire.ServerFrame{Presence: &wire.PresenceUpdate{UserID: "bob", Online: true}})
	require.Eventually(t, func() bool {
		return tc.rec.PresenceOnline("bob")
	}, 2*time.Second, 10*time.Millisecond)

	conn.push(&wire.ServerFrame{Typing: &wire.Typing{ConversationID: "conv-1", UserID: "bob"}})
	require.Eventually(t, func() bool {
		users := tc.rec.TypingUsers("conv-1")
		return len(users) == 1 && users[0] == "bob"
	}, 2*time.Second, 10*time.Millisecond)

	// The indicator expires on its own.
	require.Eventually(t, func() bool {
		return len(tc.rec.TypingUsers("conv-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	conn.push(&wire.ServerFrame{Presence: &wire.PresenceUpdate{UserID: "bob", Online: false}})
	require.Eventually(t, func() bool {
		return !tc.rec.PresenceOnline("bob")
	}, 2*time.Second, 10*time.Millisecond)
}
