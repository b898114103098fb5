// Package client binds the live transport to local session state: it
// drains the durable outbox, reconciles pushed events against the local
// message list, and keeps the connection state machine honest across
// disconnects. Event handling is idempotent; the server may replay.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/outbox"
	"github.com/courier-im/courier/internal/retry"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/wire"
)

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("not connected")

// AckResult is the payload for message.send_ack bus events.
type AckResult struct {
	TempID  string
	Message *LocalMessage
}

// SendFailure is the payload for message.send_failed bus events.
type SendFailure struct {
	TempID    string
	Reason    string
	Exhausted bool
}

// Reconciler owns the client side of the delivery pipeline.
type Reconciler struct {
	userID  string
	dial    Dialer
	queue   *outbox.Queue
	sched   *retry.Scheduler
	tracker *status.Tracker
	list    *MessageList
	machine *Machine
	typing  *typingTracker
	bus     *bus.Bus
	logger  *zap.Logger
	tuning  config.Delivery

	mu       sync.Mutex
	conn     Conn
	acks     map[string]chan struct{}
	presence map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a reconciler for one user session.
func NewReconciler(userID string, dial Dialer, queue *outbox.Queue, tuning config.Delivery, b *bus.Bus, logger *zap.Logger) *Reconciler {
	tracker := status.NewTracker(b)
	r := &Reconciler{
		userID:   userID,
		dial:     dial,
		queue:    queue,
		tracker:  tracker,
		list:     NewMessageList(tracker, b),
		machine:  NewMachine(b),
		typing:   newTypingTracker(tuning.TypingExpiry.Duration, b),
		bus:      b,
		logger:   logger,
		tuning:   tuning,
		acks:     make(map[string]chan struct{}),
		presence: make(map[string]bool),
	}
	r.sched = retry.NewScheduler(retry.Policy{
		MaxAttempts: tuning.MaxRetryAttempts,
		BaseDelay:   tuning.RetryBaseDelay.Duration,
		MaxDelay:    tuning.RetryMaxDelay.Duration,
	}, r.onRetryFire, logger)
	return r
}

// Messages exposes the local message list.
func (r *Reconciler) Messages() *MessageList { return r.list }

// ConnState returns the current connection state.
func (r *Reconciler) ConnState() ConnState { return r.machine.Current() }

// PresenceOnline reports the cached online state of a user.
func (r *Reconciler) PresenceOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence[userID]
}

// TypingUsers returns who is currently typing in the conversation.
func (r *Reconciler) TypingUsers(conversationID string) []string {
	return r.typing.active(conversationID)
}

// Start runs the connect/reconnect loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop tears the session down.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if c := r.currentConn(); c != nil {
		_ = c.Close()
	}
	if r.done != nil {
		<-r.done
	}
	r.sched.Stop()
	r.typing.stop()
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		_ = r.machine.Transition(Connecting)

		conn, err := r.dial(ctx)
		if err != nil {
			_ = r.machine.Transition(Disconnected)
			delay := r.reconnectDelay(attempt)
			attempt++
			r.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0
		r.setConn(conn)
		_ = r.machine.Transition(Connected)
		r.logger.Info("connected", zap.String("user_id", r.userID))

		r.onConnected(ctx, conn)
		r.readLoop(ctx, conn)

		r.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			_ = r.machine.Transition(Disconnected)
			return
		}
		_ = r.machine.Transition(Reconnecting)
		r.logger.Warn("connection lost, reconnecting")
	}
}

func (r *Reconciler) reconnectDelay(attempt int) time.Duration {
	max := r.tuning.MaxRetryAttempts
	if attempt > max {
		attempt = max
	}
	d := r.tuning.RetryBaseDelay.Duration << attempt
	if cap := r.tuning.RetryMaxDelay.Duration; d > cap || d <= 0 {
		d = cap
	}
	return d
}

// onConnected re-subscribes every known conversation, then drains the
// outbox in enqueue order.
func (r *Reconciler) onConnected(ctx context.Context, conn Conn) {
	for _, conv := range r.list.ConversationIDs() {
		if err := conn.WriteFrame(&wire.ClientFrame{Subscribe: &wire.Subscribe{ConversationID: conv}}); err != nil {
			r.logger.Warn("subscribe failed", zap.Error(err), zap.String("conversation_id", conv))
			return
		}
	}
	go r.drainOutbox(ctx)
}

func (r *Reconciler) drainOutbox(ctx context.Context) {
	entries, err := r.queue.ListPending()
	if err != nil {
		r.logger.Error("outbox list failed", zap.Error(err))
		return
	}
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		e := &entries[i]
		// Restore the optimistic local copy after a restart.
		if r.list.Get(e.ID) == nil {
			r.list.AddPending(e.ID, e.ConversationID, r.userID, e.Body, e.Attachment)
			r.tracker.Observe(e.ID, e.Status)
		}
		// Exhausted entries wait for an explicit resend.
		if e.Status == status.Failed && e.RetryCount >= r.tuning.MaxRetryAttempts {
			continue
		}
		r.attempt(ctx, e)
	}
}

// Send enqueues a message and, when connected, attempts it immediately.
// The returned message is the optimistic pending copy.
func (r *Reconciler) Send(conversationID, body, attachment string) (*LocalMessage, error) {
	e, err := r.queue.Enqueue(conversationID, body, attachment)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	m := r.list.AddPending(e.ID, conversationID, r.userID, body, attachment)

	if r.machine.Current() == Connected {
		go r.attempt(context.Background(), e)
	}
	return m, nil
}

// MarkRead asks the server to mark the conversation's backlog as read.
func (r *Reconciler) MarkRead(conversationID string) error {
	conn := r.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(&wire.ClientFrame{MarkRead: &wire.MarkRead{ConversationID: conversationID}})
}

// Typing sends a fire-and-forget typing indicator.
func (r *Reconciler) Typing(conversationID string) error {
	conn := r.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(&wire.ClientFrame{Typing: &wire.Typing{ConversationID: conversationID}})
}

// Resend gives a failed entry a fresh retry budget and attempts it.
func (r *Reconciler) Resend(entryID string) error {
	e, err := r.queue.Get(entryID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("outbox entry %s not found", entryID)
	}
	if err := r.queue.ResetAttempts(entryID); err != nil {
		return err
	}
	e.RetryCount = 0
	if r.machine.Current() == Connected {
		go r.attempt(context.Background(), e)
	}
	return nil
}

// Discard drops a pending entry for good. Any scheduled retry is
// cancelled first so a stale timer cannot resurrect the entry.
func (r *Reconciler) Discard(entryID string) error {
	r.sched.Cancel(entryID)
	if err := r.queue.Dequeue(entryID); err != nil {
		return err
	}
	r.list.Remove(entryID)
	return nil
}

// attempt performs one transport send of an outbox entry and waits for
// the server ack within the send timeout.
func (r *Reconciler) attempt(ctx context.Context, e *outbox.Entry) {
	conn := r.currentConn()
	if conn == nil {
		return
	}
	r.sched.Cancel(e.ID)
	r.markSending(e.ID)
	_ = r.queue.SetStatus(e.ID, status.Sending)

	ackCh := r.registerAck(e.ID)
	defer r.unregisterAck(e.ID)

	err := conn.WriteFrame(&wire.ClientFrame{Send: &wire.Send{
		ClientMsgID:    e.ID,
		ConversationID: e.ConversationID,
		Body:           e.Body,
		Attachment:     e.Attachment,
	}})
	if err != nil {
		r.handleSendFailure(e, fmt.Sprintf("write: %v", err))
		return
	}

	select {
	case <-ackCh:
		// handleAck already promoted and dequeued.
	case <-time.After(r.tuning.SendTimeout.Duration):
		r.handleSendFailure(e, "no acknowledgement within send timeout")
	case <-ctx.Done():
	}
}

// markSending moves the entry's visible status to sending, using the
// explicit retry reset when it is currently failed.
func (r *Reconciler) markSending(id string) {
	if cur, ok := r.tracker.Current(id); ok && cur == status.Failed {
		if _, err := r.tracker.Retry(id); err == nil {
			r.list.ApplyStatus(id, status.Sending)
		}
		return
	}
	r.list.ApplyStatus(id, status.Sending)
}

func (r *Reconciler) handleSendFailure(e *outbox.Entry, reason string) {
	// A late ack may have resolved the entry while we were waiting.
	cur, err := r.queue.Get(e.ID)
	if err != nil || cur == nil {
		return
	}

	r.list.ApplyStatus(e.ID, status.Failed)

	delay, nextCount, schedErr := r.sched.Schedule(e.ID, cur.RetryCount)
	if errors.Is(schedErr, retry.ErrExhausted) {
		// The entry stays failed and visible; only the user can resend or
		// discard it now.
		_ = r.queue.SetStatus(e.ID, status.Failed)
		r.logger.Warn("send retries exhausted", zap.String("entry_id", e.ID), zap.String("reason", reason))
		r.publish("message.send_failed", SendFailure{TempID: e.ID, Reason: reason, Exhausted: true})
		return
	}

	if err := r.queue.RecordAttempt(e.ID, nextCount, time.Now().Add(delay), reason); err != nil {
		r.logger.Error("record attempt failed", zap.Error(err), zap.String("entry_id", e.ID))
	}
	r.logger.Info("send failed, retry scheduled",
		zap.String("entry_id", e.ID),
		zap.Int("attempt", nextCount),
		zap.Duration("delay", delay),
		zap.String("reason", reason))
	r.publish("message.send_failed", SendFailure{TempID: e.ID, Reason: reason})
}

func (r *Reconciler) onRetryFire(entryID string) {
	if r.machine.Current() != Connected {
		// The reconnect drain will pick the entry up.
		return
	}
	e, err := r.queue.Get(entryID)
	if err != nil || e == nil {
		return
	}
	r.attempt(context.Background(), e)
}

func (r *Reconciler) readLoop(ctx context.Context, conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Info("read loop ended", zap.Error(err))
			}
			return
		}
		r.handleFrame(f)
	}
}

func (r *Reconciler) handleFrame(f *wire.ServerFrame) {
	switch {
	case f.Ack != nil:
		r.handleAck(f.Ack)
	case f.Message != nil:
		r.list.Upsert(f.Message)
	case f.Status != nil:
		st, ok := status.Parse(f.Status.Status)
		if !ok {
			return
		}
		if !r.list.ApplyStatus(f.Status.MessageID, st) {
			// Stale or replayed event losing to a higher rank; drop it.
			r.logger.Debug("status event rejected",
				zap.String("message_id", f.Status.MessageID),
				zap.String("status", f.Status.Status))
		}
	case f.Presence != nil:
		r.mu.Lock()
		if f.Presence.Online {
			r.presence[f.Presence.UserID] = true
		} else {
			delete(r.presence, f.Presence.UserID)
		}
		r.mu.Unlock()
		r.publish("presence.changed", *f.Presence)
	case f.Typing != nil:
		r.typing.touch(f.Typing.ConversationID, f.Typing.UserID)
	case f.Error != nil:
		r.logger.Warn("server error frame",
			zap.String("code", f.Error.Code),
			zap.String("message", f.Error.Message))
	}
}

// handleAck resolves an outbox entry: the pending message is promoted to
// its server identity, the entry leaves the queue, and any scheduled
// retry dies. Safe against replays and late acks.
func (r *Reconciler) handleAck(ack *wire.Ack) {
	if ack.Message == nil {
		return
	}
	r.sched.Cancel(ack.ClientMsgID)
	m := r.list.Promote(ack.ClientMsgID, ack.Message)
	if err := r.queue.Dequeue(ack.ClientMsgID); err != nil {
		r.logger.Error("dequeue after ack failed", zap.Error(err), zap.String("entry_id", ack.ClientMsgID))
	}
	r.publish("message.send_ack", AckResult{TempID: ack.ClientMsgID, Message: m})

	r.mu.Lock()
	if ch, ok := r.acks[ack.ClientMsgID]; ok {
		close(ch)
		delete(r.acks, ack.ClientMsgID)
	}
	r.mu.Unlock()
}

func (r *Reconciler) registerAck(id string) chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.acks[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *Reconciler) unregisterAck(id string) {
	r.mu.Lock()
	delete(r.acks, id)
	r.mu.Unlock()
}

func (r *Reconciler) currentConn() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconciler) setConn(c Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

func (r *Reconciler) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
