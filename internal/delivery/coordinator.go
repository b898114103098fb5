// Package delivery implements the server-side authority for message
// persistence and status progression.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/presence"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
)

// StatusNotifier receives the status changes produced by the coordinator
// so they can be pushed to connected clients.
type StatusNotifier interface {
	NotifyStatus(conversationID string, messageIDs []string, s status.Status)
}

// Coordinator persists messages, computes their initial status from
// recipient presence, and applies batch transitions.
type Coordinator struct {
	db       *store.DB
	registry *presence.Registry
	notifier StatusNotifier
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewCoordinator creates a coordinator.
func NewCoordinator(db *store.DB, registry *presence.Registry, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: db, registry: registry, logger: logger}
}

// SetNotifier installs the transport-side notifier. Must be called
// before Start.
func (c *Coordinator) SetNotifier(n StatusNotifier) {
	c.notifier = n
}

// PersistMessage assigns the next sequence number and stores the message.
// The initial status is delivered if at least one other participant is
// online, sent otherwise. A send replayed with the same clientMsgID
// (the client never saw the ack) returns the already-persisted message
// instead of creating a duplicate.
func (c *Coordinator) PersistMessage(conversationID, senderID, clientMsgID, body, attachment string) (*store.Message, error) {
	if clientMsgID != "" {
		existing, err := c.db.GetMessageByClientID(senderID, clientMsgID)
		if err != nil {
			return nil, fmt.Errorf("replay check: %w", err)
		}
		if existing != nil {
			c.logger.Info("send replayed",
				zap.String("message_id", existing.ID),
				zap.String("client_msg_id", clientMsgID),
				zap.String("sender_id", senderID))
			return existing, nil
		}
	}

	participants, err := c.db.Participants(conversationID)
	if err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, store.ErrConversationNotFound
	}

	initial := status.Sent
	for _, uid := range participants {
		if uid != senderID && c.registry.Online(uid) {
			initial = status.Delivered
			break
		}
	}

	m, err := c.db.CreateMessage(conversationID, senderID, clientMsgID, body, attachment, initial)
	if err != nil {
		// The replay check races with a concurrent insert of the same
		// send; the unique index on (sender_id, client_msg_id) catches
		// it, and the winner's row is the answer.
		if clientMsgID != "" {
			if existing, lookupErr := c.db.GetMessageByClientID(senderID, clientMsgID); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		if errors.Is(err, store.ErrSequenceConflict) {
			// Invariant violation: writers were not serialized. Surface it,
			// never retry.
			metrics.SequenceConflicts.Inc()
			c.logger.Error("sequence conflict",
				zap.String("conversation_id", conversationID),
				zap.String("sender_id", senderID))
		}
		return nil, err
	}

	metrics.MessagesPersisted.Inc()
	c.logger.Info("message persisted",
		zap.String("message_id", m.ID),
		zap.String("conversation_id", conversationID),
		zap.Int64("seq", m.Seq),
		zap.String("status", m.Status))
	return m, nil
}

// BatchTransition advances the conversation's eligible backlog to
// newStatus and notifies the transport. Returns the number of messages
// changed; on a partial failure the count actually applied is reported
// with the error.
func (c *Coordinator) BatchTransition(conversationID, actingUserID string, newStatus status.Status, exclude ...status.Status) (int, error) {
	ids, err := c.db.BatchTransition(conversationID, actingUserID, newStatus, exclude...)
	if err != nil {
		return len(ids), fmt.Errorf("batch transition: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	metrics.StatusTransitions.WithLabelValues(newStatus.String()).Add(float64(len(ids)))
	c.logger.Info("batch transition",
		zap.String("conversation_id", conversationID),
		zap.String("acting_user", actingUserID),
		zap.String("status", newStatus.String()),
		zap.Int("count", len(ids)))

	if c.notifier != nil {
		c.notifier.NotifyStatus(conversationID, ids, newStatus)
	}
	return len(ids), nil
}

// AutoDeliverOnConnect promotes the user's pending sent backlog to
// delivered and notifies each affected conversation.
func (c *Coordinator) AutoDeliverOnConnect(userID string) (int, error) {
	byConv, err := c.db.AutoDeliver(userID)
	if err != nil {
		return 0, fmt.Errorf("auto deliver: %w", err)
	}

	total := 0
	for conv, ids := range byConv {
		total += len(ids)
		if c.notifier != nil {
			c.notifier.NotifyStatus(conv, ids, status.Delivered)
		}
	}
	if total > 0 {
		metrics.StatusTransitions.WithLabelValues(status.Delivered.String()).Add(float64(total))
		c.logger.Info("auto-delivered backlog",
			zap.String("user_id", userID),
			zap.Int("messages", total),
			zap.Int("conversations", len(byConv)))
	}
	return total, nil
}

// Start watches presence transitions and fires AutoDeliverOnConnect when
// a user comes online.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.registry.Watch(64)

	go func() {
		defer unsub()
		for {
			select {
			case tr := <-ch:
				if !tr.Online {
					continue
				}
				if _, err := c.AutoDeliverOnConnect(tr.UserID); err != nil {
					c.logger.Error("auto deliver on connect failed",
						zap.Error(err), zap.String("user_id", tr.UserID))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the presence watcher.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}
