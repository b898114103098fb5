package bus

import "time"

// Event is a domain event published on the bus.
//
// Kinds used across the codebase:
//
//	message.upserted    a message was added or updated in the local list
//	message.send_ack    the server acknowledged an outbox entry
//	message.send_failed a send attempt failed
//	status.changed      a message moved to a new delivery status
//	presence.changed    a user went online or offline
//	conn.state          the transport connection changed state
//	typing.started      a participant started typing
//	typing.expired      a typing indicator timed out
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
