package status

// Status is the delivery state of a message. The zero value is Queued.
type Status int

const (
	Failed    Status = -1
	Queued    Status = 0
	Sending   Status = 1
	Sent      Status = 2
	Delivered Status = 3
	Read      Status = 4
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	switch s {
	case Failed:
		return "failed"
	case Queued:
		return "queued"
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// Parse converts a wire name back to a Status. Unknown names map to Queued.
func Parse(name string) (Status, bool) {
	switch name {
	case "failed":
		return Failed, true
	case "queued":
		return Queued, true
	case "sending":
		return Sending, true
	case "sent":
		return Sent, true
	case "delivered":
		return Delivered, true
	case "read":
		return Read, true
	default:
		return Queued, false
	}
}

// Rank orders statuses by delivery progress. Failed ranks below every
// live state so that a retry restarts the progression.
func (s Status) Rank() int {
	return int(s)
}

// CanProgress reports whether a message currently in cur may move to next.
// Failed is reachable from any state. A failed message never progresses
// automatically; only an explicit retry resets it to Sending. Read is
// terminal. Everything else moves forward only, with same-state updates
// permitted as no-ops.
func CanProgress(cur, next Status) bool {
	if next == Failed {
		return true
	}
	if cur == Failed {
		return false
	}
	if cur == Read {
		return false
	}
	return next.Rank() >= cur.Rank()
}

// RetryReset reports whether the transition is the explicit retry escape
// hatch: Failed back to Sending.
func RetryReset(cur, next Status) bool {
	return cur == Failed && next == Sending
}

// IsPending reports whether the message has not yet been acknowledged by
// the server.
func (s Status) IsPending() bool {
	return s == Queued || s == Sending
}

// IsTerminal reports whether no automatic progression remains.
func (s Status) IsTerminal() bool {
	return s == Read
}

// Ticks is the display projection: the number of ticks to render next to
// an outgoing message. Read keeps two ticks; callers distinguish it by
// color using the status itself.
func (s Status) Ticks() int {
	switch s {
	case Sent:
		return 1
	case Delivered, Read:
		return 2
	default:
		return 0
	}
}
