// Package callrecord persists the durable history entry for each call
// attempt and guards its type against regressive updates. The store is the
// projection of call outcomes into conversation history; the in-memory call
// session is the ephemeral controller state that feeds it.
package callrecord

import "time"

// CallType encodes both the direction of a call and its final or interim
// disposition. It is deliberately separate from the session state enum —
// the two are connected only through Validate.
type CallType string

const (
	TypeOutgoingIncomplete CallType = "outgoing_incomplete"
	TypeOutgoing           CallType = "outgoing"
	TypeOutgoingMissed     CallType = "outgoing_missed"

	TypeIncomingIncomplete        CallType = "incoming_incomplete"
	TypeIncoming                  CallType = "incoming"
	TypeIncomingMissed            CallType = "incoming_missed"
	TypeIncomingDeclined          CallType = "incoming_declined"
	TypeIncomingMissedIdentity    CallType = "incoming_missed_identity_change"
	TypeIncomingMissedDND         CallType = "incoming_missed_do_not_disturb"
	TypeIncomingAnsweredElsewhere CallType = "incoming_answered_elsewhere"
	TypeIncomingDeclinedElsewhere CallType = "incoming_declined_elsewhere"
	TypeIncomingBusyElsewhere     CallType = "incoming_busy_elsewhere"
)

// Status is the coarse classification used for transition validation.
// Several call types legitimately collapse to the same status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusMissed   Status = "missed"
	StatusDeclined Status = "declined"
	StatusBusy     Status = "busy"
)

// StatusOf maps a call type to its coarse status.
func StatusOf(t CallType) Status {
	switch t {
	case TypeOutgoingIncomplete, TypeIncomingIncomplete:
		return StatusPending
	case TypeOutgoing, TypeIncoming, TypeIncomingAnsweredElsewhere:
		return StatusAccepted
	case TypeOutgoingMissed, TypeIncomingMissed, TypeIncomingMissedIdentity, TypeIncomingMissedDND:
		return StatusMissed
	case TypeIncomingDeclined, TypeIncomingDeclinedElsewhere:
		return StatusDeclined
	case TypeIncomingBusyElsewhere:
		return StatusBusy
	}
	return StatusMissed
}

// IsIncoming reports whether the type describes an incoming call.
func (t CallType) IsIncoming() bool {
	switch t {
	case TypeOutgoingIncomplete, TypeOutgoing, TypeOutgoingMissed:
		return false
	}
	return true
}

// Record is one persisted call history entry.
type Record struct {
	ID            string
	InteractionID string
	CallID        uint64
	RemoteParty   string
	Type          CallType
	OfferKind     string
	SentAt        uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status returns the record's coarse status, derived from its type.
func (r *Record) Status() Status {
	return StatusOf(r.Type)
}
