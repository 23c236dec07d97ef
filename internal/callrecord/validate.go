package callrecord

// statusEdges is the fixed allowed-transition graph between coarse statuses.
// A pending record can resolve any way. A missed record may still be upgraded
// by a linked device that accepted or declined the same call. Accepted,
// declined and busy are final.
var statusEdges = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusMissed, StatusDeclined, StatusBusy},
	StatusMissed:   {StatusAccepted, StatusDeclined, StatusBusy},
	StatusAccepted: {},
	StatusDeclined: {},
	StatusBusy:     {},
}

func statusTransitionAllowed(from, to Status) bool {
	for _, s := range statusEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate decides whether candidate may be written over the existing record
// type. It is pure and deterministic so reconciliation can be tested without
// a database.
//
// connected reports whether the session that proposes the candidate has
// already reached its connected state: an incomplete record for a call that
// connected was never truly incomplete and is promoted on creation.
//
// Returns the (possibly promoted) type to write and whether to write at all.
func Validate(candidate CallType, connected bool, existing *CallType) (CallType, bool) {
	if existing == nil {
		if connected {
			switch candidate {
			case TypeOutgoingIncomplete:
				return TypeOutgoing, true
			case TypeIncomingIncomplete:
				return TypeIncoming, true
			}
		}
		return candidate, true
	}

	if *existing == candidate {
		// No-op transition. Rejecting avoids redundant writes and
		// spurious history notifications.
		return candidate, false
	}

	from := StatusOf(*existing)
	to := StatusOf(candidate)
	if from == to {
		// Lateral move between types that share a status, e.g.
		// incoming_missed -> incoming_missed_do_not_disturb.
		return candidate, true
	}
	if !statusTransitionAllowed(from, to) {
		return candidate, false
	}
	return candidate, true
}
