// Package signaling defines the envelopes that carry call setup messages
// (offer, answer, ICE updates, hangup, busy) over an asynchronous
// store-and-forward transport, plus two transport clients: a websocket
// client for a real server and an in-memory pipe for tests and simulation.
package signaling

// Kind identifies the signaling message variant.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	KindIce    Kind = "ice"
	KindHangup Kind = "hangup"
	KindBusy   Kind = "busy"
)

// Message is one signaling envelope. Payloads are opaque to the transport;
// only the media engine interprets them.
type Message struct {
	Kind   Kind   `json:"kind"`
	CallID uint64 `json:"call_id"`

	From         string  `json:"from,omitempty"`
	To           string  `json:"to"`
	SourceDevice uint32  `json:"source_device"`
	DestDevice   *uint32 `json:"dest_device,omitempty"`

	// Offer only.
	MediaKind string `json:"media_kind,omitempty"`

	// Hangup only.
	HangupType   string `json:"hangup_type,omitempty"`
	HangupDevice uint32 `json:"hangup_device,omitempty"`

	Opaque     []byte   `json:"opaque,omitempty"`
	Candidates [][]byte `json:"candidates,omitempty"`

	// Timing metadata used for message-age gating. Milliseconds since epoch.
	SentAt            uint64 `json:"sent_at,omitempty"`
	ServerReceivedAt  uint64 `json:"server_received_at,omitempty"`
	ServerDeliveredAt uint64 `json:"server_delivered_at,omitempty"`
}

// AgeSeconds computes how long the message sat on the server before
// delivery. Returns zero when the server timestamps are absent or inverted.
func (m *Message) AgeSeconds() uint64 {
	if m.ServerReceivedAt > 0 && m.ServerDeliveredAt >= m.ServerReceivedAt {
		return (m.ServerDeliveredAt - m.ServerReceivedAt) / 1000
	}
	return 0
}
