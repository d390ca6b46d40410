// Package wsbackend relays signaling records over websockets. Relay is the
// server side; Backend is a signaling.Backend that talks to a Relay.
package wsbackend

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"

	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "ice_candidate"
	TypeHangup    = "hangup"
	TypeReset     = "reset"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeAck       = "ack"
)

// errAlreadyPublished is the ack error for a second, different offer or
// answer.
const errAlreadyPublished = "already_published"

// Message is the relay wire format. Client messages carry an ID that the
// relay echoes in its ack.
type Message struct {
	Type      string                   `json:"type"`
	ID        string                   `json:"id,omitempty"`
	CallID    string                   `json:"call_id"`
	SenderID  string                   `json:"sender_id,omitempty"`
	Side      signaling.Side           `json:"side,omitempty"`
	Seq       int64                    `json:"seq,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

func (m *Message) encode() ([]byte, error) {
	return sonic.Marshal(m)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling message: %w", err)
	}
	return &m, nil
}

// carriesRecord reports whether the relay stores and forwards m.
func (m *Message) carriesRecord() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup:
		return true
	}
	return false
}

func (m *Message) isDescription() bool {
	return m.Type == TypeOffer || m.Type == TypeAnswer
}

func fromRecord(conv string, rec signaling.Record) *Message {
	m := &Message{
		CallID:    conv,
		Side:      rec.From,
		Seq:       rec.Seq,
		Timestamp: rec.CreatedAt,
	}
	switch rec.Kind {
	case signaling.KindOffer:
		m.Type = TypeOffer
	case signaling.KindAnswer:
		m.Type = TypeAnswer
	case signaling.KindCandidate:
		m.Type = TypeCandidate
		m.Candidate = rec.Candidate
	case signaling.KindHangup:
		m.Type = TypeHangup
	}
	if rec.SDP != nil {
		m.SDP = rec.SDP.SDP
	}
	return m
}

func (m *Message) record() (signaling.Record, error) {
	rec := signaling.Record{
		From:      m.Side,
		Seq:       m.Seq,
		CreatedAt: m.Timestamp,
	}
	switch m.Type {
	case TypeOffer:
		rec.Kind = signaling.KindOffer
		rec.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}
	case TypeAnswer:
		rec.Kind = signaling.KindAnswer
		rec.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}
	case TypeCandidate:
		rec.Kind = signaling.KindCandidate
		rec.Candidate = m.Candidate
	case TypeHangup:
		rec.Kind = signaling.KindHangup
	default:
		return signaling.Record{}, fmt.Errorf("message type %q carries no record", m.Type)
	}
	if err := rec.Validate(); err != nil {
		return signaling.Record{}, err
	}
	return rec, nil
}

// recordKey identifies a record for duplicate suppression after a rejoin.
func recordKey(rec signaling.Record) string {
	if rec.Kind == signaling.KindCandidate {
		return fmt.Sprintf("%s/%s/%d", rec.Kind, rec.From, rec.Seq)
	}
	return fmt.Sprintf("%s/%s", rec.Kind, rec.From)
}
