// Package signaling relays offer, answer and ICE candidate records between
// the two sides of a call. Records are scoped to a conversation; a Channel
// wraps a Backend for one side of one conversation.
package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
)

// Side identifies which party of the call wrote a record.
type Side string

const (
	SideCaller   Side = "caller"
	SideReceiver Side = "receiver"
)

func (s Side) Valid() bool {
	return s == SideCaller || s == SideReceiver
}

// Remote returns the opposite side.
func (s Side) Remote() Side {
	if s == SideCaller {
		return SideReceiver
	}
	return SideCaller
}

func (s Side) String() string {
	return string(s)
}

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
)

// Record is one signaling document. Offer and answer carry SDP, candidates
// carry Candidate and a per-side Seq starting at 0.
type Record struct {
	Kind      Kind                       `json:"kind"`
	From      Side                       `json:"from"`
	Seq       int64                      `json:"seq"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
}

func (r Record) Validate() error {
	if !r.From.Valid() {
		return fmt.Errorf("unknown side %q", r.From)
	}
	switch r.Kind {
	case KindOffer:
		if r.From != SideCaller {
			return errors.New("offer must come from the caller")
		}
		if r.SDP == nil || r.SDP.Type != webrtc.SDPTypeOffer {
			return errors.New("offer without offer description")
		}
	case KindAnswer:
		if r.From != SideReceiver {
			return errors.New("answer must come from the receiver")
		}
		if r.SDP == nil || r.SDP.Type != webrtc.SDPTypeAnswer {
			return errors.New("answer without answer description")
		}
	case KindCandidate:
		if r.Candidate == nil {
			return errors.New("candidate record without candidate")
		}
		if r.Seq < 0 {
			return fmt.Errorf("negative candidate sequence %d", r.Seq)
		}
	case KindHangup:
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// EncodeRecord is the wire form shared by the byte oriented backends.
func EncodeRecord(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("validating record: %w", err)
	}
	return sonic.Marshal(r)
}

func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := sonic.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshaling record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("validating record: %w", err)
	}
	return r, nil
}
