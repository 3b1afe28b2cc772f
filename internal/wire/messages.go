// Package wire defines the JSON envelopes exchanged over the signaling
// WebSocket: inbound RPCs from connected peers and outbound notifications
// fanned out by the relay core.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeInitiateCall     MessageType = "initiateCall"
	TypeAnswerCall       MessageType = "answerCall"
	TypeDeclineCall      MessageType = "declineCall"
	TypeSendIceCandidate MessageType = "sendIceCandidate"
	TypeEndCall          MessageType = "endCall"
)

// Message is the inbound RPC envelope. Exactly the fields required by the
// message type may be present; anything else is rejected at parse time so a
// misbehaving client fails loudly instead of being half-interpreted.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       *SDP        `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`

	// CallerID identifies the client connection whose call an admin is
	// answering or declining.
	CallerID string `json:"callerId,omitempty"`
	// TargetID is the destination connection for an ICE candidate relay.
	TargetID string `json:"targetId,omitempty"`
	// OtherID is the far end of the call being ended.
	OtherID string `json:"otherId,omitempty"`
}

func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeInitiateCall:
		if err := m.validateSDP(webrtc.SDPTypeOffer); err != nil {
			return fmt.Errorf("initiateCall message: %w", err)
		}
		if m.Candidate != nil || m.CallerID != "" || m.TargetID != "" || m.OtherID != "" {
			return fmt.Errorf("initiateCall message has unexpected fields")
		}
	case TypeAnswerCall:
		if m.CallerID == "" {
			return fmt.Errorf("answerCall message missing callerId")
		}
		if err := m.validateSDP(webrtc.SDPTypeAnswer); err != nil {
			return fmt.Errorf("answerCall message: %w", err)
		}
		if m.Candidate != nil || m.TargetID != "" || m.OtherID != "" {
			return fmt.Errorf("answerCall message has unexpected fields")
		}
	case TypeDeclineCall:
		if m.CallerID == "" {
			return fmt.Errorf("declineCall message missing callerId")
		}
		if m.SDP != nil || m.Candidate != nil || m.TargetID != "" || m.OtherID != "" {
			return fmt.Errorf("declineCall message has unexpected fields")
		}
	case TypeSendIceCandidate:
		if m.TargetID == "" {
			return fmt.Errorf("sendIceCandidate message missing targetId")
		}
		if m.Candidate == nil {
			return fmt.Errorf("sendIceCandidate message missing candidate")
		}
		if m.Candidate.ToPion().Candidate == "" {
			return fmt.Errorf("sendIceCandidate message has empty candidate")
		}
		if m.SDP != nil || m.CallerID != "" || m.OtherID != "" {
			return fmt.Errorf("sendIceCandidate message has unexpected fields")
		}
	case TypeEndCall:
		if m.OtherID == "" {
			return fmt.Errorf("endCall message missing otherId")
		}
		if m.SDP != nil || m.Candidate != nil || m.CallerID != "" || m.TargetID != "" {
			return fmt.Errorf("endCall message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// validateSDP converts the payload through pion's session description
// types; only descriptions pion would accept with the expected type pass.
func (m Message) validateSDP(want webrtc.SDPType) error {
	if m.SDP == nil {
		return fmt.Errorf("missing sdp")
	}
	desc, err := m.SDP.ToPion()
	if err != nil {
		return err
	}
	if desc.Type != want {
		return fmt.Errorf("sdp.type=%q, expected %q", m.SDP.Type, want)
	}
	if desc.SDP == "" {
		return fmt.Errorf("empty sdp payload")
	}
	return nil
}
