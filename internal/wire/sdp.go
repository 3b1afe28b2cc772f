package wire

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SDP is the JSON representation of a session description as exchanged with
// browser clients. It deliberately mirrors the shape of RTCSessionDescription
// so frontends can pass descriptions through unmodified.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ToPion converts to pion's description type. Message validation routes
// every relayed offer and answer through this conversion, so the relay
// only forwards descriptions pion would accept.
func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON representation of a trickle ICE candidate
// (RTCIceCandidateInit).
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
