package wire

type EventName string

const (
	EventError             EventName = "Error"
	EventActiveUsersUpdate EventName = "ActiveUsersUpdated"
	EventUpdateActiveUsers EventName = "UpdateActiveUsers"
	EventRinging           EventName = "Ringing"
	EventReceiveOffer      EventName = "ReceiveOffer"
	EventReceiveAnswer     EventName = "ReceiveAnswer"
	EventReceiveCandidate  EventName = "ReceiveCandidate"
	EventStopRinging       EventName = "StopRinging"
	EventCallAnswered      EventName = "CallAnswered"
	EventCallDeclined      EventName = "CallDeclined"
	EventCallEnded         EventName = "CallEnded"
)

// Event is the outbound notification envelope. One struct covers every
// event; only the fields relevant to the event name are populated.
type Event struct {
	Event EventName `json:"event"`

	Message string `json:"message,omitempty"`

	// Users carries the active user list for presence events. An empty list
	// is serialized as absent; clients treat a missing field as "nobody online".
	Users []string `json:"users,omitempty"`

	// AdminCount is how many admins were contacted for a ringing call.
	AdminCount int `json:"adminCount,omitempty"`

	// From is the connection that originated an offer, answer, or candidate.
	From string `json:"from,omitempty"`
	// CallerID identifies the ringing client in admin-facing events.
	CallerID string `json:"callerId,omitempty"`
	// AdminID identifies the admin that declined a call.
	AdminID string `json:"adminId,omitempty"`
	// OtherID is the far end of an ended call.
	OtherID string `json:"otherId,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func NewError(message string) Event {
	return Event{Event: EventError, Message: message}
}

func NewActiveUsersUpdated(users []string) Event {
	return Event{Event: EventActiveUsersUpdate, Users: users}
}

func NewUpdateActiveUsers(users []string) Event {
	return Event{Event: EventUpdateActiveUsers, Users: users}
}

func NewRinging(adminCount int) Event {
	return Event{Event: EventRinging, AdminCount: adminCount}
}

func NewReceiveOffer(callerID string, offer SDP) Event {
	return Event{Event: EventReceiveOffer, From: callerID, SDP: &offer}
}

func NewReceiveAnswer(adminID string, answer SDP) Event {
	return Event{Event: EventReceiveAnswer, From: adminID, SDP: &answer}
}

func NewReceiveCandidate(fromID string, cand Candidate) Event {
	return Event{Event: EventReceiveCandidate, From: fromID, Candidate: &cand}
}

func NewStopRinging(callerID string) Event {
	return Event{Event: EventStopRinging, CallerID: callerID}
}

func NewCallAnswered(callerID string) Event {
	return Event{Event: EventCallAnswered, CallerID: callerID}
}

func NewCallDeclined(adminID string) Event {
	return Event{Event: EventCallDeclined, AdminID: adminID}
}

func NewCallEnded(otherID string) Event {
	return Event{Event: EventCallEnded, OtherID: otherID}
}
