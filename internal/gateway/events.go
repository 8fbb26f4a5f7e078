package gateway

import (
	"encoding/json"

	"github.com/intercall/signaling/internal/models"
)

// Inbound event types.
const (
	evCallInitiate     = "call.initiate"
	evCallAnswer       = "call.answer"
	evCallReject       = "call.reject"
	evCallEnd          = "call.end"
	evICECandidate     = "ice.candidate"
	evPresenceSetAvail = "presence.setAvailable"
	evIntercomInitiate = "intercom.initiate"
)

// Outbound event types.
const (
	evCallSent         = "call.sent"
	evCallIncoming     = "call.incoming"
	evCallAnswered     = "call.answered"
	evCallRejected     = "call.rejected"
	evCallEnded        = "call.ended"
	evIntercomStarted  = "intercom.started"
	evIntercomIncoming = "intercom.incoming"
	evIntercomTimeout  = "intercom.timeout"
	evPresenceOnline   = "presence.online"
	evPresenceOffline  = "presence.offline"
	evPresenceChanged  = "presence.changed"
	evPresenceList     = "presence.list"
	evError            = "error"
)

// Error codes surfaced through the error event. Raw infrastructure errors
// are never relayed verbatim.
const (
	codeInvalidPayload      = "invalid_payload"
	codeSelfCall            = "self_call"
	codeReceiverUnavailable = "receiver_unavailable"
	codeActiveCallExists    = "active_call_exists"
	codeCallNotFound        = "call_not_found"
	codeNotParticipant      = "not_participant"
	codeCallAlreadyOver     = "call_already_over"
	codeApartmentNotFound   = "apartment_not_found"
	codeNoResidents         = "no_residents"
	codeForbidden           = "forbidden"
	codeUserNotFound        = "user_not_found"
	codeInternalError       = "internal_error"
)

// Envelope is the wire frame: a type tag plus a type-specific data object.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type initiateData struct {
	ReceiverID string          `json:"receiver_id"`
	Kind       models.CallKind `json:"kind,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
}

type answerData struct {
	CallID string          `json:"call_id"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

type rejectData struct {
	CallID string `json:"call_id"`
}

type endData struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type iceData struct {
	CallID       string          `json:"call_id"`
	TargetUserID string          `json:"target_user_id"`
	Candidate    json.RawMessage `json:"candidate"`
}

type setAvailableData struct {
	IsAvailable bool `json:"is_available"`
}

type intercomInitiateData struct {
	ApartmentNumber string `json:"apartment_number"`
	BuildingID      string `json:"building_id"`
	TimeoutMs       int64  `json:"timeout_ms,omitempty"`
}

type callSentData struct {
	CallID string `json:"call_id"`
}

type callIncomingData struct {
	CallID   string          `json:"call_id"`
	CallerID string          `json:"caller_id"`
	Caller   models.Profile  `json:"caller"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

type callAnsweredData struct {
	CallID string          `json:"call_id"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

type callRejectedData struct {
	CallID string `json:"call_id"`
}

type callEndedData struct {
	CallID          string `json:"call_id"`
	EndedBy         string `json:"ended_by,omitempty"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
}

type iceCandidateData struct {
	CallID     string          `json:"call_id"`
	FromUserID string          `json:"from_user_id"`
	Candidate  json.RawMessage `json:"candidate"`
}

type intercomIncomingData struct {
	CallID          string `json:"call_id"`
	CallerID        string `json:"caller_id"`
	GroupID         string `json:"group_id"`
	ApartmentNumber string `json:"apartment_number"`
	TimeoutMs       int64  `json:"timeout_ms"`
}

type intercomTimeoutData struct {
	GroupID         string `json:"group_id"`
	ApartmentNumber string `json:"apartment_number"`
}

type presenceOnlineData struct {
	UserID  string         `json:"user_id"`
	Profile models.Profile `json:"profile"`
}

type presenceOfflineData struct {
	UserID string `json:"user_id"`
}

type presenceChangedData struct {
	UserID      string `json:"user_id"`
	IsAvailable bool   `json:"is_available"`
}

type presenceListData struct {
	Users []models.Profile `json:"users"`
}

type errorData struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ExistingCallID string `json:"existing_call_id,omitempty"`
}

func encodeEvent(eventType string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	msg, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return nil
	}
	return msg
}
