package presence

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypePresence       MessageType = "presence"
	TypeSessionStart   MessageType = "session_start"
	TypeSessionStarted MessageType = "session_started"
	TypeSessionEnd     MessageType = "session_end"
	TypeSessionEnded   MessageType = "session_ended"
	TypeDocUpdate      MessageType = "doc_update"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
	TypeProposalStatus MessageType = "proposal_status"
	TypeFileReplaced   MessageType = "file_replaced"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ParticipantInfo struct {
	ClientID uint64 `json:"clientId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	IsLeader bool   `json:"isLeader"`
}

type PresencePayload struct {
	FileID       string            `json:"fileId"`
	Participants []ParticipantInfo `json:"participants"`
	// nil when the room is empty
	LeaderClientID *uint64 `json:"leaderClientId"`
}

type SessionStartedPayload struct {
	Base string `json:"base"`
}

type SessionEndPayload struct {
	Content string `json:"content"`
}

type SessionEndedPayload struct {
	HasChanges bool   `json:"hasChanges"`
	Duplicate  bool   `json:"duplicate"`
	ProposalID string `json:"proposalId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type DocUpdatePayload struct {
	Content string `json:"content"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ProposalStatusPayload struct {
	ProposalID string `json:"proposalId"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type FileReplacedPayload struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func encode(msgType MessageType, payload interface{}) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
