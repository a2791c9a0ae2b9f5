package protocol

import "encoding/json"

// Inbound event names. These are the wire contract; clients emit them
// verbatim, so renaming any of them is a breaking protocol change.
const (
	EventJoinRoom          = "join-room"
	EventLeaveRoom         = "leave-room"
	EventHeartbeat         = "heartbeat"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventSendMessage       = "send-message"
	EventEditMessage       = "edit-message"
	EventDeleteMessage     = "delete-message"
	EventSendFile          = "send-file"
	EventP2PRequest        = "p2p-request"
	EventP2PSignal         = "p2p-signal"
	EventVoiceJoin         = "voice-join"
	EventVoiceLeave        = "voice-leave"
	EventVoiceToggleMute   = "voice-toggle-mute"
	EventVoiceToggleDeafen = "voice-toggle-deafen"
	EventVoiceSignal       = "voice-signal"
	EventVoiceCallRequest  = "voice-call-request"
	EventVoiceCallAccept   = "voice-call-accept"
	EventVoiceCallReject   = "voice-call-reject"
	EventVoiceCallEnd      = "voice-call-end"
	EventVoiceCallSignal   = "voice-call-signal"
)

// Outbound event names.
const (
	EventConnected         = "connected"
	EventUsersUpdate       = "users-update"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventUserTyping        = "user-typing"
	EventReceiveMessage    = "receive-message"
	EventMessageHistory    = "message-history"
	EventMessageEdited     = "message-edited"
	EventMessageDeleted    = "message-deleted"
	EventReceiveFile       = "receive-file"
	EventVoiceStateUpdate  = "voice-state-update"
	EventVoiceKickedAFK    = "voice-kicked-afk"
	EventVoiceCallIncoming = "voice-call-incoming"
	EventVoiceCallAccepted = "voice-call-accepted"
	EventVoiceCallRejected = "voice-call-rejected"
	EventVoiceCallEnded    = "voice-call-ended"
	EventError             = "error"
)

// Message is the JSON envelope exchanged over the websocket. One flat struct
// covers every event; unused fields are omitted on the wire.
//
// Signal payloads (SDP offers/answers, ICE candidates) are carried as raw
// JSON and relayed verbatim — the server never parses them.
type Message struct {
	Event             string             `json:"event"`
	RoomID            string             `json:"roomId,omitempty"`
	Username          string             `json:"username,omitempty"`
	SelfID            string             `json:"selfId,omitempty"`
	UserID            string             `json:"userId,omitempty"`
	To                string             `json:"to,omitempty"`
	From              string             `json:"from,omitempty"`
	FromName          string             `json:"fromName,omitempty"`
	TargetID          string             `json:"targetId,omitempty"`
	Signal            json.RawMessage    `json:"signal,omitempty"`
	MessageID         string             `json:"messageId,omitempty"`
	EncryptedMessage  string             `json:"encryptedMessage,omitempty"`
	OriginalEncrypted string             `json:"originalEncrypted,omitempty"`
	EncryptedFile     string             `json:"encryptedFile,omitempty"`
	SenderID          string             `json:"senderId,omitempty"`
	SenderName        string             `json:"senderName,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	EditedAt          int64              `json:"editedAt,omitempty"`
	SelfDestruct      int                `json:"selfDestruct,omitempty"`
	TimerStartedAt    int64              `json:"timerStartedAt,omitempty"`
	IsTyping          *bool              `json:"isTyping,omitempty"`
	User              *RoomUser          `json:"user,omitempty"`
	Users             []RoomUser         `json:"users,omitempty"`
	History           []HistoryEntry     `json:"history,omitempty"`
	// omitzero, not omitempty: a voice-state-update with an empty (but
	// non-nil) roster must stay on the wire — it is how clients learn the
	// mesh drained.
	Participants []VoiceParticipant `json:"participants,omitzero"`
	ErrorMessage string             `json:"message,omitempty"`
}

// RoomUser is one entry of the authoritative room membership roster.
// LastSeen is Unix milliseconds; staleness is a client-computed projection,
// the server never pushes presence timeouts.
type RoomUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LastSeen int64  `json:"lastSeen"`
}

// VoiceParticipant is one entry of a room's voice roster. The roster
// broadcast is the single source of truth clients use to decide which
// pairwise links to establish or tear down.
type VoiceParticipant struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	IsMuted      bool   `json:"isMuted"`
	IsDeafened   bool   `json:"isDeafened"`
	JoinedAt     int64  `json:"joinedAt"`
	LastActivity int64  `json:"lastActivity"`
}

// HistoryEntry is one stored ciphertext message. The server assigns
// MessageID so that edits and deletes can address the stored entry; it never
// inspects EncryptedMessage. Self-destruct metadata is stored opaquely for
// the consumer to reconstruct timers from.
type HistoryEntry struct {
	MessageID        string `json:"messageId"`
	EncryptedMessage string `json:"encryptedMessage"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	Timestamp        int64  `json:"timestamp"`
	SelfDestruct     int    `json:"selfDestruct,omitempty"`
	TimerStartedAt   int64  `json:"timerStartedAt,omitempty"`
	Deleted          bool   `json:"deleted,omitempty"`
}
