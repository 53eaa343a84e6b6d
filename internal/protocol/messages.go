package protocol

// MessageType is the discriminant carried in the "type" field of every frame.
type MessageType string

const (
	TypeJoin  MessageType = "join"
	TypeLeave MessageType = "leave"
	TypePing  MessageType = "ping"
	TypePong  MessageType = "pong"

	// Real-time relay types. Routed live only; dropped when the recipient is
	// not connected.
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICE           MessageType = "ice"
	TypeHangup        MessageType = "hangup"
	TypeReject        MessageType = "reject"
	TypeTyping        MessageType = "typing"
	TypeVideoToggle   MessageType = "video-toggle"
	TypeDelivered     MessageType = "delivered"
	TypeRead          MessageType = "read"
	TypeDeleteMessage MessageType = "delete-message"

	// Store-and-forward types. Queued server-side for registered users that
	// are offline.
	TypeChat        MessageType = "chat"
	TypeFileMessage MessageType = "file-message"

	// Server generated.
	TypeMessageQueued MessageType = "message-queued"
	TypeOnlineUsers   MessageType = "onlineUsers"
	TypeAllUsers      MessageType = "allUsers"
	TypeError         MessageType = "error"
)

// IsRealtime reports whether frames of this type are fire-and-forget relays.
func (t MessageType) IsRealtime() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICE, TypeHangup, TypeReject, TypeTyping,
		TypeVideoToggle, TypeDelivered, TypeRead, TypeDeleteMessage:
		return true
	default:
		return false
	}
}

// IsStoreAndForward reports whether frames of this type are queued for
// offline recipients.
func (t MessageType) IsStoreAndForward() bool {
	return t == TypeChat || t == TypeFileMessage
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ReasonBusy is the reject reason used when the callee already has a session.
const ReasonBusy = "busy"

type Join struct {
	Type     MessageType `json:"type"`
	Username string      `json:"username"`
}

type Leave struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type MessageQueued struct {
	Type      MessageType `json:"type"`
	MessageID string      `json:"messageId"`
	To        string      `json:"to"`
}

type OnlineUsers struct {
	Type  MessageType `json:"type"`
	Users []string    `json:"users"`
}

type UserStatus struct {
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}

type AllUsers struct {
	Type  MessageType  `json:"type"`
	Users []UserStatus `json:"users"`
}

type Chat struct {
	Type      MessageType `json:"type"`
	To        string      `json:"to,omitempty"`
	From      string      `json:"from,omitempty"`
	Text      string      `json:"text"`
	MessageID string      `json:"messageId"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type FileMessage struct {
	Type      MessageType `json:"type"`
	To        string      `json:"to,omitempty"`
	From      string      `json:"from,omitempty"`
	MessageID string      `json:"messageId"`
	FileName  string      `json:"fileName"`
	FileType  string      `json:"fileType,omitempty"`
	FileSize  int64       `json:"fileSize"`
	// FileData is the base64 (or data URL) encoded content.
	FileData  string `json:"fileData"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Offer struct {
	Type      MessageType `json:"type"`
	To        string      `json:"to,omitempty"`
	From      string      `json:"from,omitempty"`
	Offer     SDP         `json:"offer"`
	CallType  CallType    `json:"callType"`
	IsUpgrade bool        `json:"isUpgrade,omitempty"`
}

type Answer struct {
	Type   MessageType `json:"type"`
	To     string      `json:"to,omitempty"`
	From   string      `json:"from,omitempty"`
	Answer SDP         `json:"answer"`
}

type ICE struct {
	Type MessageType `json:"type"`
	To   string      `json:"to,omitempty"`
	From string      `json:"from,omitempty"`
	ICE  Candidate   `json:"ice"`
}

type Hangup struct {
	Type MessageType `json:"type"`
	To   string      `json:"to,omitempty"`
	From string      `json:"from,omitempty"`
}

type Reject struct {
	Type   MessageType `json:"type"`
	To     string      `json:"to,omitempty"`
	From   string      `json:"from,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

type Typing struct {
	Type     MessageType `json:"type"`
	To       string      `json:"to,omitempty"`
	From     string      `json:"from,omitempty"`
	IsTyping bool        `json:"isTyping"`
}

type VideoToggle struct {
	Type    MessageType `json:"type"`
	To      string      `json:"to,omitempty"`
	From    string      `json:"from,omitempty"`
	Enabled bool        `json:"enabled"`
}

// Receipt is the shared shape of delivered, read and delete-message frames.
type Receipt struct {
	Type      MessageType `json:"type"`
	To        string      `json:"to,omitempty"`
	From      string      `json:"from,omitempty"`
	MessageID string      `json:"messageId"`
}
