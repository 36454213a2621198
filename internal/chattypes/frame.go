package chattypes

// FrameKind 区分推送通道上 JSON 帧的种类。
type FrameKind string

const (
	// 客户端 → 网关
	FrameJoin        FrameKind = "conversation.join"
	FrameLeave       FrameKind = "conversation.leave"
	FrameSend        FrameKind = "message.send"
	FrameMarkRead    FrameKind = "conversation.read"
	FrameAcceptOffer FrameKind = "offer.accept"

	// 网关 → 客户端
	FrameNewMessage FrameKind = "message.new"
	FrameSendAck    FrameKind = "message.ack"
	FrameUncertain  FrameKind = "message.uncertain"
	FrameError      FrameKind = "error"
)

// Frame 是推送通道上的统一信封，Kind 决定哪些字段有效。
type Frame struct {
	Kind           FrameKind `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	Ack            *SendAck  `json:"ack,omitempty"`
	Hint           *SendHint `json:"hint,omitempty"`
	MessageID      string    `json:"messageId,omitempty"` // offer.accept 的目标
	Error          string    `json:"error,omitempty"`
}

// SendAck 是网关对一次发送的确认：已存储并分配了服务端 ID。
// Message 携带权威的完整表示。
type SendAck struct {
	ServerID       string   `json:"serverId"`
	ConversationID string   `json:"conversationId"`
	Message        *Message `json:"message,omitempty"`
}

// SendHint 在网关接收了发送但无法确认最终落盘时发出，
// 客户端按 (发送者, 内容, 类型) 匹配到对应的占位消息。
type SendHint struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
}
