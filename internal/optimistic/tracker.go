package optimistic

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agrichat-go/internal/chattypes"
)

// 占位消息 ID 的展示前缀，按消息类型区分。
// 这些前缀只用于给 UI 一个稳定的列表键；匹配逻辑一律走
// LocalTag，不解析字符串。
const (
	textIDPrefix  = "local-text"
	imageIDPrefix = "local-image"
	offerIDPrefix = "local-offer"
	otherIDPrefix = "local-msg"
)

// Tracker 在网络往返完成前为用户动作合成占位消息，
// 提供即时反馈。除了 ID 生成没有任何副作用，不触碰传输层。
type Tracker struct {
	senderID     string
	senderName   string
	senderAvatar string
	seq          atomic.Uint64
}

// NewTracker 创建一个以给定身份署名占位消息的 Tracker。
func NewTracker(senderID, senderName, senderAvatar string) *Tracker {
	return &Tracker{
		senderID:     senderID,
		senderName:   senderName,
		senderAvatar: senderAvatar,
	}
}

// CreatePlaceholder 为一份草稿合成占位消息：
// 本地序号单调递增，附加随机量避免跨实例冲突，
// 创建时间取当前时刻，投递状态为 sending。
func (t *Tracker) CreatePlaceholder(conversationID string, draft chattypes.Draft) (*chattypes.Message, error) {
	seq := t.seq.Add(1)
	msg := &chattypes.Message{
		ID:             fmt.Sprintf("%s-%d-%s", idPrefix(draft.Kind), seq, uuid.NewString()[:8]),
		ConversationID: conversationID,
		SenderID:       t.senderID,
		SenderName:     t.senderName,
		SenderAvatar:   t.senderAvatar,
		Kind:           draft.Kind,
		Content:        draft.Content,
		CreatedAt:      time.Now(),
		Local:          &chattypes.LocalTag{Seq: seq, Kind: draft.Kind},
		Delivery:       chattypes.DeliverySending,
	}
	if draft.Payload != nil {
		if err := msg.SetPayload(draft.Payload); err != nil {
			return nil, fmt.Errorf("序列化占位消息载荷失败: %w", err)
		}
	}
	return msg, nil
}

// SenderID 返回该 Tracker 署名占位消息使用的发送者 ID。
func (t *Tracker) SenderID() string { return t.senderID }

func idPrefix(kind chattypes.MessageKind) string {
	switch kind {
	case chattypes.TextMessageKind:
		return textIDPrefix
	case chattypes.ImageMessageKind:
		return imageIDPrefix
	case chattypes.OfferMessageKind:
		return offerIDPrefix
	default:
		return otherIDPrefix
	}
}
