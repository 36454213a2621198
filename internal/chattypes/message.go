package chattypes

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageKind 定义了消息的类型。
type MessageKind string

const (
	TextMessageKind   MessageKind = "text"
	ImageMessageKind  MessageKind = "image"
	OfferMessageKind  MessageKind = "structuredOffer" // 带结构化条款的报价消息
	SystemMessageKind MessageKind = "systemNotice"    // 系统通知，例如报价已被接受
)

// DeliveryState 描述一条本地发出的消息当前的投递状态。
// delivered 和 failed 是终态；uncertain 在获得后续信息后仍可迁移。
type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryUncertain DeliveryState = "uncertain"
	DeliveryFailed    DeliveryState = "failed"
)

// LocalTag 标识一条尚未被服务端确认的占位消息。
// Seq 由占位消息生成器单调递增分配，Kind 用于后续的匹配归并。
// 占位消息的字符串 ID 仅作为展示用的稳定键，任何逻辑都不解析其前缀。
type LocalTag struct {
	Seq  uint64
	Kind MessageKind
}

// Message 是客户端与网关之间交换的核心消息实体。
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName,omitempty"`
	SenderAvatar   string          `json:"senderAvatar,omitempty"`
	Kind           MessageKind     `json:"kind"`
	Content        string          `json:"content"` // 文本正文；图片的说明文字；报价/系统通知的可读摘要
	PayloadRaw     json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`

	// Local 非 nil 时表示这是一条尚未确认的占位消息。不上线。
	Local *LocalTag `json:"-"`

	// Delivery 仅对本地发出的消息有意义。不上线。
	Delivery DeliveryState `json:"-"`
}

// IsPlaceholder 报告该消息是否仍是未确认的本地占位。
func (m *Message) IsPlaceholder() bool {
	return m.Local != nil
}

// Clone 返回消息的浅拷贝（payload 原样共享，LocalTag 复制）。
func (m *Message) Clone() *Message {
	c := *m
	if m.Local != nil {
		tag := *m.Local
		c.Local = &tag
	}
	return &c
}

// OfferPayload 承载一条结构化报价的机器可读条款。
type OfferPayload struct {
	ProductName  string  `json:"productName"`
	PricePerUnit float64 `json:"pricePerUnit"`
	Currency     string  `json:"currency"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	DeliveryDate string  `json:"deliveryDate,omitempty"` // YYYY-MM-DD
	Accepted     bool    `json:"accepted,omitempty"`
}

// ImagePayload 承载图片消息的地址与尺寸。
// 上传完成前 URL 是一个 data: 编码的本地预览。
type ImagePayload struct {
	URL          string `json:"url"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// SetPayload 将任意结构序列化进 PayloadRaw。
func (m *Message) SetPayload(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.PayloadRaw = raw
	return nil
}

// OfferPayload 解析报价消息的结构化条款。非报价消息返回 nil。
func (m *Message) OfferPayload() (*OfferPayload, error) {
	if m.Kind != OfferMessageKind || m.PayloadRaw == nil {
		return nil, nil
	}
	var p OfferPayload
	if err := json.Unmarshal(m.PayloadRaw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ImagePayload 解析图片消息的载荷。非图片消息返回 nil。
func (m *Message) ImagePayload() (*ImagePayload, error) {
	if m.Kind != ImageMessageKind || m.PayloadRaw == nil {
		return nil, nil
	}
	var p ImagePayload
	if err := json.Unmarshal(m.PayloadRaw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ImageURL 返回图片消息的 URL，解析失败或非图片消息时返回空串。
func (m *Message) ImageURL() string {
	p, err := m.ImagePayload()
	if err != nil || p == nil {
		return ""
	}
	return p.URL
}

// IsDataURL 报告一个图片地址是否是未上传的本地 data: 编码。
func IsDataURL(url string) bool {
	return strings.HasPrefix(url, "data:")
}

// Draft 是用户提交、尚未变成消息的发送内容。
type Draft struct {
	Kind    MessageKind `json:"kind"`
	Content string      `json:"content"`
	Payload interface{} `json:"payload,omitempty"`
}
