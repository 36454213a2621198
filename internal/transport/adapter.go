package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

// Adapter 把持久推送通道和无状态请求通道收拢为一个统一的
// 传输门面：发送优先走推送，失败或离线时由调用方走请求通道兜底。
// 调用方不需要知道最终是哪条通道成功的。
//
// Adapter 拥有连接状态并通过事件总线发布变化；它从不直接改动
// 任何会话的消息列表。
type Adapter struct {
	cfg  config.ChatConfig
	bus  *EventBus
	ws   *wsClient
	rest RequestChannel
}

// NewAdapter 创建一个双通道传输适配器。
func NewAdapter(cfg config.ChatConfig, wsCfg config.WebSocketConfig, rest RequestChannel) *Adapter {
	bus := NewEventBus()
	return &Adapter{
		cfg:  cfg,
		bus:  bus,
		ws:   newWSClient(cfg, wsCfg, bus),
		rest: rest,
	}
}

// Events 返回适配器的事件总线，供订阅传输层事件。
func (a *Adapter) Events() *EventBus { return a.bus }

// Connect 建立推送通道；已连接时幂等。失败不抛错——
// 系统必须在只有请求通道的情况下保持可用。
func (a *Adapter) Connect(creds Credentials) {
	a.ws.connect(creds)
}

// Connected 报告推送通道当前是否在线。
func (a *Adapter) Connected() bool { return a.ws.isConnected() }

// Close 永久关闭推送通道并停止自动重连。
func (a *Adapter) Close() { a.ws.close() }

// JoinConversation 把推送订阅范围切到指定会话；未连接时记录待重连补发。
func (a *Adapter) JoinConversation(conversationID string) {
	a.ws.join(conversationID)
}

// LeaveConversation 退订指定会话的推送。
func (a *Adapter) LeaveConversation(conversationID string) {
	a.ws.leave(conversationID)
}

// Send 尝试经推送通道投递草稿，返回是否已被接受待传输。
// 返回 true 不代表送达：调用方必须自行处理“接受了但始终没有
// 确认到达”的情况（投递状态机的兜底计时器负责这一点）。
func (a *Adapter) Send(conversationID string, draft chattypes.Draft) bool {
	msg := &chattypes.Message{
		ConversationID: conversationID,
		Kind:           draft.Kind,
		Content:        draft.Content,
	}
	if draft.Payload != nil {
		if err := msg.SetPayload(draft.Payload); err != nil {
			log.Printf("错误: 序列化消息载荷失败: %v", err)
			return false
		}
	}
	return a.ws.enqueue(chattypes.Frame{
		Kind:           chattypes.FrameSend,
		ConversationID: conversationID,
		Message:        msg,
	})
}

// SendViaRequest 经请求通道投递草稿，返回服务端的权威消息表示。
// 失败时返回 *DeliveryError。
func (a *Adapter) SendViaRequest(ctx context.Context, conversationID string, draft chattypes.Draft) (*chattypes.Message, error) {
	msg, err := a.rest.SendMessage(ctx, conversationID, draft)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages 经请求通道取一页历史消息。
func (a *Adapter) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error) {
	return a.rest.ListMessages(ctx, conversationID, before, limit)
}

// UploadImage 经请求通道上传图片并创建图片消息。
func (a *Adapter) UploadImage(ctx context.Context, conversationID, caption, filename string, data []byte) (*chattypes.Message, error) {
	return a.rest.UploadImage(ctx, conversationID, caption, filename, data)
}

// MarkRead 更新已读水位。在线时走推送帧，离线时走请求通道。
func (a *Adapter) MarkRead(ctx context.Context, conversationID string) error {
	if a.ws.enqueue(chattypes.Frame{Kind: chattypes.FrameMarkRead, ConversationID: conversationID}) {
		return nil
	}
	return a.rest.MarkRead(ctx, conversationID)
}

// AcceptOffer 接受一条结构化报价。状态变更必须权威落盘，
// 因此始终走请求通道。
func (a *Adapter) AcceptOffer(ctx context.Context, messageID string) (*chattypes.Message, error) {
	msg, err := a.rest.AcceptOffer(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("接受报价失败: %w", err)
	}
	return msg, nil
}

// DescribeDraft 生成草稿的调试描述，仅用于日志。
func DescribeDraft(draft chattypes.Draft) string {
	if draft.Payload == nil {
		return fmt.Sprintf("%s: %q", draft.Kind, draft.Content)
	}
	raw, err := json.Marshal(draft.Payload)
	if err != nil {
		return fmt.Sprintf("%s: %q", draft.Kind, draft.Content)
	}
	return fmt.Sprintf("%s: %q %s", draft.Kind, draft.Content, string(raw))
}
