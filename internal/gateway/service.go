package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"agrichat-go/internal/chattypes"
)

// ChatService 定义了网关的消息业务操作，HTTP 处理器和
// WebSocket 处理器共用同一套实现。
type ChatService interface {
	// SendMessage 持久化一条消息并向房间广播 message.new。
	SendMessage(ctx context.Context, claims *Claims, conversationID string, draft chattypes.Draft) (*chattypes.Message, error)

	// ListMessages 按时间倒序取一页消息。
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error)

	// MarkRead 更新调用者在会话中的已读水位。
	MarkRead(ctx context.Context, claims *Claims, conversationID string) error

	// AcceptOffer 把报价置为已接受，广播一条系统通知。
	AcceptOffer(ctx context.Context, claims *Claims, messageID string) (*chattypes.Message, error)
}

// chatService 是 ChatService 的实现。
type chatService struct {
	store MessageStore
	hub   *Hub
}

// NewChatService 创建网关消息服务。
func NewChatService(store MessageStore, hub *Hub) ChatService {
	return &chatService{store: store, hub: hub}
}

func (s *chatService) SendMessage(ctx context.Context, claims *Claims, conversationID string, draft chattypes.Draft) (*chattypes.Message, error) {
	msg := &chattypes.Message{
		ConversationID: conversationID,
		SenderID:       claims.UserID,
		SenderName:     claims.DisplayName,
		SenderAvatar:   claims.AvatarURL,
		Kind:           draft.Kind,
		Content:        draft.Content,
	}
	if draft.Payload != nil {
		if err := msg.SetPayload(draft.Payload); err != nil {
			return nil, fmt.Errorf("序列化消息载荷失败: %w", err)
		}
	}

	stored, err := s.store.Create(ctx, msg)
	if err != nil {
		return nil, err
	}

	// 广播包含发送方自己——它可能同时从请求通道响应和这里
	// 各收到一份，客户端的归并去重负责收敛。
	s.hub.BroadcastToRoom(conversationID, chattypes.Frame{
		Kind:           chattypes.FrameNewMessage,
		ConversationID: conversationID,
		Message:        stored,
	})
	return stored, nil
}

func (s *chatService) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error) {
	return s.store.ListBefore(ctx, conversationID, before, limit)
}

func (s *chatService) MarkRead(ctx context.Context, claims *Claims, conversationID string) error {
	return s.store.MarkRead(ctx, conversationID, claims.UserID, time.Now())
}

func (s *chatService) AcceptOffer(ctx context.Context, claims *Claims, messageID string) (*chattypes.Message, error) {
	msg, err := s.store.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("查找报价消息 %s 失败: %w", messageID, err)
	}
	if msg.Kind != chattypes.OfferMessageKind {
		return nil, fmt.Errorf("消息 %s 不是报价", messageID)
	}

	offer, err := msg.OfferPayload()
	if err != nil || offer == nil {
		return nil, fmt.Errorf("解析报价载荷失败: %v", err)
	}
	if offer.Accepted {
		// 重复接受是幂等的。
		return msg, nil
	}
	offer.Accepted = true
	if err := msg.SetPayload(offer); err != nil {
		return nil, fmt.Errorf("序列化报价载荷失败: %w", err)
	}
	if err := s.store.UpdatePayload(ctx, messageID, msg.PayloadRaw); err != nil {
		return nil, fmt.Errorf("更新报价状态失败: %w", err)
	}

	// 接受事实以一条系统通知消息传播；已有报价消息的最新
	// 载荷由接受方的响应和其他端的下一次刷新带回。
	if _, err := s.SendMessage(ctx, claims, msg.ConversationID, chattypes.Draft{
		Kind:    chattypes.SystemMessageKind,
		Content: fmt.Sprintf("%s 接受了报价：%s", claims.DisplayName, msg.Content),
	}); err != nil {
		log.Printf("警告: 广播报价接受通知失败: %v", err)
	}
	return msg, nil
}
