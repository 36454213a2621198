package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

// stubRequestChannel 记录请求通道的调用，供适配器测试。
type stubRequestChannel struct {
	markReadCalls int
	sent          []chattypes.Draft
}

func (s *stubRequestChannel) Login(ctx context.Context, username, password string) (string, error) {
	return "jwt-abc", nil
}

func (s *stubRequestChannel) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error) {
	return nil, nil
}

func (s *stubRequestChannel) SendMessage(ctx context.Context, conversationID string, draft chattypes.Draft) (*chattypes.Message, error) {
	s.sent = append(s.sent, draft)
	return &chattypes.Message{ID: "msg-501", ConversationID: conversationID, Content: draft.Content}, nil
}

func (s *stubRequestChannel) UploadImage(ctx context.Context, conversationID, caption, filename string, data []byte) (*chattypes.Message, error) {
	return &chattypes.Message{ID: "msg-801", ConversationID: conversationID, Kind: chattypes.ImageMessageKind}, nil
}

func (s *stubRequestChannel) MarkRead(ctx context.Context, conversationID string) error {
	s.markReadCalls++
	return nil
}

func (s *stubRequestChannel) AcceptOffer(ctx context.Context, messageID string) (*chattypes.Message, error) {
	return &chattypes.Message{ID: messageID, Kind: chattypes.OfferMessageKind}, nil
}

func newTestAdapter(rest RequestChannel) *Adapter {
	cfg := config.ChatConfig{
		WSURL:                "ws://127.0.0.1:1/ws", // 不会真正连接
		PageSize:             20,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Millisecond,
		RequestTimeout:       time.Second,
	}
	return NewAdapter(cfg, config.WebSocketConfig{}, rest)
}

func TestSendReturnsFalseWhenPushOffline(t *testing.T) {
	a := newTestAdapter(&stubRequestChannel{})
	defer a.Close()

	accepted := a.Send("contract-1", chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"})
	assert.False(t, accepted)
	assert.False(t, a.Connected())
}

func TestMarkReadFallsBackToRequestChannelWhenOffline(t *testing.T) {
	rest := &stubRequestChannel{}
	a := newTestAdapter(rest)
	defer a.Close()

	require.NoError(t, a.MarkRead(context.Background(), "contract-1"))
	assert.Equal(t, 1, rest.markReadCalls)
}

func TestSendViaRequestReturnsAuthoritativeMessage(t *testing.T) {
	rest := &stubRequestChannel{}
	a := newTestAdapter(rest)
	defer a.Close()

	msg, err := a.SendViaRequest(context.Background(), "contract-1",
		chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"})
	require.NoError(t, err)
	assert.Equal(t, "msg-501", msg.ID)
	require.Len(t, rest.sent, 1)
}

func TestDescribeDraftIncludesPayload(t *testing.T) {
	desc := DescribeDraft(chattypes.Draft{
		Kind:    chattypes.OfferMessageKind,
		Content: "报价",
		Payload: chattypes.OfferPayload{PricePerUnit: 2.5},
	})
	assert.Contains(t, desc, "structuredOffer")
	assert.Contains(t, desc, "pricePerUnit")
}
