package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/reconcile"
)

// fakeFallback 记录兜底发送的调用情况。
type fakeFallback struct {
	mu     sync.Mutex
	calls  int
	err    error
	result *chattypes.Message
}

func (f *fakeFallback) SendViaRequest(ctx context.Context, conversationID string, draft chattypes.Draft) (*chattypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeList 记录状态机落到列表上的全部操作。
// 未显式标记时所有占位都视为仍在 sending。
type fakeList struct {
	mu         sync.Mutex
	merged     []*chattypes.Message
	deliveries map[uint64]chattypes.DeliveryState
	removed    map[uint64]bool
	hintSeq    uint64
	hintOK     bool
	failed     *chattypes.Message
}

func newFakeList() *fakeList {
	return &fakeList{
		deliveries: make(map[uint64]chattypes.DeliveryState),
		removed:    make(map[uint64]bool),
	}
}

func (f *fakeList) Merge(incoming *chattypes.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, incoming)
}

func (f *fakeList) UpdateDelivery(localSeq uint64, state chattypes.DeliveryState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[localSeq] = state
	return true
}

func (f *fakeList) PlaceholderState(localSeq uint64) (chattypes.DeliveryState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed[localSeq] {
		return "", false
	}
	if s, ok := f.deliveries[localSeq]; ok {
		return s, true
	}
	return chattypes.DeliverySending, true
}

func (f *fakeList) markRemoved(localSeq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[localSeq] = true
}

func (f *fakeList) MatchHint(hint chattypes.SendHint) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hintSeq, f.hintOK
}

func (f *fakeList) RemoveFailed(localSeq uint64) (*chattypes.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		return nil, false
	}
	removed := f.failed
	f.failed = nil
	return removed, true
}

func (f *fakeList) deliveryOf(seq uint64) (chattypes.DeliveryState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.deliveries[seq]
	return s, ok
}

func (f *fakeList) mergedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.merged)
}

func placeholder(seq uint64, kind chattypes.MessageKind, content string) *chattypes.Message {
	return &chattypes.Message{
		ID:             "local-text-1-ab",
		ConversationID: "contract-1",
		SenderID:       "user-farmer-1",
		Kind:           kind,
		Content:        content,
		CreatedAt:      time.Now(),
		Local:          &chattypes.LocalTag{Seq: seq, Kind: kind},
		Delivery:       chattypes.DeliverySending,
	}
}

func TestFallbackFiresExactlyOnceAfterTimeout(t *testing.T) {
	fb := &fakeFallback{result: &chattypes.Message{ID: "msg-501", ConversationID: "contract-1"}}
	list := newFakeList()
	m := NewMachine(fb, list, 30*time.Millisecond, time.Second)
	defer m.Close()

	ph := placeholder(1, chattypes.TextMessageKind, "你好")
	m.Track(ph, chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, false)

	require.Eventually(t, func() bool { return list.mergedCount() == 1 }, time.Second, 5*time.Millisecond)
	// 等待再一个周期，确认兜底不会重复发送。
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, fb.callCount())
	assert.Equal(t, 0, m.Pending())
}

func TestConfirmationBeforeTimeoutCancelsFallback(t *testing.T) {
	fb := &fakeFallback{}
	list := newFakeList()
	m := NewMachine(fb, list, 40*time.Millisecond, time.Second)
	defer m.Close()

	ph := placeholder(1, chattypes.TextMessageKind, "你好")
	m.Track(ph, chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, false)

	m.ConfirmMatching(&chattypes.Message{
		ID:             "msg-501",
		ConversationID: "contract-1",
		Kind:           chattypes.TextMessageKind,
		Content:        "你好",
	})

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, fb.callCount())
	assert.Equal(t, 0, m.Pending())
}

func TestConfirmationForDifferentContentDoesNotCancel(t *testing.T) {
	fb := &fakeFallback{result: &chattypes.Message{ID: "msg-502"}}
	list := newFakeList()
	m := NewMachine(fb, list, 30*time.Millisecond, time.Second)
	defer m.Close()

	m.Track(placeholder(1, chattypes.TextMessageKind, "第一条"),
		chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "第一条"}, false)

	// 内容不同的文本确认不能取消这条在途发送。
	m.ConfirmMatching(&chattypes.Message{
		ID:             "msg-900",
		ConversationID: "contract-1",
		Kind:           chattypes.TextMessageKind,
		Content:        "另一条",
	})

	require.Eventually(t, func() bool { return fb.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOfferConfirmationMatchesWithoutContent(t *testing.T) {
	fb := &fakeFallback{}
	list := newFakeList()
	m := NewMachine(fb, list, 40*time.Millisecond, time.Second)
	defer m.Close()

	m.Track(placeholder(1, chattypes.OfferMessageKind, "报价：2.50 元/kg"),
		chattypes.Draft{Kind: chattypes.OfferMessageKind, Content: "报价：2.50 元/kg"}, false)

	m.ConfirmMatching(&chattypes.Message{
		ID:             "msg-901",
		ConversationID: "contract-1",
		Kind:           chattypes.OfferMessageKind,
		Content:        "Offer: 2.5 CNY/kg",
	})

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, fb.callCount())
}

func TestFallbackFailureMarksFailed(t *testing.T) {
	fb := &fakeFallback{err: errors.New("网关不可达")}
	list := newFakeList()
	m := NewMachine(fb, list, 30*time.Millisecond, time.Second)
	defer m.Close()

	m.Track(placeholder(1, chattypes.TextMessageKind, "你好"),
		chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, false)

	require.Eventually(t, func() bool {
		s, ok := list.deliveryOf(1)
		return ok && s == chattypes.DeliveryFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, list.mergedCount())
}

func TestTimeoutAfterRequestAttemptMarksUncertain(t *testing.T) {
	// 发送已经立即走过请求通道：计时器到期不再重发，
	// 只把仍未确认的条目转为 uncertain。
	fb := &fakeFallback{}
	list := newFakeList()
	m := NewMachine(fb, list, 30*time.Millisecond, time.Second)
	defer m.Close()

	m.Track(placeholder(1, chattypes.TextMessageKind, "你好"),
		chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, true)

	require.Eventually(t, func() bool {
		s, ok := list.deliveryOf(1)
		return ok && s == chattypes.DeliveryUncertain
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fb.callCount())
}

func TestMarkUncertainUsesHintMatch(t *testing.T) {
	list := newFakeList()
	list.hintSeq, list.hintOK = 7, true
	m := NewMachine(&fakeFallback{}, list, time.Hour, time.Second)
	defer m.Close()

	m.MarkUncertain(chattypes.SendHint{SenderID: "user-farmer-1", Content: "你好", Kind: chattypes.TextMessageKind})

	s, ok := list.deliveryOf(7)
	require.True(t, ok)
	assert.Equal(t, chattypes.DeliveryUncertain, s)

	list.hintOK = false
	m.MarkUncertain(chattypes.SendHint{Content: "没有对应占位"})
	assert.Len(t, list.deliveries, 1)
}

func TestRetryReturnsDraftForReseed(t *testing.T) {
	list := newFakeList()
	list.failed = placeholder(3, chattypes.TextMessageKind, "发不出去")
	list.failed.Delivery = chattypes.DeliveryFailed
	m := NewMachine(&fakeFallback{}, list, time.Hour, time.Second)
	defer m.Close()

	draft, ok := m.Retry(3)
	require.True(t, ok)
	assert.Equal(t, chattypes.TextMessageKind, draft.Kind)
	assert.Equal(t, "发不出去", draft.Content)

	_, ok = m.Retry(3)
	assert.False(t, ok)
}

func TestTimeoutSkipsFallbackWhenPlaceholderGone(t *testing.T) {
	// 占位在计时器到期前已不在列表上（例如被刷新对账确认），
	// 兜底绝不能再发。
	fb := &fakeFallback{result: &chattypes.Message{ID: "msg-dup"}}
	list := newFakeList()
	m := NewMachine(fb, list, 30*time.Millisecond, time.Second)
	defer m.Close()

	m.Track(placeholder(1, chattypes.TextMessageKind, "你好"),
		chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, false)
	list.markRemoved(1)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, fb.callCount())
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, 0, list.mergedCount())
}

// refreshFetcher 是归并引擎刷新用的请求通道替身。
type refreshFetcher struct {
	mu   sync.Mutex
	page []*chattypes.Message
}

func (f *refreshFetcher) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page, nil
}

func (f *refreshFetcher) setPage(page []*chattypes.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = page
}

func TestRefreshConfirmationPreventsDuplicateFallback(t *testing.T) {
	// 断线→刷新对账拿到确认→计时器到期：整条链路下来
	// 服务端不能收到第二份同样的消息。
	fetcher := &refreshFetcher{}
	engine := reconcile.NewEngine("contract-1", "user-farmer-1", fetcher, 20)
	fb := &fakeFallback{result: &chattypes.Message{ID: "msg-dup", ConversationID: "contract-1"}}
	m := NewMachine(fb, engine, 60*time.Millisecond, time.Second)
	defer m.Close()

	ph := placeholder(1, chattypes.TextMessageKind, "你好")
	_, already := engine.InsertPlaceholder(ph)
	require.False(t, already)
	m.Track(ph, chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, false)

	fetcher.setPage([]*chattypes.Message{{
		ID:             "msg-900",
		ConversationID: "contract-1",
		SenderID:       "user-farmer-1",
		Kind:           chattypes.TextMessageKind,
		Content:        "你好",
		CreatedAt:      time.Now(),
	}})
	require.NoError(t, engine.Refresh(context.Background()))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, fb.callCount())
	assert.Equal(t, 0, m.Pending())

	msgs := engine.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-900", msgs[0].ID)
}

func TestMarkFailedStopsTimer(t *testing.T) {
	fb := &fakeFallback{}
	list := newFakeList()
	m := NewMachine(fb, list, 30*time.Millisecond, time.Second)
	defer m.Close()

	m.Track(placeholder(1, chattypes.TextMessageKind, "你好"),
		chattypes.Draft{Kind: chattypes.TextMessageKind, Content: "你好"}, true)
	m.MarkFailed(1)

	s, ok := list.deliveryOf(1)
	require.True(t, ok)
	assert.Equal(t, chattypes.DeliveryFailed, s)

	time.Sleep(80 * time.Millisecond)
	// 计时器已停，failed 不会被到期回调改写成 uncertain。
	s, _ = list.deliveryOf(1)
	assert.Equal(t, chattypes.DeliveryFailed, s)
	assert.Equal(t, 0, m.Pending())
}
