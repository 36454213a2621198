package delivery

import (
	"context"
	"log"
	"sync"
	"time"

	"agrichat-go/internal/chattypes"
)

// FallbackSender 是状态机触发兜底时使用的请求通道子集。
type FallbackSender interface {
	SendViaRequest(ctx context.Context, conversationID string, draft chattypes.Draft) (*chattypes.Message, error)
}

// ListUpdater 是状态机对归并引擎的依赖：状态落到列表、
// 兜底结果合入列表都经由它。
type ListUpdater interface {
	Merge(incoming *chattypes.Message)
	UpdateDelivery(localSeq uint64, state chattypes.DeliveryState) bool
	PlaceholderState(localSeq uint64) (chattypes.DeliveryState, bool)
	MatchHint(hint chattypes.SendHint) (uint64, bool)
	RemoveFailed(localSeq uint64) (*chattypes.Message, bool)
}

// pendingSend 是一条在途的本地发送。
type pendingSend struct {
	conversationID   string
	draft            chattypes.Draft
	kind             chattypes.MessageKind
	timer            *time.Timer
	requestAttempted bool // 请求通道是否已经试过（立即发送或兜底）
	settled          bool // 已进入终态，后续事件忽略
}

// Machine 驱动每条本地消息的投递状态：
// sending → delivered | uncertain | failed。
// delivered 和 failed 是终态；uncertain 在收到后续确认时仍可
// 迁移到 delivered。每条占位消息挂一个可取消的兜底计时器，
// 确认在计时器到期前到达则取消，保证兜底最多发一次。
type Machine struct {
	mu       sync.Mutex
	pending  map[uint64]*pendingSend
	fallback FallbackSender
	list     ListUpdater

	fallbackTimeout time.Duration
	requestTimeout  time.Duration
}

// NewMachine 创建投递状态机。
func NewMachine(fallback FallbackSender, list ListUpdater, fallbackTimeout, requestTimeout time.Duration) *Machine {
	return &Machine{
		pending:         make(map[uint64]*pendingSend),
		fallback:        fallback,
		list:            list,
		fallbackTimeout: fallbackTimeout,
		requestTimeout:  requestTimeout,
	}
}

// Track 开始跟踪一条刚创建的占位消息。
// requestAttempted 为 true 表示发送已经（立即）走了请求通道，
// 计时器到期时不会再次发送，只会把仍未确认的条目转为 uncertain。
func (m *Machine) Track(ph *chattypes.Message, draft chattypes.Draft, requestAttempted bool) {
	if ph == nil || ph.Local == nil {
		return
	}
	seq := ph.Local.Seq
	p := &pendingSend{
		conversationID:   ph.ConversationID,
		draft:            draft,
		kind:             draft.Kind,
		requestAttempted: requestAttempted,
	}
	m.mu.Lock()
	p.timer = time.AfterFunc(m.fallbackTimeout, func() { m.onTimeout(seq) })
	m.pending[seq] = p
	m.mu.Unlock()
}

// onTimeout 在兜底计时器到期时运行：请求通道还没试过就发起
// 唯一一次兜底；已经试过则把仍在 sending 的条目转为 uncertain
// —— 消息可能已经送达，只是确认丢了。
//
// 兜底前先核对占位是否还在列表上：断线恢复的刷新对账可能已经
// 拿到确认并移除了占位，此时兜底只会在服务端再造一条重复消息。
func (m *Machine) onTimeout(seq uint64) {
	state, tracked := m.list.PlaceholderState(seq)

	m.mu.Lock()
	p, ok := m.pending[seq]
	if !ok || p.settled {
		m.mu.Unlock()
		return
	}
	if !tracked {
		p.settled = true
		delete(m.pending, seq)
		m.mu.Unlock()
		return
	}
	if p.requestAttempted {
		m.mu.Unlock()
		if state == chattypes.DeliverySending {
			m.list.UpdateDelivery(seq, chattypes.DeliveryUncertain)
		}
		return
	}
	p.requestAttempted = true
	convoID, draft := p.conversationID, p.draft
	m.mu.Unlock()

	log.Printf("占位消息 %d 超时未确认，转请求通道兜底", seq)
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()

	msg, err := m.fallback.SendViaRequest(ctx, convoID, draft)
	if err != nil {
		log.Printf("占位消息 %d 兜底发送失败: %v", seq, err)
		m.settle(seq)
		m.list.UpdateDelivery(seq, chattypes.DeliveryFailed)
		return
	}
	m.settle(seq)
	// 归并会原位替换占位并置 delivered。
	m.list.Merge(msg)
}

// ConfirmMatching 在任何一条属于本端的确认到达时调用（推送的
// message.new、message.ack 或请求通道响应）。按归并同款规则找
// 到对应的在途发送，取消其兜底计时器。
func (m *Machine) ConfirmMatching(confirmed *chattypes.Message) {
	if confirmed == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for seq, p := range m.pending {
		if p.settled || p.kind != confirmed.Kind || p.conversationID != confirmed.ConversationID {
			continue
		}
		if p.kind == chattypes.TextMessageKind && p.draft.Content != confirmed.Content {
			continue
		}
		p.settled = true
		p.timer.Stop()
		delete(m.pending, seq)
		return
	}
}

// MarkUncertain 处理推送通道的“投递不确定”事件，按
// (发送者, 内容, 类型) 匹配占位消息并置为 uncertain。
// 计时器保持运行：uncertain 不是终态。
func (m *Machine) MarkUncertain(hint chattypes.SendHint) {
	seq, ok := m.list.MatchHint(hint)
	if !ok {
		return
	}
	m.list.UpdateDelivery(seq, chattypes.DeliveryUncertain)
}

// MarkFailed 把一条在途发送置为 failed 终态并停止其计时器。
// 供“立即走请求通道”的发送路径在请求失败时调用。
func (m *Machine) MarkFailed(localSeq uint64) {
	m.settle(localSeq)
	m.list.UpdateDelivery(localSeq, chattypes.DeliveryFailed)
}

// Retry 执行用户发起的手动重试：把 failed 条目从列表移除，
// 返回原始内容供回填输入框。重新提交会走全新的占位创建路径，
// 不带任何旧状态。
func (m *Machine) Retry(localSeq uint64) (chattypes.Draft, bool) {
	m.settle(localSeq)
	removed, ok := m.list.RemoveFailed(localSeq)
	if !ok {
		return chattypes.Draft{}, false
	}
	return chattypes.Draft{Kind: removed.Kind, Content: removed.Content}, true
}

// Pending 报告仍在跟踪中的发送条数（测试与诊断用）。
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close 停止所有计时器。
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for seq, p := range m.pending {
		p.settled = true
		p.timer.Stop()
		delete(m.pending, seq)
	}
}

// settle 终结一条在途发送并停掉它的计时器。
func (m *Machine) settle(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[seq]; ok {
		p.settled = true
		p.timer.Stop()
		delete(m.pending, seq)
	}
}
