package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/transport"
)

// HistoryFetcher 是 Engine 依赖的请求通道子集：按游标取历史。
type HistoryFetcher interface {
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error)
}

// unmatchedConfirmWindow 是未匹配确认的有效期。发送路径里
// 占位总是先于任何网络调用插入，真正的“确认先到”竞争只会
// 发生在毫秒级；更久之前的条目来自同一用户的其他连接。
const unmatchedConfirmWindow = 5 * time.Second

// Engine 是单会话的消息归并引擎：无论消息来自推送、发送响应
// 还是全量刷新，都恰好合入一次；存在匹配的占位消息时原位替换。
// 它独占会话消息列表的所有权，最终列表顺序以它为准。
//
// 多协程复刻注意：所有变更都在同一把互斥锁内完成，保证每次
// 插入/替换/重排对外表现为原子操作。
type Engine struct {
	mu      sync.Mutex
	convo   *Conversation
	fetcher HistoryFetcher

	selfSenderID string
	pageSize     int

	// unmatchedConfirms 记录“确认先于占位到达”的消息 ID 及其
	// 记录时刻。占位插入时按镜像规则消费，避免留下幽灵般的
	// sending 重复项。条目只在 unmatchedConfirmWindow 内有效：
	// 同一用户另一台设备的消息也会以本端发送者身份落到这里，
	// 过期条目不能吃掉之后一条内容恰好相同的新发送。
	unmatchedConfirms map[string]time.Time

	obsMu     sync.Mutex
	observers []func([]*chattypes.Message)
}

// NewEngine 为一个会话创建归并引擎。
// selfSenderID 是本端用户 ID，用于识别属于自己的确认消息。
func NewEngine(conversationID, selfSenderID string, fetcher HistoryFetcher, pageSize int) *Engine {
	return &Engine{
		convo:             NewConversation(conversationID),
		fetcher:           fetcher,
		selfSenderID:      selfSenderID,
		pageSize:          pageSize,
		unmatchedConfirms: make(map[string]time.Time),
	}
}

// OnChange 注册一个列表变更观察者，收到的是快照。
func (e *Engine) OnChange(h func([]*chattypes.Message)) {
	e.obsMu.Lock()
	e.observers = append(e.observers, h)
	e.obsMu.Unlock()
}

// Snapshot 返回当前消息列表的快照。
func (e *Engine) Snapshot() []*chattypes.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convo.snapshot()
}

// HasMoreHistory 报告是否还有更早的历史可加载。
func (e *Engine) HasMoreHistory() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convo.HasMoreHistory()
}

// ConversationID 返回引擎所属会话的 ID。
func (e *Engine) ConversationID() string {
	return e.convo.ID
}

// Merge 把一条新观察到的消息合入列表。来源可能是推送通知、
// 请求通道的发送响应或全量刷新；三种来源走同一套规则。
func (e *Engine) Merge(incoming *chattypes.Message) {
	if incoming == nil || incoming.ConversationID != e.convo.ID {
		return
	}
	e.mu.Lock()
	e.mergeLocked(incoming)
	e.convo.dedupeByID()
	snapshot := e.convo.snapshot()
	e.mu.Unlock()
	e.notify(snapshot)
}

// mergeLocked 按固定优先级执行归并规则，首个命中即返回。
func (e *Engine) mergeLocked(incoming *chattypes.Message) {
	msgs := e.convo.messages

	// 规则 1：完全相同的 ID 已存在（非占位）——纯重复，丢弃。
	// 两条通道同时送达同一条确认时会发生。
	for _, m := range msgs {
		if !m.IsPlaceholder() && m.ID == incoming.ID {
			return
		}
	}

	// 规则 2：图片 URL 去重。推送通知和上传响应可能各自报告
	// 同一张已上传的图片。
	if incoming.Kind == chattypes.ImageMessageKind {
		inURL := incoming.ImageURL()
		if inURL != "" && !chattypes.IsDataURL(inURL) {
			for _, m := range msgs {
				if !m.IsPlaceholder() && m.Kind == chattypes.ImageMessageKind && m.ImageURL() == inURL {
					return
				}
			}
		}
	}

	// 规则 3：文本占位匹配——同一发送者、内容完全相同。
	if incoming.Kind == chattypes.TextMessageKind {
		for i, m := range msgs {
			if m.IsPlaceholder() && m.Kind == chattypes.TextMessageKind &&
				m.SenderID == incoming.SenderID && m.Content == incoming.Content {
				e.replaceAt(i, incoming)
				return
			}
		}
	}

	// 规则 4：报价占位匹配——同一发送者、同类型即可。
	// 报价文本由模板生成，格式可能不同，不要求内容相等。
	if incoming.Kind == chattypes.OfferMessageKind {
		for i, m := range msgs {
			if m.IsPlaceholder() && m.Kind == chattypes.OfferMessageKind &&
				m.SenderID == incoming.SenderID {
				e.replaceAt(i, incoming)
				return
			}
		}
	}

	// 规则 5：图片占位匹配——同一发送者、占位记录的还是本地
	// data: 预览。约定同一发送者同时只有一张图片在上传中。
	if incoming.Kind == chattypes.ImageMessageKind {
		for i, m := range msgs {
			if m.IsPlaceholder() && m.Kind == chattypes.ImageMessageKind &&
				m.SenderID == incoming.SenderID && chattypes.IsDataURL(m.ImageURL()) {
				e.replaceAt(i, incoming)
				return
			}
		}
	}

	// 规则 6：没有任何匹配——追加并按时间重排。
	// 属于本端的确认如果落到这里，说明占位还没创建出来，
	// 记下来供 InsertPlaceholder 的镜像匹配消费。
	stored := incoming.Clone()
	stored.Local = nil
	stored.Delivery = chattypes.DeliveryDelivered
	e.convo.messages = append(e.convo.messages, stored)
	if stored.SenderID == e.selfSenderID {
		e.purgeStaleConfirmsLocked()
		e.unmatchedConfirms[stored.ID] = time.Now()
	}
	e.convo.sortStable()
}

// replaceAt 用确认消息原位替换占位条目，保持列表位置，
// 清除占位标记并把状态置为已投递。
func (e *Engine) replaceAt(i int, incoming *chattypes.Message) {
	stored := incoming.Clone()
	stored.Local = nil
	stored.Delivery = chattypes.DeliveryDelivered
	e.convo.messages[i] = stored
}

// InsertPlaceholder 把一条占位消息插入列表。
//
// 真实网络竞争下，确认可能先于占位到达；此时直接插入会留下
// 一个永远停在 sending 的重复项。这里先按镜像规则在
// unmatchedConfirms 里找已有的未匹配确认：命中则消费该确认、
// 不插入占位，并把已确认的消息返回给调用方。
func (e *Engine) InsertPlaceholder(ph *chattypes.Message) (confirmed *chattypes.Message, alreadyDelivered bool) {
	if ph == nil || !ph.IsPlaceholder() {
		return nil, false
	}
	e.mu.Lock()
	e.purgeStaleConfirmsLocked()
	for _, m := range e.convo.messages {
		if _, ok := e.unmatchedConfirms[m.ID]; !ok || m.SenderID != ph.SenderID || m.Kind != ph.Kind {
			continue
		}
		switch ph.Kind {
		case chattypes.TextMessageKind:
			if m.Content != ph.Content {
				continue
			}
		case chattypes.ImageMessageKind:
			if chattypes.IsDataURL(m.ImageURL()) {
				continue
			}
		}
		// 报价类型同发送者即匹配，与规则 4 对称。
		delete(e.unmatchedConfirms, m.ID)
		found := m
		e.mu.Unlock()
		return found, true
	}

	e.convo.messages = append(e.convo.messages, ph)
	e.convo.sortStable()
	e.convo.dedupeByID()
	snapshot := e.convo.snapshot()
	e.mu.Unlock()
	e.notify(snapshot)
	return nil, false
}

// ApplyUpdate 用同 ID 的新表示原位替换一条已确认的消息，
// 用于服务端对已有消息的状态更新（例如报价被接受）。
// 列表中没有该 ID 时退化为一次普通归并。
func (e *Engine) ApplyUpdate(updated *chattypes.Message) {
	if updated == nil || updated.ConversationID != e.convo.ID {
		return
	}
	e.mu.Lock()
	replaced := false
	for i, m := range e.convo.messages {
		if !m.IsPlaceholder() && m.ID == updated.ID {
			stored := updated.Clone()
			stored.Local = nil
			stored.Delivery = chattypes.DeliveryDelivered
			e.convo.messages[i] = stored
			replaced = true
			break
		}
	}
	var snapshot []*chattypes.Message
	if replaced {
		snapshot = e.convo.snapshot()
	}
	e.mu.Unlock()
	if replaced {
		e.notify(snapshot)
		return
	}
	e.Merge(updated)
}

// UpdateDelivery 更新指定占位消息的投递状态。找不到返回 false。
func (e *Engine) UpdateDelivery(localSeq uint64, state chattypes.DeliveryState) bool {
	e.mu.Lock()
	var updated bool
	for i, m := range e.convo.messages {
		if m.IsPlaceholder() && m.Local.Seq == localSeq {
			// 已发布的快照与列表共享指针，状态变更走拷贝替换。
			changed := m.Clone()
			changed.Delivery = state
			e.convo.messages[i] = changed
			updated = true
			break
		}
	}
	var snapshot []*chattypes.Message
	if updated {
		snapshot = e.convo.snapshot()
	}
	e.mu.Unlock()
	if updated {
		e.notify(snapshot)
	}
	return updated
}

// PlaceholderState 返回指定占位消息当前的投递状态。
// 占位已被确认替换或移除（包括刷新对账）时返回 false。
func (e *Engine) PlaceholderState(localSeq uint64) (chattypes.DeliveryState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.convo.messages {
		if m.IsPlaceholder() && m.Local.Seq == localSeq {
			return m.Delivery, true
		}
	}
	return "", false
}

// MatchHint 按 (发送者, 内容, 类型) 找到对应的占位消息，
// 返回其本地序号。用于推送通道的“投递不确定”事件。
func (e *Engine) MatchHint(hint chattypes.SendHint) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.convo.messages {
		if m.IsPlaceholder() && m.SenderID == hint.SenderID &&
			m.Kind == hint.Kind && m.Content == hint.Content {
			return m.Local.Seq, true
		}
	}
	return 0, false
}

// RemoveFailed 把一条 failed 状态的占位消息从列表移除并返回，
// 供手动重试把内容回填到输入框。重新提交会创建全新的占位，
// 不继承任何状态。
func (e *Engine) RemoveFailed(localSeq uint64) (*chattypes.Message, bool) {
	e.mu.Lock()
	var removed *chattypes.Message
	for i, m := range e.convo.messages {
		if m.IsPlaceholder() && m.Local.Seq == localSeq && m.Delivery == chattypes.DeliveryFailed {
			removed = m
			e.convo.messages = append(e.convo.messages[:i], e.convo.messages[i+1:]...)
			break
		}
	}
	var snapshot []*chattypes.Message
	if removed != nil {
		snapshot = e.convo.snapshot()
	}
	e.mu.Unlock()
	if removed != nil {
		e.notify(snapshot)
		return removed, true
	}
	return nil, false
}

// Refresh 从请求通道拉取最新一页并与当前列表全量对账。
// 尚无匹配确认（按发送者、内容、类型）的占位消息被保留；
// 合并结果去重并按时间排序。这是断线恢复后补齐漏掉的推送
// 通知的唯一机制。
func (e *Engine) Refresh(ctx context.Context) error {
	latest, err := e.fetcher.ListMessages(ctx, e.convo.ID, time.Time{}, e.pageSize)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrRefreshFailed, err)
	}

	e.mu.Lock()
	var placeholders []*chattypes.Message
	for _, m := range e.convo.messages {
		if m.IsPlaceholder() {
			placeholders = append(placeholders, m)
		}
	}

	merged := make([]*chattypes.Message, 0, len(latest)+len(placeholders))
	for _, m := range latest {
		stored := m.Clone()
		stored.Local = nil
		stored.Delivery = chattypes.DeliveryDelivered
		merged = append(merged, stored)
	}
	kept := placeholders[:0]
	for _, ph := range placeholders {
		if hasConfirmedMatch(latest, ph) {
			continue
		}
		kept = append(kept, ph)
	}
	merged = append(merged, kept...)

	e.convo.messages = merged
	// 刷新整体替换了已加载窗口，旧游标指向的历史已不在列表上，
	// 从新页重建；否则下一次翻页会跳过两者之间的消息。
	e.convo.resetOldest(latest)
	e.convo.hasMoreHistory = len(latest) >= e.pageSize
	e.convo.dedupeByID()
	e.convo.sortStable()
	snapshot := e.convo.snapshot()
	e.mu.Unlock()

	log.Printf("会话 %s 刷新完成: 服务端 %d 条，保留占位 %d 条", e.convo.ID, len(latest), len(kept))
	e.notify(snapshot)
	return nil
}

// LoadOlder 加载比当前最旧消息更早的一页历史并前插。
// 返回的条数不足一页时置 hasMoreHistory 为 false。
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	before := e.convo.oldestLoaded
	if before.IsZero() {
		// 还没有任何已加载消息，等价于一次初始加载。
		before = time.Now()
	}
	e.mu.Unlock()

	older, err := e.fetcher.ListMessages(ctx, e.convo.ID, before, e.pageSize)
	if err != nil {
		return fmt.Errorf("加载历史消息失败: %w", err)
	}

	e.mu.Lock()
	for _, m := range older {
		stored := m.Clone()
		stored.Local = nil
		stored.Delivery = chattypes.DeliveryDelivered
		e.convo.messages = append(e.convo.messages, stored)
	}
	e.convo.updateOldest(older)
	if len(older) < e.pageSize {
		e.convo.hasMoreHistory = false
	}
	e.convo.dedupeByID()
	e.convo.sortStable()
	snapshot := e.convo.snapshot()
	e.mu.Unlock()
	e.notify(snapshot)
	return nil
}

// hasConfirmedMatch 报告刷新结果里是否已有占位消息对应的确认。
func hasConfirmedMatch(latest []*chattypes.Message, ph *chattypes.Message) bool {
	for _, m := range latest {
		if m.SenderID == ph.SenderID && m.Kind == ph.Kind && m.Content == ph.Content {
			return true
		}
	}
	return false
}

// purgeStaleConfirmsLocked 清掉超出有效期的未匹配确认。
func (e *Engine) purgeStaleConfirmsLocked() {
	for id, at := range e.unmatchedConfirms {
		if time.Since(at) > unmatchedConfirmWindow {
			delete(e.unmatchedConfirms, id)
		}
	}
}

func (e *Engine) notify(snapshot []*chattypes.Message) {
	e.obsMu.Lock()
	obs := make([]func([]*chattypes.Message), len(e.observers))
	copy(obs, e.observers)
	e.obsMu.Unlock()
	for _, h := range obs {
		h(snapshot)
	}
}
