package reconcile

import (
	"sort"
	"time"

	"agrichat-go/internal/chattypes"
)

// Conversation 持有单个会话已加载的消息列表和分页游标。
// 它只是数据；所有变更都必须经由 Engine 进行。
type Conversation struct {
	ID             string
	messages       []*chattypes.Message
	oldestLoaded   time.Time // 已加载的最旧消息的时间戳，分页游标
	hasMoreHistory bool
}

// NewConversation 为一个会话创建空的消息列表。
// 会话随聊天视图创建，生命周期内不会被显式销毁。
func NewConversation(id string) *Conversation {
	return &Conversation{ID: id, hasMoreHistory: true}
}

// HasMoreHistory 报告是否还有更早的历史可以加载。
func (c *Conversation) HasMoreHistory() bool { return c.hasMoreHistory }

// snapshot 返回消息列表的浅拷贝，供发布给观察者。
func (c *Conversation) snapshot() []*chattypes.Message {
	out := make([]*chattypes.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// sortStable 按 createdAt 升序稳定排序，时间相同保持到达顺序。
func (c *Conversation) sortStable() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}

// dedupeByID 按 ID 去重，保留首次出现的条目。
// 这是每次变更后的防御性第二遍：两条通道的异步完成可能
// 在归并各步之间竞争。
func (c *Conversation) dedupeByID() {
	seen := make(map[string]bool, len(c.messages))
	out := c.messages[:0]
	for _, m := range c.messages {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	c.messages = out
}

// resetOldest 丢弃当前游标并从一页全新的消息重建。
// updateOldest 只会把游标往更早移，全量替换列表后必须经由这里。
func (c *Conversation) resetOldest(page []*chattypes.Message) {
	c.oldestLoaded = time.Time{}
	c.updateOldest(page)
}

// updateOldest 用一页消息刷新分页游标。
func (c *Conversation) updateOldest(page []*chattypes.Message) {
	for _, m := range page {
		if c.oldestLoaded.IsZero() || m.CreatedAt.Before(c.oldestLoaded) {
			c.oldestLoaded = m.CreatedAt
		}
	}
}
