package health

import (
	"context"
	"log"
	"sync"

	"agrichat-go/internal/transport"
)

// Refresher 是监视器对归并引擎的依赖：断线恢复后的全量对账。
type Refresher interface {
	Refresh(ctx context.Context) error
	ConversationID() string
}

// Monitor 观察传输适配器的连接状态变化。断开时记下“发生过
// 中断”；带着该标记重新连上时触发一次 Refresh 并清除标记。
// 这是断连期间漏掉的消息唯一的补齐机制——连接正常时没有任何
// 周期性对账。
type Monitor struct {
	mu        sync.Mutex
	disrupted bool
	refresher Refresher
	unsub     func()
}

// NewMonitor 创建连接健康监视器。
func NewMonitor(refresher Refresher) *Monitor {
	return &Monitor{refresher: refresher}
}

// Start 订阅连接状态事件。返回前不触发任何刷新。
func (m *Monitor) Start(bus *transport.EventBus) {
	m.unsub = bus.OnConnChange(func(st transport.ConnState) {
		m.onConnChange(st)
	})
}

// Stop 退订连接状态事件。
func (m *Monitor) Stop() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

// Disrupted 报告当前是否有待补齐的连接中断（测试与诊断用）。
func (m *Monitor) Disrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disrupted
}

func (m *Monitor) onConnChange(st transport.ConnState) {
	m.mu.Lock()
	if !st.Connected {
		if !m.disrupted {
			log.Printf("推送通道断开，标记会话 %s 待对账", m.refresher.ConversationID())
		}
		m.disrupted = true
		m.mu.Unlock()
		return
	}
	if !m.disrupted {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// 恢复连接且此前有中断：恰好触发一次全量刷新。
	// 刷新失败时保留标记，下次成功重连再试。
	if err := m.refresher.Refresh(context.Background()); err != nil {
		log.Printf("断线恢复后的刷新失败: %v", err)
		return
	}
	m.mu.Lock()
	m.disrupted = false
	m.mu.Unlock()
	log.Printf("会话 %s 断线对账完成", m.refresher.ConversationID())
}
