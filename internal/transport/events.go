package transport

import (
	"sync"

	"agrichat-go/internal/chattypes"
)

// ConnState 是推送通道的连接状态快照。
type ConnState struct {
	Connected bool
	// Exhausted 为 true 表示自动重连预算已用尽，不会再自动重试。
	Exhausted bool
}

// EventBus 按事件种类分发传输层事件。每类事件有独立的类型化
// 订阅方法，处理器签名在编译期检查；同一事件允许多个订阅者。
// 订阅方法返回的函数用于退订。
type EventBus struct {
	mu       sync.Mutex
	nextID   int
	msgSubs  map[int]func(*chattypes.Message)
	ackSubs  map[int]func(chattypes.SendAck)
	hintSubs map[int]func(chattypes.SendHint)
	connSubs map[int]func(ConnState)
	errSubs  map[int]func(error)
}

// NewEventBus 创建一个空的事件总线。
func NewEventBus() *EventBus {
	return &EventBus{
		msgSubs:  make(map[int]func(*chattypes.Message)),
		ackSubs:  make(map[int]func(chattypes.SendAck)),
		hintSubs: make(map[int]func(chattypes.SendHint)),
		connSubs: make(map[int]func(ConnState)),
		errSubs:  make(map[int]func(error)),
	}
}

// OnMessage 订阅新消息事件（messageReceived）。
func (b *EventBus) OnMessage(h func(*chattypes.Message)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.msgSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.msgSubs, id)
	}
}

// OnSendAck 订阅发送确认事件（sendAcknowledged）。
func (b *EventBus) OnSendAck(h func(chattypes.SendAck)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.ackSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.ackSubs, id)
	}
}

// OnSendHint 订阅投递不确定事件（deliveryUncertain）。
func (b *EventBus) OnSendHint(h func(chattypes.SendHint)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.hintSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.hintSubs, id)
	}
}

// OnConnChange 订阅连接状态变化事件（connectionStateChanged）。
func (b *EventBus) OnConnChange(h func(ConnState)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.connSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.connSubs, id)
	}
}

// OnError 订阅传输错误事件（transportError）。
func (b *EventBus) OnError(h func(error)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.errSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.errSubs, id)
	}
}

// PublishMessage 分发一条新消息事件。由传输实现调用。
func (b *EventBus) PublishMessage(m *chattypes.Message) {
	for _, h := range b.snapshotMsg() {
		h(m)
	}
}

// PublishAck 分发一条发送确认事件。
func (b *EventBus) PublishAck(a chattypes.SendAck) {
	b.mu.Lock()
	hs := make([]func(chattypes.SendAck), 0, len(b.ackSubs))
	for _, h := range b.ackSubs {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(a)
	}
}

// PublishHint 分发一条投递不确定事件。
func (b *EventBus) PublishHint(hint chattypes.SendHint) {
	b.mu.Lock()
	hs := make([]func(chattypes.SendHint), 0, len(b.hintSubs))
	for _, h := range b.hintSubs {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(hint)
	}
}

// PublishConnChange 分发一次连接状态变化。
func (b *EventBus) PublishConnChange(st ConnState) {
	b.mu.Lock()
	hs := make([]func(ConnState), 0, len(b.connSubs))
	for _, h := range b.connSubs {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(st)
	}
}

// PublishError 分发一个传输层错误。
func (b *EventBus) PublishError(err error) {
	b.mu.Lock()
	hs := make([]func(error), 0, len(b.errSubs))
	for _, h := range b.errSubs {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(err)
	}
}

// snapshotMsg 在锁内复制处理器列表，分发在锁外进行，
// 避免处理器内再次订阅/退订造成死锁。
func (b *EventBus) snapshotMsg() []func(*chattypes.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := make([]func(*chattypes.Message), 0, len(b.msgSubs))
	for _, h := range b.msgSubs {
		hs = append(hs, h)
	}
	return hs
}
