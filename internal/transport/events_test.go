package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"agrichat-go/internal/chattypes"
)

func TestEventBusDispatchesToAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	var first, second []*chattypes.Message
	bus.OnMessage(func(m *chattypes.Message) { first = append(first, m) })
	bus.OnMessage(func(m *chattypes.Message) { second = append(second, m) })

	msg := &chattypes.Message{ID: "msg-1"}
	bus.PublishMessage(msg)

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
	assert.Same(t, msg, first[0])
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()

	var got []chattypes.SendAck
	unsub := bus.OnSendAck(func(a chattypes.SendAck) { got = append(got, a) })

	bus.PublishAck(chattypes.SendAck{ServerID: "msg-1"})
	unsub()
	bus.PublishAck(chattypes.SendAck{ServerID: "msg-2"})

	assert.Len(t, got, 1)
	assert.Equal(t, "msg-1", got[0].ServerID)
}

func TestEventBusUnsubscribeIsPerSubscriber(t *testing.T) {
	bus := NewEventBus()

	var a, b int
	unsubA := bus.OnConnChange(func(ConnState) { a++ })
	bus.OnConnChange(func(ConnState) { b++ })

	bus.PublishConnChange(ConnState{Connected: true})
	unsubA()
	bus.PublishConnChange(ConnState{Connected: false})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEventBusHintAndErrorChannels(t *testing.T) {
	bus := NewEventBus()

	var hints []chattypes.SendHint
	var errs []error
	bus.OnSendHint(func(h chattypes.SendHint) { hints = append(hints, h) })
	bus.OnError(func(err error) { errs = append(errs, err) })

	bus.PublishHint(chattypes.SendHint{Content: "在吗"})
	bus.PublishError(errors.New("推送通道断开"))

	assert.Len(t, hints, 1)
	assert.Len(t, errs, 1)
}

func TestEventBusResubscribeInsideHandlerDoesNotDeadlock(t *testing.T) {
	bus := NewEventBus()

	done := make(chan struct{})
	bus.OnMessage(func(*chattypes.Message) {
		// 处理器内再订阅不得与分发互锁。
		bus.OnMessage(func(*chattypes.Message) {})
		close(done)
	})
	bus.PublishMessage(&chattypes.Message{ID: "msg-1"})
	<-done
}
