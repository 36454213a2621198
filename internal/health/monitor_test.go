package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-go/internal/transport"
)

// fakeRefresher 记录刷新次数，可编程失败。
type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	return f.err
}

func (f *fakeRefresher) ConversationID() string { return "contract-1" }

// publishConn 构造一个带单个监视器订阅的总线并发布一串状态变化。
func publishConn(t *testing.T, m *Monitor, states ...transport.ConnState) {
	t.Helper()
	bus := transport.NewEventBus()
	m.Start(bus)
	defer m.Stop()
	for _, st := range states {
		bus.PublishConnChange(st)
	}
}

func TestReconnectAfterDisruptionTriggersExactlyOneRefresh(t *testing.T) {
	r := &fakeRefresher{}
	m := NewMonitor(r)

	publishConn(t, m,
		transport.ConnState{Connected: true},
		transport.ConnState{Connected: false},
		transport.ConnState{Connected: true},
	)

	assert.Equal(t, 1, r.calls)
	assert.False(t, m.Disrupted())
}

func TestConnectWithoutDisruptionDoesNotRefresh(t *testing.T) {
	r := &fakeRefresher{}
	m := NewMonitor(r)

	publishConn(t, m,
		transport.ConnState{Connected: true},
		transport.ConnState{Connected: true},
	)

	assert.Equal(t, 0, r.calls)
}

func TestRepeatedDisconnectsCollapseIntoOneRefresh(t *testing.T) {
	r := &fakeRefresher{}
	m := NewMonitor(r)

	publishConn(t, m,
		transport.ConnState{Connected: false},
		transport.ConnState{Connected: false},
		transport.ConnState{Connected: false},
		transport.ConnState{Connected: true},
	)

	assert.Equal(t, 1, r.calls)
}

func TestRefreshFailureKeepsDisruptionFlag(t *testing.T) {
	r := &fakeRefresher{err: errors.New("网关不可达")}
	m := NewMonitor(r)

	publishConn(t, m,
		transport.ConnState{Connected: false},
		transport.ConnState{Connected: true},
	)
	require.Equal(t, 1, r.calls)
	assert.True(t, m.Disrupted())

	// 下一次成功重连重试刷新并清除标记。
	r.err = nil
	publishConn(t, m,
		transport.ConnState{Connected: false},
		transport.ConnState{Connected: true},
	)
	assert.Equal(t, 2, r.calls)
	assert.False(t, m.Disrupted())
}

func TestStopUnsubscribes(t *testing.T) {
	r := &fakeRefresher{}
	m := NewMonitor(r)

	bus := transport.NewEventBus()
	m.Start(bus)
	m.Stop()

	bus.PublishConnChange(transport.ConnState{Connected: false})
	bus.PublishConnChange(transport.ConnState{Connected: true})
	assert.Equal(t, 0, r.calls)
}
