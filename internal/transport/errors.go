package transport

import (
	"errors"
	"fmt"
)

// 传输层的错误分类。所有传输错误都在适配器边界被吸收，
// 转化为状态迁移或事件，不会作为未处理异常传给上层 UI 代码。
var (
	// ErrTransportUnavailable 表示推送通道无法建立；非致命，
	// 请求通道仍然可用。
	ErrTransportUnavailable = errors.New("推送通道不可用")

	// ErrRefreshFailed 表示一次断线恢复后的全量刷新失败。
	ErrRefreshFailed = errors.New("会话刷新失败")
)

// DeliveryError 表示请求通道的一次发送失败（网络或服务端错误）。
// 投递状态机据此把对应消息置为 failed。
type DeliveryError struct {
	ConversationID string
	StatusCode     int // 0 表示请求未到达服务端
	Err            error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("消息投递失败 (会话 %s, 状态码 %d): %v", e.ConversationID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("消息投递失败 (会话 %s): %v", e.ConversationID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsDeliveryFailed 报告 err 是否是一次请求通道投递失败。
func IsDeliveryFailed(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
